// Package simulator is an in-memory storage array. It implements every
// operation the planner emits so workflows can run end to end without
// devices, and it hits the failure points a real controller would.
package simulator

import (
	"context"
	"sort"
	"sync"

	"github.com/davidroman0O/blockflow/failure"
	"github.com/davidroman0O/blockflow/logging"
	"github.com/davidroman0O/blockflow/planner"
)

// Volume is a backend volume on an array
type Volume struct {
	ID               string
	Label            string
	StorageSystem    string
	Pool             string
	VirtualArray     string
	VirtualPool      string
	ConsistencyGroup string
	ReplicationGroup string
	CapacityBytes    int64
	Internal         bool
}

// VirtualVolume is a volume presented by the virtualization layer on top
// of one or two backend volumes
type VirtualVolume struct {
	ID            string
	Label         string
	StorageSystem string
	VirtualArray  string
	VirtualPool   string
	Backend       []string
}

// MigrationState is the progress of a data migration
type MigrationState string

const (
	MigrationStarted   MigrationState = "STARTED"
	MigrationCommitted MigrationState = "COMMITTED"
	MigrationCancelled MigrationState = "CANCELLED"
)

// Migration copies a source backend volume to a target
type Migration struct {
	ID            string
	VirtualVolume string
	Source        string
	Target        string
	State         MigrationState
}

// Mask is the export of volumes to initiators on one array
type Mask struct {
	ExportGroup   string
	StorageSystem string
	Initiators    []string
	Volumes       []string
}

// Pool is capacity the array can place volumes in
type Pool struct {
	StorageSystem string
	Pool          string
	VirtualArray  string
	VirtualPool   string
	FreeBytes     int64
}

// Completer finishes a step whose handler deferred completion
type Completer interface {
	CompleteStep(workflowID, stepID string, err error) error
}

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type mask struct {
	exportGroup   string
	storageSystem string
	initiators    set
	volumes       set
}

func (m *mask) snapshot() Mask {
	return Mask{
		ExportGroup:   m.exportGroup,
		StorageSystem: m.storageSystem,
		Initiators:    m.initiators.sorted(),
		Volumes:       m.volumes.sorted(),
	}
}

// Array holds the simulated state. It is safe for concurrent use.
type Array struct {
	mu         sync.Mutex
	volumes    map[string]Volume
	virtual    map[string]VirtualVolume
	migrations map[string]Migration
	masks      map[string]*mask
	groups     map[string]set
	pools      []Pool
	calls      []string

	injector  *failure.Injector
	logger    logging.Logger
	completer Completer
	wg        sync.WaitGroup
}

// Option configures an Array
type Option func(*Array)

// WithInjector makes handlers hit their failure points
func WithInjector(i *failure.Injector) Option {
	return func(a *Array) { a.injector = i }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(a *Array) { a.logger = logging.OrNop(l) }
}

// WithCompleter makes migrations complete asynchronously through c
func WithCompleter(c Completer) Option {
	return func(a *Array) { a.completer = c }
}

// New creates an empty array
func New(opts ...Option) *Array {
	a := &Array{
		volumes:    make(map[string]Volume),
		virtual:    make(map[string]VirtualVolume),
		migrations: make(map[string]Migration),
		masks:      make(map[string]*mask),
		groups:     make(map[string]set),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Wait blocks until every asynchronous completion has been delivered
func (a *Array) Wait() { a.wg.Wait() }

// AddPool makes capacity available to placement
func (a *Array) AddPool(p Pool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools = append(a.pools, p)
}

// AddVolume seeds a virtual volume and its backend volumes
func (a *Array) AddVolume(v planner.Volume) {
	a.mu.Lock()
	defer a.mu.Unlock()
	vv := VirtualVolume{
		ID:            v.ID,
		Label:         v.Label,
		StorageSystem: v.StorageSystem,
		VirtualArray:  v.VirtualArray,
		VirtualPool:   v.VirtualPool,
	}
	for _, bv := range v.Backend {
		a.volumes[bv.ID] = Volume{
			ID:               bv.ID,
			Label:            bv.Label,
			StorageSystem:    bv.StorageSystem,
			Pool:             bv.Pool,
			VirtualArray:     bv.VirtualArray,
			VirtualPool:      bv.VirtualPool,
			ConsistencyGroup: bv.ConsistencyGroup,
			ReplicationGroup: bv.ReplicationGroup,
			CapacityBytes:    bv.CapacityBytes,
		}
		vv.Backend = append(vv.Backend, bv.ID)
	}
	a.virtual[v.ID] = vv
}

// AddMask seeds an existing export mask
func (a *Array) AddMask(exportGroup, storageSystem string, initiators, volumes []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.maskLocked(exportGroup, storageSystem, true)
	for _, ini := range initiators {
		m.initiators[ini] = struct{}{}
	}
	for _, v := range volumes {
		m.volumes[v] = struct{}{}
	}
}

func maskKey(exportGroup, storageSystem string) string {
	return exportGroup + "/" + storageSystem
}

func (a *Array) maskLocked(exportGroup, storageSystem string, create bool) *mask {
	key := maskKey(exportGroup, storageSystem)
	m, ok := a.masks[key]
	if !ok && create {
		m = &mask{exportGroup: exportGroup, storageSystem: storageSystem, initiators: set{}, volumes: set{}}
		a.masks[key] = m
	}
	return m
}

// Volume returns a backend volume
func (a *Array) Volume(id string) (Volume, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.volumes[id]
	return v, ok
}

// Volumes returns every backend volume sorted by id
func (a *Array) Volumes() []Volume {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Volume, 0, len(a.volumes))
	for _, v := range a.volumes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VirtualVolume returns a virtual volume
func (a *Array) VirtualVolume(id string) (VirtualVolume, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.virtual[id]
	if ok {
		v.Backend = append([]string(nil), v.Backend...)
	}
	return v, ok
}

// Migration returns a migration
func (a *Array) Migration(id string) (Migration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.migrations[id]
	return m, ok
}

// Mask returns the export mask of an export group on an array
func (a *Array) Mask(exportGroup, storageSystem string) (Mask, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.maskLocked(exportGroup, storageSystem, false)
	if m == nil {
		return Mask{}, false
	}
	return m.snapshot(), true
}

// Members returns the volumes of a replication or protection group
func (a *Array) Members(group string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.groups[group].sorted()
}

// Calls returns the handled operations in order. Rollbacks carry a
// "rollback:" prefix.
func (a *Array) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// ExportChange fills in the current mask state of change
func (a *Array) ExportChange(change planner.ExportChange) planner.ExportChange {
	if m, ok := a.Mask(change.ExportGroup, change.StorageSystem); ok {
		change.MaskExists = true
		change.ExistingInitiators = m.Initiators
	}
	return change
}

// Recommend implements planner.PlacementService from the seeded pools.
// Pools with the most free capacity come first.
func (a *Array) Recommend(ctx context.Context, q planner.PlacementQuery) ([]planner.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var candidates []Pool
	for _, p := range a.pools {
		if q.VirtualArray != "" && p.VirtualArray != q.VirtualArray {
			continue
		}
		if q.VirtualPool != "" && p.VirtualPool != q.VirtualPool {
			continue
		}
		if p.FreeBytes < q.CapacityBytes {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].FreeBytes > candidates[j].FreeBytes })

	out := make([]planner.Recommendation, 0, len(candidates))
	for _, p := range candidates {
		out = append(out, planner.Recommendation{StorageSystem: p.StorageSystem, Pool: p.Pool, VirtualArray: p.VirtualArray})
	}
	return out, nil
}
