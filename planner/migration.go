package planner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/operations"
	workflow "github.com/davidroman0O/blockflow/workflows"
)

// Workflow names used by the planners
const (
	MigrationWorkflow         = "migrateVolumes"
	VarrayChangeWorkflow      = "changeVirtualArray"
	ExportUpdateWorkflow      = "exportGroupUpdate"
	ExportChildWorkflow       = "storageSystemExportGroupUpdate"
	VolumeGroupUpdateWorkflow = "volumeGroupUpdate"
)

// MigrationRequest asks to move the backend volumes of virtual volumes to
// a new virtual array, a new virtual pool, or both
type MigrationRequest struct {
	Volumes          []Volume
	ConsistencyGroup *ConsistencyGroup

	TargetVirtualArray string
	TargetVirtualPool  string

	// Independent memberships for the targets. Empty values inherit the
	// source backend volume's.
	TargetConsistencyGroup string
	TargetReplicationGroup string

	// Recommendations made by a caller that planned several volumes at
	// once. The HA side uses the entry at index 1.
	Recommendations []Recommendation
}

func (r MigrationRequest) varrayChange() bool {
	return r.TargetVirtualArray != ""
}

// Migration pairs a source backend volume with its target
type Migration struct {
	ID            string `json:"id"`
	VirtualVolume string `json:"virtualVolume"`
	Source        string `json:"source"`
	Target        string `json:"target"`
}

// Rejection is a volume left out of a batch because of its own precondition
type Rejection struct {
	VolumeID string
	Err      error
}

// Plan is the ordered output of a planner
type Plan struct {
	Name        string
	Descriptors []Descriptor
	Targets     []BackendVolume
	Migrations  []Migration
	LockKeys    []string

	// Volumes lists the virtual volumes the plan covers
	Volumes []string

	// Rejected lists volumes that failed validation on their own
	Rejected []Rejection
}

// Empty reports whether the plan has nothing to execute
func (p *Plan) Empty() bool {
	return p == nil || len(p.Descriptors) == 0
}

// Workflow builds the step graph for the plan. Descriptors of one type form
// a group and each group waits for the previous one.
func (p *Plan) Workflow(opts ...workflow.Option) (*workflow.Workflow, error) {
	if p.Empty() {
		return nil, errors.Validation("plan", "plan %s has no descriptors", p.Name)
	}
	opts = append([]workflow.Option{workflow.WithLockKeys(p.LockKeys...)}, opts...)
	w := workflow.NewWorkflow(p.Name, opts...)

	waitFor := ""
	for _, t := range descriptorOrder {
		descs := FilterByType(p.Descriptors, t)
		if len(descs) == 0 {
			continue
		}
		tmpl := templates[t]
		for _, d := range descs {
			var rollback *operations.Descriptor
			if tmpl.rollback != "" {
				rollback = operations.Op(tmpl.rollback, d.args()).Ptr()
			}
			desc := fmt.Sprintf("%s %s on storage system %s", tmpl.description, d.VolumeID, d.StorageSystem)
			if _, err := w.CreateStep(tmpl.group, desc, waitFor, d.StorageSystem, "StorageSystem",
				operations.Op(tmpl.op, d.args()), rollback, ""); err != nil {
				return nil, err
			}
		}
		waitFor = tmpl.group
	}
	return w, nil
}

// ValidateMigration checks the preconditions that apply to the whole
// request. It runs before placement so an oversized consistency group
// never produces a step.
func (p *Planner) ValidateMigration(req MigrationRequest) error {
	if len(req.Volumes) == 0 {
		return errors.Validation("migration", "no volumes to migrate")
	}
	if req.TargetVirtualArray == "" && req.TargetVirtualPool == "" {
		return errors.Validation("migration", "a target virtual array or virtual pool is required")
	}
	if req.ConsistencyGroup != nil && len(req.Volumes) > p.maxCGVolumes {
		return errors.CGTooManyVolumesForMigration(req.ConsistencyGroup.Label(), len(req.Volumes), p.maxCGVolumes)
	}
	return nil
}

// checkVolume validates one volume
func checkVolume(v Volume, varrayChange bool) error {
	switch {
	case len(v.Backend) == 0:
		return errors.Validation("migration", "volume %s has no backend volumes", v.ID)
	case v.ActiveSnapshots > 0:
		return errors.Validation("migration", "volume %s has %d active snapshots, delete them before migrating", v.ID, v.ActiveSnapshots)
	case v.Mirrors > 0:
		return errors.Validation("migration", "volume %s has %d mirrors, delete them before migrating", v.ID, v.Mirrors)
	case varrayChange && v.Exported:
		return errors.Validation("migration", "volume %s is exported and its virtual array cannot change", v.ID)
	}
	return nil
}

type placed struct {
	volume  int
	backend int
	ha      bool
	rec     Recommendation
}

// PlanMigration computes the descriptors migrating every backend volume of
// the requested volumes. In a consistency group any invalid volume fails
// the request; otherwise invalid volumes are reported in Rejected and the
// others are planned.
func (p *Planner) PlanMigration(ctx context.Context, req MigrationRequest) (*Plan, error) {
	if err := p.ValidateMigration(req); err != nil {
		return nil, err
	}

	name := MigrationWorkflow
	if req.varrayChange() {
		name = VarrayChangeWorkflow
	}
	plan := &Plan{Name: name}

	var volumes []Volume
	for _, v := range req.Volumes {
		if err := checkVolume(v, req.varrayChange()); err != nil {
			if req.ConsistencyGroup != nil {
				return nil, err
			}
			p.logger.Warn("Volume %s rejected from migration: %v", v.ID, err)
			plan.Rejected = append(plan.Rejected, Rejection{VolumeID: v.ID, Err: err})
			continue
		}
		volumes = append(volumes, v)
	}
	if len(volumes) == 0 {
		return plan, nil
	}

	placements, err := p.place(ctx, req, volumes)
	if err != nil {
		return nil, err
	}
	if cg := req.ConsistencyGroup; cg != nil && cg.Local && len(volumes) > 1 {
		if err := singleSystem(cg, placements); err != nil {
			return nil, err
		}
	}

	for _, pl := range placements {
		v := volumes[pl.volume]
		p.appendBackendMigration(plan, req, v, v.Backend[pl.backend], pl.rec)
	}
	for _, v := range volumes {
		if req.varrayChange() {
			plan.Descriptors = append(plan.Descriptors, Descriptor{
				Type:          VirtualVolumeUpdate,
				StorageSystem: v.StorageSystem,
				VolumeID:      v.ID,
				Params:        operations.Args{ArgVirtualArray: operations.ID(req.TargetVirtualArray)},
			})
		}
		plan.Volumes = append(plan.Volumes, v.ID)
	}
	plan.LockKeys = volumeLockKeys(volumes, req.ConsistencyGroup)

	p.logger.Info("Planned %s of %d volumes: %d descriptors, %d migrations",
		plan.Name, len(volumes), len(plan.Descriptors), len(plan.Migrations))
	return plan, nil
}

// place picks a recommendation for every backend volume, querying the
// placement service concurrently unless recommendations were supplied
func (p *Planner) place(ctx context.Context, req MigrationRequest, volumes []Volume) ([]placed, error) {
	var out []placed
	for i, v := range volumes {
		for j, bv := range v.Backend {
			out = append(out, placed{volume: i, backend: j, ha: bv.HA})
		}
	}

	if len(req.Recommendations) > 0 {
		for i := range out {
			bv := volumes[out[i].volume].Backend[out[i].backend]
			idx := 0
			if out[i].ha {
				idx = 1
			}
			if idx >= len(req.Recommendations) {
				return nil, errors.Validation("placement",
					"no recommendation at index %d for backend volume %s of volume %s", idx, bv.ID, volumes[out[i].volume].ID)
			}
			out[i].rec = req.Recommendations[idx]
		}
		return out, nil
	}

	if p.placement == nil {
		return nil, errors.New(errors.ErrConfiguration, "no placement service configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range out {
		i := i
		v := volumes[out[i].volume]
		bv := v.Backend[out[i].backend]
		q := PlacementQuery{
			VirtualArray:     firstNonEmpty(req.TargetVirtualArray, bv.VirtualArray),
			VirtualPool:      firstNonEmpty(req.TargetVirtualPool, bv.VirtualPool),
			StorageSystems:   []string{v.StorageSystem},
			CapacityBytes:    bv.CapacityBytes,
			ConsistencyGroup: firstNonEmpty(req.TargetConsistencyGroup, bv.ConsistencyGroup),
		}
		g.Go(func() error {
			recs, err := p.placement.Recommend(gctx, q)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return errors.NoStorageFoundForMigration(q.VirtualPool, q.VirtualArray, bv.ID)
			}
			out[i].rec = recs[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// singleSystem requires the targets of each side of a LOCAL consistency
// group to land on one storage system
func singleSystem(cg *ConsistencyGroup, placements []placed) error {
	systems := map[bool]string{}
	for _, pl := range placements {
		if prev, ok := systems[pl.ha]; ok && prev != pl.rec.StorageSystem {
			return errors.Validation("migration",
				"targets of consistency group %s do not resolve to a single storage system (%s, %s)",
				cg.Label(), prev, pl.rec.StorageSystem)
		}
		systems[pl.ha] = pl.rec.StorageSystem
	}
	return nil
}

func (p *Planner) appendBackendMigration(plan *Plan, req MigrationRequest, v Volume, source BackendVolume, rec Recommendation) {
	target := BackendVolume{
		ID:               p.newID(),
		Label:            ToggleMigrationLabel(source.Label),
		StorageSystem:    rec.StorageSystem,
		Pool:             rec.Pool,
		VirtualArray:     firstNonEmpty(req.TargetVirtualArray, source.VirtualArray),
		VirtualPool:      firstNonEmpty(req.TargetVirtualPool, source.VirtualPool),
		ConsistencyGroup: firstNonEmpty(req.TargetConsistencyGroup, source.ConsistencyGroup),
		ReplicationGroup: firstNonEmpty(req.TargetReplicationGroup, source.ReplicationGroup),
		CapacityBytes:    source.CapacityBytes,
		HA:               source.HA,
	}
	migration := Migration{ID: p.newID(), VirtualVolume: v.ID, Source: source.ID, Target: target.ID}
	plan.Targets = append(plan.Targets, target)
	plan.Migrations = append(plan.Migrations, migration)

	createParams := operations.Args{
		ArgLabel:         operations.String(target.Label),
		ArgCapacity:      operations.Int(target.CapacityBytes),
		ArgVirtualArray:  operations.ID(target.VirtualArray),
		ArgVirtualPool:   operations.ID(target.VirtualPool),
		ArgVirtualVolume: operations.ID(v.ID),
		ArgSource:        operations.ID(source.ID),
		ArgInternal:      operations.Bool(true),
	}
	if target.ReplicationGroup != "" {
		createParams[ArgReplicationGroup] = operations.String(target.ReplicationGroup)
	}
	link := operations.Args{
		ArgVirtualVolume: operations.ID(v.ID),
		ArgSource:        operations.ID(source.ID),
	}

	plan.Descriptors = append(plan.Descriptors,
		Descriptor{
			Type:             BlockData,
			StorageSystem:    target.StorageSystem,
			VolumeID:         target.ID,
			Pool:             target.Pool,
			ConsistencyGroup: target.ConsistencyGroup,
			Params:           createParams,
		},
		Descriptor{
			Type:             MigrateVolume,
			StorageSystem:    target.StorageSystem,
			VolumeID:         target.ID,
			Pool:             target.Pool,
			ConsistencyGroup: target.ConsistencyGroup,
			MigrationID:      migration.ID,
			Params:           link,
		},
		Descriptor{
			Type:          CommitMigration,
			StorageSystem: target.StorageSystem,
			VolumeID:      target.ID,
			MigrationID:   migration.ID,
			Params:        link,
		},
		Descriptor{
			Type:          DeleteSource,
			StorageSystem: source.StorageSystem,
			VolumeID:      source.ID,
			MigrationID:   migration.ID,
			Params:        operations.Args{ArgVirtualVolume: operations.ID(v.ID)},
		},
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
