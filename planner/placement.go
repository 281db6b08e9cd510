package planner

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/logging"
)

// Recommendation is a placement proposal from the scheduler
type Recommendation struct {
	StorageSystem string `json:"storageSystem"`
	Pool          string `json:"pool"`
	VirtualArray  string `json:"virtualArray,omitempty"`
}

// PlacementQuery constrains where a migration target may be created
type PlacementQuery struct {
	VirtualArray     string
	VirtualPool      string
	StorageSystems   []string
	CapacityBytes    int64
	ConsistencyGroup string
}

// PlacementService ranks (array, pool) candidates. An empty result means no
// candidate exists.
type PlacementService interface {
	Recommend(ctx context.Context, q PlacementQuery) ([]Recommendation, error)
}

// PlacementFunc adapts a function to PlacementService
type PlacementFunc func(ctx context.Context, q PlacementQuery) ([]Recommendation, error)

// Recommend implements PlacementService
func (f PlacementFunc) Recommend(ctx context.Context, q PlacementQuery) ([]Recommendation, error) {
	return f(ctx, q)
}

// StaticPlacement always proposes the same candidates
func StaticPlacement(recs ...Recommendation) PlacementService {
	return PlacementFunc(func(ctx context.Context, q PlacementQuery) ([]Recommendation, error) {
		return append([]Recommendation(nil), recs...), nil
	})
}

// BreakerSettings tunes BreakerPlacement
type BreakerSettings struct {
	Name string

	// MaxFailures consecutive failures open the breaker
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
}

// DefaultBreakerSettings returns the settings used by the orchestrator
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{Name: "placement", MaxFailures: 5, OpenTimeout: 30 * time.Second}
}

// BreakerPlacement guards a remote placement service with a circuit
// breaker. Validation errors do not count as failures.
type BreakerPlacement struct {
	svc PlacementService
	cb  *gobreaker.CircuitBreaker
}

// NewBreakerPlacement wraps svc
func NewBreakerPlacement(svc PlacementService, s BreakerSettings, logger logging.Logger) *BreakerPlacement {
	logger = logging.OrNop(logger)
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:    s.Name,
		Timeout: s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Placement breaker %s changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsValidation(err)
		},
	}
	return &BreakerPlacement{svc: svc, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Recommend implements PlacementService
func (b *BreakerPlacement) Recommend(ctx context.Context, q PlacementQuery) ([]Recommendation, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.svc.Recommend(ctx, q)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrap(err, errors.ErrConnection, "placement service unavailable")
	}
	if err != nil {
		return nil, err
	}
	recs, _ := out.([]Recommendation)
	return recs, nil
}

// State reports the breaker state
func (b *BreakerPlacement) State() string {
	return b.cb.State().String()
}
