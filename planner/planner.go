package planner

import (
	"github.com/google/uuid"

	"github.com/davidroman0O/blockflow/config"
	"github.com/davidroman0O/blockflow/logging"
)

// Planner builds migration, export and volume group plans
type Planner struct {
	placement    PlacementService
	maxCGVolumes int
	concurrency  int
	logger       logging.Logger
	newID        func() string
}

// Option configures a Planner
type Option func(*Planner)

// WithPlacement sets the placement service queried when a request carries
// no recommendations
func WithPlacement(svc PlacementService) Option {
	return func(p *Planner) { p.placement = svc }
}

// WithMaxCGVolumesForMigration sets the consistency group guard ceiling
func WithMaxCGVolumesForMigration(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxCGVolumes = n
		}
	}
}

// WithConcurrency bounds parallel placement queries
func WithConcurrency(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(p *Planner) { p.logger = logging.OrNop(l) }
}

// WithIDGenerator replaces the generator of volume and migration ids
func WithIDGenerator(gen func() string) Option {
	return func(p *Planner) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// New creates a planner
func New(opts ...Option) *Planner {
	p := &Planner{
		maxCGVolumes: config.DefaultMaxCGVolumesForMigration,
		concurrency:  4,
		logger:       logging.NewNop(),
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxCGVolumesForMigration returns the guard ceiling
func (p *Planner) MaxCGVolumesForMigration() int { return p.maxCGVolumes }
