// Package blockflow wires the workflow engine, lock manager, failure
// injector, planner and array simulator into one orchestrator that turns
// storage requests into executed workflows and per-object tasks.
package blockflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidroman0O/blockflow/config"
	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/failure"
	"github.com/davidroman0O/blockflow/locks"
	"github.com/davidroman0O/blockflow/logging"
	"github.com/davidroman0O/blockflow/metrics"
	"github.com/davidroman0O/blockflow/operations"
	"github.com/davidroman0O/blockflow/planner"
	"github.com/davidroman0O/blockflow/simulator"
	"github.com/davidroman0O/blockflow/tasks"
	workflow "github.com/davidroman0O/blockflow/workflows"
)

// Orchestrator is the main entry point of blockflow
type Orchestrator struct {
	cfg    *config.Config
	logger logging.Logger

	backend     coordinator.Backend
	ownsBackend bool
	properties  *coordinator.Properties

	metricsReg prometheus.Registerer
	metrics    *metrics.Collector
	injector   *failure.Injector
	locks      *locks.Manager
	registry   *operations.Registry
	engine     *workflow.Engine
	tasks      *tasks.Repository
	array      *simulator.Array
	placement  planner.PlacementService
	breaker    *planner.BreakerPlacement
	planner    *planner.Planner

	asyncMigrations bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator) error

// WithConfig uses cfg instead of the defaults
func WithConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) error {
		if cfg == nil {
			return errors.New(errors.ErrConfiguration, "nil configuration")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		o.cfg = cfg
		return nil
	}
}

// WithConfigFile loads the configuration from a YAML or JSON file
func WithConfigFile(path string) Option {
	return func(o *Orchestrator) error {
		cfg, err := config.LoadConfigFile(path)
		if err != nil {
			return err
		}
		o.cfg = cfg
		return nil
	}
}

// WithBackend uses an already opened coordination backend. The caller
// keeps ownership and closes it.
func WithBackend(b coordinator.Backend) Option {
	return func(o *Orchestrator) error {
		o.backend = b
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = logging.OrNop(l)
		return nil
	}
}

// WithMetricsRegisterer registers the prometheus series on reg
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) error {
		o.metricsReg = reg
		return nil
	}
}

// WithPlacement replaces the simulator as placement service
func WithPlacement(svc planner.PlacementService) Option {
	return func(o *Orchestrator) error {
		o.placement = svc
		return nil
	}
}

// WithAsyncMigrations makes the simulator complete migrations in the
// background instead of within the step
func WithAsyncMigrations() Option {
	return func(o *Orchestrator) error {
		o.asyncMigrations = true
		return nil
	}
}

// New builds an orchestrator
func New(ctx context.Context, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    config.Default(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	cfg := o.cfg

	if o.backend == nil {
		backend, err := coordinator.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		o.backend = backend
		o.ownsBackend = true
	}
	o.properties = coordinator.NewProperties(o.backend)
	o.metrics = metrics.New(o.metricsReg)

	if err := o.initInjector(ctx); err != nil {
		o.Close()
		return nil, err
	}

	o.locks = locks.NewManager(o.backend,
		locks.WithLogger(o.logger),
		locks.WithMetrics(o.metrics),
		locks.WithPolling(cfg.Locks.PollInterval.Std(), cfg.Locks.MaxPollInterval.Std()),
		locks.WithDefaultTimeout(cfg.Locks.Timeout.Std()))

	o.registry = operations.NewRegistry()
	o.engine = workflow.NewEngine(o.registry,
		workflow.WithRecordStore(workflow.NewCoordinatorRecordStore(o.backend, cfg.Workflow.MaxRecordBytes)),
		workflow.WithLockManager(o.locks),
		workflow.WithInjector(o.injector),
		workflow.WithMetrics(o.metrics),
		workflow.WithLogger(o.logger),
		workflow.WithDefaultLockTimeout(cfg.Locks.Timeout.Std()),
		workflow.WithStepTimeout(cfg.Workflow.StepTimeout.Std()))

	arrayOpts := []simulator.Option{simulator.WithInjector(o.injector), simulator.WithLogger(o.logger)}
	if o.asyncMigrations {
		arrayOpts = append(arrayOpts, simulator.WithCompleter(o.engine))
	}
	o.array = simulator.New(arrayOpts...)
	if err := o.array.Register(o.registry); err != nil {
		o.Close()
		return nil, err
	}

	if o.placement == nil {
		o.placement = o.array
	}
	o.breaker = planner.NewBreakerPlacement(o.placement, planner.DefaultBreakerSettings(), o.logger)
	o.planner = planner.New(
		planner.WithPlacement(o.breaker),
		planner.WithMaxCGVolumesForMigration(cfg.Workflow.MaxCGVolumesForMigration),
		planner.WithLogger(o.logger))
	repo, err := tasks.NewCoordinatorRepository(ctx, o.backend)
	if err != nil {
		o.Close()
		return nil, err
	}
	o.tasks = repo

	o.logger.Info("Orchestrator ready on %s backend", cfg.Coordinator.Backend)
	return o, nil
}

// initInjector reads the failure settings from the coordinator properties,
// seeding them from the configuration when set there
func (o *Orchestrator) initInjector(ctx context.Context) error {
	if sel := o.cfg.Failure.Selector; sel != "" {
		if err := o.properties.SetProperty(ctx, failure.PropertySelector, sel); err != nil {
			return err
		}
	}
	if o.cfg.Failure.ResetCounters {
		if err := o.properties.SetProperty(ctx, failure.PropertyReset, "true"); err != nil {
			return err
		}
	}
	opts := []failure.Option{failure.WithLogger(o.logger), failure.WithMetrics(o.metrics)}
	if o.cfg.Failure.LogFile != "" {
		opts = append(opts, failure.WithAuditLog(o.cfg.Failure.LogFile))
	}
	injector, err := failure.New(o.properties, opts...)
	if err != nil {
		return err
	}
	o.injector = injector
	return nil
}

// Close releases the injector audit log and the backend if New opened it
func (o *Orchestrator) Close() error {
	var errs []error
	if err := o.injector.Close(); err != nil {
		errs = append(errs, err)
	}
	if o.ownsBackend && o.backend != nil {
		if err := o.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the configuration the orchestrator was built with
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Engine returns the workflow engine
func (o *Orchestrator) Engine() *workflow.Engine { return o.engine }

// Locks returns the lock manager shared by every workflow
func (o *Orchestrator) Locks() *locks.Manager { return o.locks }

// Injector returns the failure injector
func (o *Orchestrator) Injector() *failure.Injector { return o.injector }

// Properties returns the coordinator properties backing failure injection
func (o *Orchestrator) Properties() *coordinator.Properties { return o.properties }

// Planner returns the workflow planner
func (o *Orchestrator) Planner() *planner.Planner { return o.planner }

// Array returns the simulated storage array
func (o *Orchestrator) Array() *simulator.Array { return o.array }

// Tasks returns the task repository
func (o *Orchestrator) Tasks() *tasks.Repository { return o.tasks }

// Registry returns the operation registry the engine dispatches through
func (o *Orchestrator) Registry() *operations.Registry { return o.registry }
