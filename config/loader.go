package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/blockflow/errors"
)

// Default limits
const (
	DefaultMaxRecordBytes           = 250000
	DefaultMaxCGVolumesForMigration = 50
)

// Default returns a configuration with every field populated
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Backend:        BackendMemory,
			DialTimeout:    Duration(5 * time.Second),
			SessionTimeout: Duration(10 * time.Second),
			Prefix:         "/blockflow",
		},
		Locks: LockConfig{
			Timeout:         Duration(60 * time.Second),
			PollInterval:    Duration(50 * time.Millisecond),
			MaxPollInterval: Duration(2 * time.Second),
			LeaseTTL:        Duration(30 * time.Second),
		},
		Workflow: WorkflowConfig{
			MaxRecordBytes:           DefaultMaxRecordBytes,
			MaxCGVolumesForMigration: DefaultMaxCGVolumesForMigration,
		},
		Log: LogConfig{
			Level:   "INFO",
			Console: true,
		},
	}
}

// LoadConfigFile loads a configuration file on top of the defaults
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to read config file")
	}

	cfg := Default()
	ext := filepath.Ext(path)

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to parse YAML config")
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to parse JSON config")
		}
	default:
		return nil, errors.Newf(errors.ErrConfiguration, "unsupported config file format: %s", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	switch c.Coordinator.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Coordinator.FilePath == "" {
			return errors.New(errors.ErrConfiguration, "coordinator.filePath is required for the file backend")
		}
	case BackendEtcd, BackendZooKeeper, BackendRedis:
		if len(c.Coordinator.Endpoints) == 0 {
			return errors.Newf(errors.ErrConfiguration, "coordinator.endpoints is required for the %s backend", c.Coordinator.Backend)
		}
	default:
		return errors.Newf(errors.ErrConfiguration, "unknown coordinator backend %q", c.Coordinator.Backend)
	}

	if c.Locks.Timeout <= 0 {
		return errors.New(errors.ErrConfiguration, "locks.timeout must be positive")
	}
	if c.Locks.PollInterval <= 0 {
		return errors.New(errors.ErrConfiguration, "locks.pollInterval must be positive")
	}
	if c.Workflow.MaxRecordBytes <= 0 {
		return errors.New(errors.ErrConfiguration, "workflow.maxRecordBytes must be positive")
	}
	if c.Workflow.MaxCGVolumesForMigration <= 0 {
		return errors.New(errors.ErrConfiguration, "workflow.maxCgVolumesForMigration must be positive")
	}
	return nil
}

// Save writes the configuration in the format implied by the extension
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
