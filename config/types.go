// Package config provides configuration structures and loading utilities
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in CoordinatorConfig.Backend
const (
	BackendMemory    = "memory"
	BackendFile      = "file"
	BackendEtcd      = "etcd"
	BackendZooKeeper = "zookeeper"
	BackendRedis     = "redis"
)

// Duration is a time.Duration written as "5s" in both YAML and JSON files.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String renders the duration the way it is written in config files
func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// CoordinatorConfig selects and configures the coordination service that
// provides both locks and workflow persistence.
type CoordinatorConfig struct {
	Backend        string   `yaml:"backend" json:"backend"`
	Endpoints      []string `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
	Username       string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string   `yaml:"password,omitempty" json:"password,omitempty"`
	DialTimeout    Duration `yaml:"dialTimeout,omitempty" json:"dialTimeout,omitempty"`
	SessionTimeout Duration `yaml:"sessionTimeout,omitempty" json:"sessionTimeout,omitempty"`
	// FilePath is used by the file backend
	FilePath string `yaml:"filePath,omitempty" json:"filePath,omitempty"`
	// RedisDB selects the redis logical database
	RedisDB int `yaml:"redisDB,omitempty" json:"redisDB,omitempty"`
	// Prefix namespaces every key written to the backend
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// LockConfig contains lock manager settings
type LockConfig struct {
	Timeout         Duration `yaml:"timeout" json:"timeout"`
	PollInterval    Duration `yaml:"pollInterval" json:"pollInterval"`
	MaxPollInterval Duration `yaml:"maxPollInterval" json:"maxPollInterval"`
	// LeaseTTL bounds how long a crashed process can keep a lock on backends
	// that support leases or sessions.
	LeaseTTL Duration `yaml:"leaseTTL" json:"leaseTTL"`
}

// WorkflowConfig contains engine and planner limits
type WorkflowConfig struct {
	MaxRecordBytes           int      `yaml:"maxRecordBytes" json:"maxRecordBytes"`
	MaxCGVolumesForMigration int      `yaml:"maxCgVolumesForMigration" json:"maxCgVolumesForMigration"`
	StepTimeout              Duration `yaml:"stepTimeout,omitempty" json:"stepTimeout,omitempty"`
}

// FailureConfig holds the two failure-injection settings
type FailureConfig struct {
	Selector      string `yaml:"selector,omitempty" json:"selector,omitempty"`
	ResetCounters bool   `yaml:"resetCounters,omitempty" json:"resetCounters,omitempty"`
	LogFile       string `yaml:"logFile,omitempty" json:"logFile,omitempty"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level" json:"level"`
	Console bool   `yaml:"console" json:"console"`
}

// MetricsConfig contains the prometheus listener address
type MetricsConfig struct {
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

// Config represents the top-level configuration file structure
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Locks       LockConfig        `yaml:"locks" json:"locks"`
	Workflow    WorkflowConfig    `yaml:"workflow" json:"workflow"`
	Failure     FailureConfig     `yaml:"failure" json:"failure"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
}
