package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blockflow/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 250000, cfg.Workflow.MaxRecordBytes)
	assert.Equal(t, BackendMemory, cfg.Coordinator.Backend)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockflow.yaml")
	content := `
coordinator:
  backend: etcd
  endpoints: ["127.0.0.1:2379"]
locks:
  timeout: 3s
  pollInterval: 20ms
workflow:
  maxCgVolumesForMigration: 5
failure:
  selector: failure_004_final_step_in_workflow_complete&2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, BackendEtcd, cfg.Coordinator.Backend)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Coordinator.Endpoints)
	assert.Equal(t, 3*time.Second, cfg.Locks.Timeout.Std())
	assert.Equal(t, 20*time.Millisecond, cfg.Locks.PollInterval.Std())
	assert.Equal(t, 5, cfg.Workflow.MaxCGVolumesForMigration)
	// untouched values keep their defaults
	assert.Equal(t, 250000, cfg.Workflow.MaxRecordBytes)
	assert.Equal(t, "failure_004_final_step_in_workflow_complete&2", cfg.Failure.Selector)
}

func TestLoadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockflow.json")

	cfg := Default()
	cfg.Coordinator.Backend = BackendFile
	cfg.Coordinator.FilePath = filepath.Join(dir, "state.json")
	cfg.Locks.Timeout = Duration(90 * time.Second)
	require.NoError(t, Save(cfg, path))

	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.Backend = "consul"
	assert.Equal(t, errors.ErrConfiguration, errors.GetCode(cfg.Validate()))

	cfg = Default()
	cfg.Coordinator.Backend = BackendZooKeeper
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Workflow.MaxCGVolumesForMigration = 0
	assert.Error(t, cfg.Validate())
}

func TestUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockflow.toml")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0644))

	_, err := LoadConfigFile(path)
	assert.Equal(t, errors.ErrConfiguration, errors.GetCode(err))
}
