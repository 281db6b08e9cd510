package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/davidroman0O/blockflow/config"
	"github.com/davidroman0O/blockflow/failure"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// run executes a fresh command tree and returns what it printed
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "ERROR"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFlagsAndEnvironmentOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockflow.yaml")
	file := config.Default()
	file.Log.Level = "WARN"
	file.Workflow.MaxCGVolumesForMigration = 7
	file.Failure.Selector = failure.CreateVolumesBeforeDevice
	require.NoError(t, config.Save(file, path))

	t.Setenv("BLOCKFLOW_MAX_CG_VOLUMES", "4")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(keyLogLevel, "", "")
	flags.Int(keyMaxCGVolumes, 0, "")
	flags.String(keyFailureSel, "", "")
	v := viper.New()
	bindSettings(v, flags)
	require.NoError(t, flags.Parse([]string{"--log-level", "DEBUG"}))

	c, err := loadConfig(v, path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", c.Log.Level, "flag wins over the file")
	assert.Equal(t, 4, c.Workflow.MaxCGVolumesForMigration, "environment wins over the file")
	assert.Equal(t, failure.CreateVolumesBeforeDevice, c.Failure.Selector, "unset values keep the file's")
	assert.Equal(t, config.BackendMemory, c.Coordinator.Backend)
}

func TestInvalidOverrideRejected(t *testing.T) {
	_, err := run(t, "workflow", "list", "--backend", "file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filePath")
}

func TestMigrateCommand(t *testing.T) {
	out, err := run(t, "migrate", "--volumes", "3", "--cg", "cg1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "vol-3")
	assert.NotContains(t, out, "error")
}

func TestMigrateCommandOverCeiling(t *testing.T) {
	out, err := run(t, "migrate", "--volumes", "3", "--cg", "cg1", "--ceiling", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum of 2")
	assert.Contains(t, out, "VALIDATION")
	assert.NotContains(t, out, "Workflow:")
}

func TestMigrateCommandWithInjectedFailure(t *testing.T) {
	out, err := run(t, "migrate", "--volumes", "1", "--cg", "", "--inject", failure.CreateVolumesBeforeDevice)
	require.Error(t, err)
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, err.Error(), "Artificially Thrown Exception")
}

func TestExportCommand(t *testing.T) {
	out, err := run(t, "export", "--existing-initiators", "iqn.host0", "--existing-volumes", "vol-1",
		"--add-initiators", "iqn.host1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "initiators [iqn.host0 iqn.host1], volumes [vol-1]")
}

func TestInjectAndWorkflowsOnFileBackend(t *testing.T) {
	backend := []string{"--backend", "file", "--file-path", filepath.Join(t.TempDir(), "state.json")}

	_, err := run(t, append([]string{"inject", "set", failure.CreateVolumesBeforeDevice, "-n", "2"}, backend...)...)
	require.NoError(t, err)
	out, err := run(t, append([]string{"inject", "show"}, backend...)...)
	require.NoError(t, err)
	assert.Contains(t, out, failure.PropertySelector+"="+failure.Selector(failure.CreateVolumesBeforeDevice, 2))

	// the first occurrence of the armed point passes
	out, err = run(t, append([]string{"migrate", "--volumes", "1", "--cg", ""}, backend...)...)
	require.NoError(t, err, out)

	out, err = run(t, append([]string{"workflow", "list"}, backend...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS")

	_, err = run(t, append([]string{"workflow", "show", "missing"}, backend...)...)
	assert.Error(t, err)

	_, err = run(t, append([]string{"inject", "reset", "--clear"}, backend...)...)
	require.NoError(t, err)
	out, err = run(t, append([]string{"inject", "show"}, backend...)...)
	require.NoError(t, err)
	assert.NotContains(t, out, failure.PropertySelector+"=")
	assert.Contains(t, out, failure.PropertyReset+"=true")
}

func TestWorkflowSchemaCommand(t *testing.T) {
	out, err := run(t, "workflow", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"$schema"`)
	assert.Contains(t, out, `"steps"`)
}
