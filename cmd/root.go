// Package cmd implements the blockflow command line
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/davidroman0O/blockflow"
	"github.com/davidroman0O/blockflow/config"
	"github.com/davidroman0O/blockflow/failure"
	"github.com/davidroman0O/blockflow/logging"
)

const envPrefix = "BLOCKFLOW"

// Keys that flags and BLOCKFLOW_* variables can override
const (
	keyBackend        = "backend"
	keyEndpoints      = "endpoints"
	keyFilePath       = "file-path"
	keyPrefix         = "prefix"
	keyLockTimeout    = "lock-timeout"
	keyMaxCGVolumes   = "max-cg-volumes"
	keyFailureSel     = "failure-selector"
	keyFailureLog     = "failure-log"
	keyLogLevel       = "log-level"
	keyLogConsole     = "log-console"
	keyMetricsAddress = "metrics-address"
)

var (
	// Global flags
	configFile string

	cfg     *config.Config
	logger  logging.Logger = logging.NewNop()
	metrics *metricsServer
)

func newRootCommand() *cobra.Command {
	settings := viper.New()
	rootCmd := &cobra.Command{
		Use:   "blockflow",
		Short: "Storage workflow orchestration",
		Long: `blockflow plans storage operations (volume migrations, export changes,
volume group updates) as workflows of steps, executes them under
cluster-wide locks against a simulated array, and rolls them back in
reverse order when a step fails.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(settings)
		},
		PersistentPostRun: teardown,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Path to a YAML or JSON config file")
	flags.String(keyBackend, "", "Coordination backend: memory, file, etcd, zookeeper or redis")
	flags.StringSlice(keyEndpoints, nil, "Backend endpoints")
	flags.String(keyFilePath, "", "State file of the file backend")
	flags.String(keyPrefix, "", "Key prefix on the backend")
	flags.Duration(keyLockTimeout, 0, "How long to wait for locks")
	flags.Int(keyMaxCGVolumes, 0, "Largest consistency group a migration accepts")
	flags.String(keyFailureSel, "", "Failure injection selector, key or key&n")
	flags.String(keyFailureLog, "", "Audit file for injected failures")
	flags.Lookup(keyFailureLog).NoOptDefVal = failure.DefaultAuditLog
	flags.String(keyLogLevel, "", "Log level")
	flags.Bool(keyLogConsole, false, "Human readable logs")
	flags.String(keyMetricsAddress, "", "Serve prometheus metrics on this address")
	bindSettings(settings, flags)

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newInjectCommand())
	return rootCmd
}

// bindSettings makes flags and BLOCKFLOW_* variables visible through v
func bindSettings(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Execute runs the root command
func Execute() error {
	return newRootCommand().Execute()
}

func setup(settings *viper.Viper) error {
	loaded, err := loadConfig(settings, configFile)
	if err != nil {
		return err
	}
	cfg = loaded

	l, err := logging.Init(cfg.Log.Level, cfg.Log.Console)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if metrics != nil {
		metrics.stop()
		metrics = nil
	}
}

// loadConfig reads path, or the defaults when empty, then applies the
// values set through flags or the environment
func loadConfig(v *viper.Viper, path string) (*config.Config, error) {
	c := config.Default()
	if path != "" {
		loaded, err := config.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		c = loaded
	}
	applyOverrides(v, c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyOverrides(v *viper.Viper, c *config.Config) {
	if v.IsSet(keyBackend) {
		c.Coordinator.Backend = v.GetString(keyBackend)
	}
	if v.IsSet(keyEndpoints) {
		c.Coordinator.Endpoints = v.GetStringSlice(keyEndpoints)
	}
	if v.IsSet(keyFilePath) {
		c.Coordinator.FilePath = v.GetString(keyFilePath)
	}
	if v.IsSet(keyPrefix) {
		c.Coordinator.Prefix = v.GetString(keyPrefix)
	}
	if v.IsSet(keyLockTimeout) {
		c.Locks.Timeout = config.Duration(v.GetDuration(keyLockTimeout))
	}
	if v.IsSet(keyMaxCGVolumes) {
		c.Workflow.MaxCGVolumesForMigration = v.GetInt(keyMaxCGVolumes)
	}
	if v.IsSet(keyFailureSel) {
		c.Failure.Selector = v.GetString(keyFailureSel)
	}
	if v.IsSet(keyFailureLog) {
		c.Failure.LogFile = v.GetString(keyFailureLog)
	}
	if v.IsSet(keyLogLevel) {
		c.Log.Level = v.GetString(keyLogLevel)
	}
	if v.IsSet(keyLogConsole) {
		c.Log.Console = v.GetBool(keyLogConsole)
	}
	if v.IsSet(keyMetricsAddress) {
		c.Metrics.Address = v.GetString(keyMetricsAddress)
	}
}

// open builds an orchestrator from the loaded configuration. It starts the
// metrics listener the first time when an address is configured.
func open(ctx context.Context, opts ...blockflow.Option) (*blockflow.Orchestrator, error) {
	base := []blockflow.Option{blockflow.WithConfig(cfg), blockflow.WithLogger(logger)}
	if cfg.Metrics.Address != "" && metrics == nil {
		reg := prometheus.NewRegistry()
		metrics = serveMetrics(cfg.Metrics.Address, reg)
		base = append(base, blockflow.WithMetricsRegisterer(reg))
	}
	return blockflow.New(ctx, append(base, opts...)...)
}

type metricsServer struct {
	srv *http.Server
}

func serveMetrics(addr string, reg *prometheus.Registry) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Error serving metrics on %s: %v\n", addr, err)
		}
	}()
	logger.Info("Serving metrics on %s/metrics", addr)
	return &metricsServer{srv: srv}
}

func (m *metricsServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.srv.Shutdown(ctx)
}
