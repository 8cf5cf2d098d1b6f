// Command stratum runs strategies under search policies and checks
// demonstration files against them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stratum/internal/config"
	"stratum/internal/logging"
	"stratum/internal/logic"
	"stratum/internal/metrics"
	"stratum/internal/registry"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	// Global flags
	verbose     bool
	workspace   string
	configPath  string
	timeout     time.Duration
	metricsPath string

	logger  *zap.Logger
	cfg     *config.Config
	metrics *metrics.Metrics

	// newRegistry builds the registry of strategies, queries and policies
	// available to the commands.
	newRegistry func() (*registry.Registry, error)
}

func defaultRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := logic.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func newRootCmd(a *app) *cobra.Command {
	if a.newRegistry == nil {
		a.newRegistry = defaultRegistry
	}
	rootCmd := &cobra.Command{
		Use:   "stratum",
		Short: "Run strategy trees and check demonstrations",
		Long: `stratum reifies strategies into lazily materialized trees of choice
points, explores them with search policies under a budget, and replays
them against recorded demonstrations.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&a.workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default: <workspace>/.stratum/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().StringVar(&a.metricsPath, "metrics", "", "Write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newDemoCmd(a))
	rootCmd.AddCommand(newListCmd(a))
	return rootCmd
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup builds the logger, loads the configuration and initializes the
// categorized loggers.
func (a *app) setup() error {
	zc := zap.NewProductionConfig()
	if a.verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	var err error
	a.logger, err = zc.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if a.workspace == "" {
		if a.workspace, err = os.Getwd(); err != nil {
			return err
		}
	}
	if a.workspace, err = filepath.Abs(a.workspace); err != nil {
		return err
	}
	path := a.configPath
	if path == "" {
		path = config.DefaultPath(a.workspace)
	}
	a.cfg, err = config.Load(path)
	if err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	if err := logging.Initialize(a.workspace, a.cfg.Logging.ToLogging()); err != nil {
		return err
	}
	if a.verbose {
		logging.UseLogger(a.logger)
	}
	a.metrics = metrics.New()
	a.logger.Debug("Configuration loaded", zap.String("path", path), zap.String("workspace", a.workspace))
	return nil
}

func (a *app) teardown() error {
	var err error
	if a.metricsPath != "" && a.metrics != nil {
		err = a.writeMetrics(a.metricsPath)
	}
	logging.CloseAll()
	if a.verbose {
		logging.UseLogger(nil)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}

func (a *app) writeMetrics(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	defer f.Close()
	return a.metrics.WritePrometheus(f)
}

// commandContext returns a context cancelled on SIGINT/SIGTERM and, when
// bounded is set, after the configured timeout.
func (a *app) commandContext(cmd *cobra.Command, bounded bool) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	if !bounded || a.timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
