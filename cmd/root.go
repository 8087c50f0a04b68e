// Package cmd implements the rollup-manager command line.
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cartesi-corp/rollup-manager/cmd/common"
	"github.com/cartesi-corp/rollup-manager/config"
	"github.com/cartesi-corp/rollup-manager/internal/checkin"
	"github.com/cartesi-corp/rollup-manager/internal/session"
	"github.com/cartesi-corp/rollup-manager/log"
	"github.com/cartesi-corp/rollup-manager/metrics"
	"github.com/cartesi-corp/rollup-manager/rpc"
)

var (
	configFile string

	managerAddress    string
	serverAddress     string
	machineServerPath string
	logLevel          string
	logFormat         string
	metricsEndpoint   string

	rootCmd = &cobra.Command{
		Use:   "rollup-manager",
		Short: "Cartesi-style rollup machine manager",
		Run:   rootMain,
	}
)

func init() {
	rootCmd.Flags().StringVar(&managerAddress, "manager-address", "", "address to listen on for client RPCs (host:port or unix:<path>) (required)")
	rootCmd.Flags().StringVar(&serverAddress, "server-address", "localhost:0", "address suggested to spawned machine-server children")
	rootCmd.Flags().StringVar(&machineServerPath, "machine-server-path", "cartesi-machine-server", "path to the cartesi-machine-server binary")
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to an optional YAML config file")
	rootCmd.Flags().StringVar(&logLevel, "log.level", "", "log level override (debug|info|warn|error)")
	rootCmd.Flags().StringVar(&logFormat, "log.format", "", "log format override (JSON|logfmt)")
	rootCmd.Flags().StringVar(&metricsEndpoint, "metrics.pull-endpoint", "", "Prometheus pull endpoint; disabled when empty")
	_ = rootCmd.MarkFlagRequired("manager-address")
}

func rootMain(cmd *cobra.Command, args []string) {
	// InitConfig validates what it loads, so the flag values its validation
	// requires are passed in as environment overrides.
	if managerAddress != "" {
		_ = os.Setenv("ROLLUP_MANAGER_MANAGER__MANAGER_ADDRESS", managerAddress)
	}
	if machineServerPath != "" {
		_ = os.Setenv("ROLLUP_MANAGER_MANAGER__MACHINE_SERVER_PATH", machineServerPath)
	}

	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed", "error", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)

	if err := common.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed", "error", err)
		os.Exit(1)
	}
	logger := common.RootLogger()

	checkinTable := checkin.NewTable()
	mgrMetrics := metrics.NewManagerMetrics()

	mgr := session.NewManager(cfg.Manager, checkinTable, logger, mgrMetrics)

	server, err := rpc.NewServer(mgr, checkinTable, mgrMetrics, logger)
	if err != nil {
		logger.Error("failed to build rpc server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleSignals(cancel, logger)
	go dumpGoroutinesOnSignal(syscall.SIGUSR1, logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gCtx, cfg.Manager.ManagerAddress)
	})
	if cfg.Metrics != nil {
		pull := metrics.NewPullService(cfg.Metrics.PullEndpoint, logger)
		g.Go(func() error {
			return pull.Start(gCtx)
		})
	}

	logger.Info("rollup manager started", "manager_address", cfg.Manager.ManagerAddress)
	if err := g.Wait(); err != nil && gCtx.Err() == nil {
		logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("rollup manager shut down cleanly")
}

func applyFlagOverrides(cfg *config.Config) {
	if cfg.Manager == nil {
		cfg.Manager = &config.ManagerConfig{}
	}
	if managerAddress != "" {
		cfg.Manager.ManagerAddress = managerAddress
	}
	if serverAddress != "" {
		cfg.Manager.ServerAddress = serverAddress
	}
	if machineServerPath != "" {
		cfg.Manager.MachineServerPath = machineServerPath
	}
	if cfg.Log == nil {
		cfg.Log = &config.LogConfig{Format: "json", Level: "info"}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if metricsEndpoint != "" {
		cfg.Metrics = &config.MetricsConfig{PullEndpoint: metricsEndpoint}
	}
}

func handleSignals(cancel context.CancelFunc, logger *log.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	logger.Info("received shutdown signal", "signal", sig)
	cancel()
}

// Execute spawns the main entry point after parsing the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dumpGoroutinesOnSignal logs a dump of all goroutines when the process
// receives one of the given signals; useful for diagnosing a manager stuck
// draining a session's pending inputs.
func dumpGoroutinesOnSignal(sig os.Signal, logger *log.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sig)
	for range c {
		b := bytes.NewBufferString("")
		_ = pprof.Lookup("goroutine").WriteTo(b, 1)
		logger.Warn("goroutine dump", "goroutines", b.String())
	}
}
