package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/platewatch/pkg/config"
	"github.com/edgeflare/platewatch/pkg/logging"
	"github.com/edgeflare/platewatch/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "platewatch",
	Short: "platewatch records license-plate sightings",
	Long: `platewatch subscribes to plate sightings published on an MQTT topic (or a NATS
subject), stores them and serves them as a web page and a JSON API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		logger, err = logging.New(cfg.Log.Level)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		if cfg.File != "" {
			logger.Info("using config file", zap.String("path", cfg.File))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Println(config.Version)
			return
		}
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.Version)
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/platewatch.yaml or ./platewatch.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(versionCmd)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startMetrics serves /metrics when enabled; wg is released after shutdown.
func startMetrics(ctx context.Context, wg *sync.WaitGroup) {
	if !cfg.Metrics.Enabled {
		return
	}
	metrics.StartPrometheusServer(ctx, wg, &metrics.PromServerOpts{
		Addr:   cfg.Metrics.Addr,
		Logger: logger.With(zap.String("component", "metrics")),
	})
}

// addMetricsFlags registers the metrics flags on a subcommand.
func addMetricsFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().Bool("metrics.enabled", d.Metrics.Enabled, "serve Prometheus metrics")
	cmd.Flags().String("metrics.addr", d.Metrics.Addr, "metrics listen address")
}
