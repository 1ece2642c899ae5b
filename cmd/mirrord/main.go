// mirrord replicates block devices to a peer and resynchronizes them after
// interruptions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mirrord/mirrord/internal/config"
	"github.com/mirrord/mirrord/internal/daemon"
	"github.com/mirrord/mirrord/internal/logging/loki"
	"github.com/mirrord/mirrord/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	adminAddr  string
	adminToken string
	jsonOutput bool
	asService  bool
)

const defaultConfig = "/etc/mirrord/mirrord.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mirrord",
		Short: "mirrord - replicated block devices",
		Long: `mirrord mirrors writes to a peer node and resynchronizes the blocks that
diverged while the peer was unreachable.

QUICK START:

  # Start the daemon on both nodes (one of them with "peer" set):
  mirrord run -c /etc/mirrord/mirrord.yaml

  # Inspect and drive devices through the local admin interface:
  mirrord status
  mirrord resync r0 --side source
  mirrord verify r0
  mirrord pause r0`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default "+defaultConfig+")")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "admin interface address (default from config)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin bearer token (default from config)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replication daemon",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	runCmd.Flags().BoolVar(&asService, "service", false, "run under the system service manager (internal use)")
	_ = runCmd.Flags().MarkHidden("service")
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status [device]",
		Short: "Show device status",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(operationCmds()...)
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mirrord %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfig
	}
	return config.Load(path)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The config file level applies unless the flag was given.
	if !cmd.Flags().Changed("log-level") {
		if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	if cfg.Log.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	var lokiWriter *loki.Writer
	if cfg.Log.Loki.Enabled {
		_, _, _, flushInterval := cfg.Durations()
		host, _ := os.Hostname()
		labels := map[string]string{"host": host}
		for k, v := range cfg.Log.Loki.Labels {
			labels[k] = v
		}
		lokiWriter = loki.NewWriter(loki.Config{
			URL:           cfg.Log.Loki.URL,
			BatchSize:     cfg.Log.Loki.BatchSize,
			FlushInterval: flushInterval,
			Labels:        labels,
		})
		lokiWriter.Start()
		defer lokiWriter.Stop()

		// Reconfigure logger to also write to Loki
		if cfg.Log.JSON {
			log.Logger = log.Output(zerolog.MultiLevelWriter(os.Stderr, lokiWriter))
		} else {
			log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, lokiWriter))
		}
		log.Info().Str("url", cfg.Log.Loki.URL).Msg("Loki log shipping enabled")
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Int("devices", len(cfg.Devices)).
		Msg("Starting mirrord")

	serve := func(ctx context.Context, _ string) error {
		d, err := daemon.New(daemon.Options{Config: cfg, Logger: log.Logger, Version: Version})
		if err != nil {
			return err
		}
		start := time.Now()
		err = d.Run(ctx)
		log.Info().Dur("uptime", time.Since(start)).Msg("mirrord stopped")
		return err
	}

	if asService {
		return svc.Run(&svc.Config{ConfigPath: cfgFile}, serve)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down...")
	}()

	return serve(ctx, cfgFile)
}
