// Command dirwatch is the directory auditor binary. It loads a YAML or TOML
// configuration file, polls every configured directory, records each cycle's
// changes to the configured logs and stores, serves /healthz, /metrics and
// the events API, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tripwire/dirwatch/internal/api"
	"github.com/tripwire/dirwatch/internal/config"
	"github.com/tripwire/dirwatch/internal/eventlog"
	"github.com/tripwire/dirwatch/internal/metrics"
	"github.com/tripwire/dirwatch/internal/monitor"
	"github.com/tripwire/dirwatch/internal/stream"
	"github.com/tripwire/dirwatch/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "/etc/dirwatch/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dirwatch",
		Short:        "Poll directories and audit every change",
		SilenceUsage: true,
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start monitoring the configured directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return run(ctx, configPath)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML or TOML configuration file")

	var validatePath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and print the resolved targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(validatePath)
			if err != nil {
				return err
			}
			printTargets(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&validatePath, "config", "c", defaultConfigPath, "path to the YAML or TOML configuration file")

	var journalPath string
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of a journal file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := eventlog.Verify(journalPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", journalPath, len(entries))
			return nil
		},
	}
	verifyCmd.Flags().StringVarP(&journalPath, "journal", "j", "", "path to the journal file")
	_ = verifyCmd.MarkFlagRequired("journal")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the dirwatch version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dirwatch %s\n", version)
		},
	}

	root.AddCommand(runCmd, validateCmd, verifyCmd, versionCmd)
	return root
}

// run blocks until ctx is cancelled or a component fails, then stops every
// component.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
		slog.Int("targets", len(cfg.Targets)),
	)

	m := metrics.New()
	var extra []eventlog.Sink
	var hub *stream.Hub
	if cfg.HTTPEnabled() {
		hub = stream.NewHub(logger, stream.DefaultBuffer)
		extra = append(extra, hub)
	}
	mon, querier, err := monitor.Build(ctx, cfg, logger, m, extra...)
	if err != nil {
		logger.Error("failed to build monitor", slog.Any("error", err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := mon.Start(gctx); err != nil {
		return err
	}

	if cfg.Telemetry.Enabled {
		rec := telemetry.NewRecorder(telemetry.NewHostSampler(cfg.Telemetry.DiskPath),
			cfg.Telemetry.Interval(), m.Registerer(), logger)
		g.Go(func() error { return rec.Run(gctx) })
	}

	var srv *http.Server
	if cfg.HTTPEnabled() {
		router := api.NewRouter(api.NewServer(mon, querier, m.Handler(), logger,
			api.WithStream(stream.NewHandler(hub, logger, 0))))
		srv = &http.Server{
			Addr:         cfg.HealthAddr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", slog.String("addr", cfg.HealthAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Stop the pollers first so the final cycles reach the sinks, then the
		// live viewers and the HTTP server.
		mon.Stop()
		if hub != nil {
			_ = hub.Close()
		}
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown error", slog.Any("error", err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("dirwatch stopped with error", slog.Any("error", err))
		return err
	}
	logger.Info("dirwatch exited cleanly")
	return nil
}

func printTargets(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "configuration OK: %d target(s)\n", len(cfg.Targets))
	for _, t := range cfg.Targets {
		fmt.Fprintf(w, "  %s: %s every %s (recursive=%t, baseline=%s)\n",
			t.Name, t.RootDirectory, t.PollInterval(), t.Recursive, t.InitialBaseline)
		fmt.Fprintf(w, "    structured: %s\n    narrative:  %s\n", t.StructuredLogPath, t.NarrativeLogPath)
		if t.JournalPath != "" {
			fmt.Fprintf(w, "    journal:    %s\n", t.JournalPath)
		}
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
