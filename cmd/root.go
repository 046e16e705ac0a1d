// Package cmd defines and implements the CLI commands for the collector.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/app"
	"github.com/JakeFAU/repo-collector/internal/config"
	"github.com/JakeFAU/repo-collector/internal/logging"
	"github.com/JakeFAU/repo-collector/internal/telemetry"
)

// version is overridden at build time with -ldflags.
var version = "dev"

// skipApp marks commands that only need configuration.
const skipApp = "skip-app"

// session holds what PersistentPreRunE built for the running command.
type session struct {
	cfg            config.Config
	logger         *zap.Logger
	app            *app.App
	tracerShutdown func(context.Context) error
}

func (s *session) close(ctx context.Context) {
	if s.app != nil {
		if err := s.app.Close(); err != nil {
			s.logger.Warn("application close failed", zap.Error(err))
		}
		s.app = nil
	}
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		s.tracerShutdown = nil
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

// newRootCmd creates the root command. The returned session is populated
// once a subcommand starts and must be closed after Execute.
func newRootCmd() (*cobra.Command, *session) {
	var cfgFile string
	sess := &session{}

	cmd := &cobra.Command{
		Use:     "collector",
		Short:   "Collects repository metadata from code hosting services.",
		Version: version,
		Long: `collector enumerates public repositories on GitHub, GitLab and
HTML-indexed forges, checkpointing every page in a shared ledger so any
number of instances can cooperate and resume after crashes.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     cfg.Telemetry.ServiceName,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			sess.cfg = cfg
			sess.logger = logger

			if cmd.Annotations[skipApp] != "" {
				return nil
			}
			tp, err := telemetry.InitTracerProvider(cmd.Context(), telemetry.Config{
				ServiceName:    cfg.Telemetry.ServiceName,
				ServiceVersion: version,
				Stdout:         cfg.Telemetry.Stdout,
				SampleRatio:    cfg.Telemetry.SampleRatio,
			})
			if err != nil {
				return fmt.Errorf("tracer init failed: %w", err)
			}
			sess.tracerShutdown = tp.Shutdown

			sess.app, err = app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); COLLECTOR_* env vars override it")

	cmd.AddCommand(
		newRunCmd(sess),
		newMigrateCmd(sess),
		newSeedCmd(sess),
		newUnitsCmd(sess),
		newReplayCmd(sess),
	)
	return cmd, sess
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, sess := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	sess.close(context.Background())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
