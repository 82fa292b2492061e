package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/ipquota/internal/generator"
	"mercator-hq/ipquota/pkg/cli"
	"mercator-hq/ipquota/pkg/config"
	"mercator-hq/ipquota/pkg/limits/storage"
	"mercator-hq/ipquota/pkg/server"
	"mercator-hq/ipquota/pkg/telemetry/tracing"
)

var serveFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
	noWatch       bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quota-gated HTTP server",
	Long: `Start the HTTP server with the specified configuration.

Each POST /v1/generate consumes one use of the caller's quota. The config
file is watched; client IP and log level changes apply without a restart.

Examples:
  # Start with default config
  ipquota serve

  # Start with custom config
  ipquota serve --config /etc/ipquota/config.yaml

  # Override listen address
  ipquota serve --listen 0.0.0.0:8080

  # Validate config and connections without serving
  ipquota serve --dry-run`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "build the usage stack and exit without serving")
	serveCmd.Flags().BoolVar(&serveFlags.noWatch, "no-watch", false, "do not reload the config file on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}
	if serveFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = serveFlags.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	slog.SetDefault(logger.Logger)

	a, err := newApp(cfg, logger, Version)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close usage stack", "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	if serveFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		fmt.Fprintf(out, "✓ Cache: %s\n", a.cache.Name())
		fmt.Fprintf(out, "✓ Durable store: %s\n", cfg.Storage.Backend)
		return nil
	}

	tracer, err := tracing.New(cfg.Telemetry.Tracing, Version)
	if err != nil {
		return cli.NewCommandError("serve", fmt.Errorf("failed to initialize tracing: %w", err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.Tracing.Timeout)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	srv, err := server.NewServer(cfg, server.Deps{
		Usage:     a.usage,
		Resolver:  a.resolver,
		Generator: generator.NewEcho(),
		Collector: a.collector,
		Checker:   a.checker,
		Tracer:    tracer,
		Logger:    logger.Logger,
		Version:   versionInfo(),
	})
	if err != nil {
		return cli.NewCommandError("serve", err)
	}

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	if a.store != nil {
		pruner := storage.NewPruner(a.store, storage.PrunerConfig{
			Schedule: cfg.Storage.PruneSchedule,
			Grace:    cfg.Storage.PruneGrace,
		})
		if err := pruner.Start(ctx); err != nil {
			logger.Warn("failed to start usage pruner", "error", err)
		} else {
			defer pruner.Stop()
			if next := pruner.NextRun(); next != nil {
				logger.Debug("usage pruner scheduled", "next_run", next)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if path != "" && !serveFlags.noWatch {
		watcher, err := config.NewWatcher(path, config.DefaultWatchDebounce, logger.Logger)
		if err != nil {
			logger.Warn("config watching disabled", "error", err)
		} else {
			g.Go(func() error {
				return watcher.Watch(gctx, func(next *config.Config) {
					applyReload(a, logger.SetLevel, next)
				})
			})
		}
	}

	fmt.Fprintf(out, "ipquota %s\n", Version)
	fmt.Fprintf(out, "✓ Listening on %s (limit %d per %s)\n",
		cfg.Server.ListenAddress, a.usage.Config().MaxUsage, a.usage.Config().Window)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		return cli.NewCommandError("serve", err)
	}
	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

// applyReload applies the settings that can change while serving. Quota,
// cache and storage changes need a restart.
func applyReload(a *app, setLevel func(string) error, next *config.Config) {
	a.resolver.SetOptions(resolverOptions(next))
	if err := setLevel(next.Telemetry.Logging.Level); err != nil {
		a.logger.Warn("ignoring invalid log level", "level", next.Telemetry.Logging.Level, "error", err)
	}

	if next.Usage.MaxUsage != a.cfg.Usage.MaxUsage || next.Usage.Window != a.cfg.Usage.Window {
		a.logger.Warn("usage limit changes take effect after restart",
			"max_usage", next.Usage.MaxUsage,
			"window", next.Usage.Window.String(),
		)
	}
	config.SetConfig(next)
}
