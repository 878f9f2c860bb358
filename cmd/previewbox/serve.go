package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/obot-platform/previewbox/internal/config"
	"github.com/obot-platform/previewbox/internal/events"
	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/metrics"
	"github.com/obot-platform/previewbox/internal/orchestrator"
	"github.com/obot-platform/previewbox/internal/relay"
	"github.com/obot-platform/previewbox/internal/sandbox"
	"github.com/obot-platform/previewbox/internal/sandbox/docker"
	"github.com/obot-platform/previewbox/internal/sandbox/local"
	"github.com/obot-platform/previewbox/internal/sandbox/mock"
	"github.com/obot-platform/previewbox/internal/server"
	"github.com/obot-platform/previewbox/internal/shell"
	"github.com/obot-platform/previewbox/internal/store"
	"github.com/obot-platform/previewbox/internal/version"
)

type serveOptions struct {
	port     int
	provider string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.port != 0 {
				cfg.Server.Port = opts.port
			}
			if opts.provider != "" {
				cfg.Sandbox.Provider = opts.provider
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "HTTP port (overrides config)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Sandbox provider: local, docker or mock (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Close() }()

	log.Info("starting previewbox", "version", version.Get(), "provider", cfg.Sandbox.Provider)

	provider, err := newProvider(cfg, log)
	if err != nil {
		return err
	}
	if c, ok := provider.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	db, err := store.Open(cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	s := store.New(db.DB)

	poller := events.NewPoller(s, events.DefaultPollerConfig(), log)
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("starting event poller: %w", err)
	}
	defer poller.Stop()
	broker := events.NewBroker(s, poller, log)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	argv, err := cfg.ShellArgv()
	if err != nil {
		return err
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(m),
		orchestrator.WithShell(shell.Options{
			Cmd:       argv,
			Rows:      cfg.Shell.Rows,
			Cols:      cfg.Shell.Cols,
			ChunkSize: cfg.Shell.ChunkSize,
		}),
		orchestrator.WithCreateOptions(sandbox.CreateOptions{
			Labels: map[string]string{"app": "previewbox"},
		}),
		orchestrator.WithWatchConsumer(store.NewReconciler(s, log)),
		orchestrator.WithWatchConsumer(broker),
	}
	if cfg.Relay.CarryOver {
		orchOpts = append(orchOpts, orchestrator.WithRelayOptions(relay.WithCarryOver()))
	}
	orch := orchestrator.New(provider, orchOpts...)
	defer func() {
		if err := orch.Close(context.Background()); err != nil {
			log.Warn("sandbox shutdown reported errors", "error", err)
		}
	}()

	h := server.NewHandler(server.Deps{
		Orchestrator: orch,
		Store:        s,
		Broker:       broker,
		Metrics:      m,
		Logger:       log,
	})
	return server.New(cfg.Server, h).Run(ctx)
}

func newProvider(cfg *config.Config, log *logger.Logger) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case config.ProviderLocal:
		return local.NewProvider(cfg, log)
	case config.ProviderDocker:
		return docker.NewProvider(cfg, log)
	case config.ProviderMock:
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider: %s", cfg.Sandbox.Provider)
	}
}
