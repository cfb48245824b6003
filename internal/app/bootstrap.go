package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"markethub/internal/domain"
	"markethub/internal/hub"
	"markethub/internal/infra"
	"markethub/internal/infra/storage"

	"golang.org/x/sync/errgroup"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config   *infra.Config
	Metrics  *infra.Metrics
	Storage  *storage.Storage
	Recorder *storage.Recorder
	Hub      *hub.Hub
	Admin    *hub.Admin
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads the configuration and builds every component without
// binding any port.
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping markethub...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	var recorder domain.SessionRecorder = domain.NopRecorder{}
	var sessions domain.SessionLister
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		b.Storage = store
		b.Recorder = storage.NewRecorder(store, cfg.Storage.QueueSize)
		recorder = b.Recorder
		sessions = store
		slog.Info("✅ Session store initialized", slog.String("path", cfg.Storage.Path))
	}

	// 4. Build the hub
	routes, err := hub.RoutesFromConfig(cfg.Features)
	if err != nil {
		return err
	}
	b.Metrics = infra.GlobalMetrics
	h, err := hub.New(hub.Options{
		Config:   cfg.Hub,
		Routes:   routes,
		Metrics:  b.Metrics,
		Recorder: recorder,
	})
	if err != nil {
		return err
	}
	b.Hub = h
	b.Admin = hub.NewAdmin(h, b.Metrics, sessions)
	slog.Info("✅ Hub ready", slog.Int("features", len(routes)))

	return nil
}

// ConnectProducers dials every producer flagged connect_on_start.
// Retriable failures are retried with exponential backoff up to
// hub.connect_retries times; what still fails is logged and left to the
// operator through the admin API.
func (b *Bootstrap) ConnectProducers(ctx context.Context) {
	for _, p := range b.Config.Producers {
		if !p.ConnectOnStart {
			continue
		}
		if err := b.connectWithRetry(ctx, p); err != nil {
			slog.Error("Failed to connect producer", slog.String("feed", p.Feed.String()),
				slog.String("addr", p.Addr), slog.Any("error", err))
		}
	}
}

func (b *Bootstrap) connectWithRetry(ctx context.Context, p infra.ProducerConfig) error {
	hubCfg := b.Config.Hub
	for attempt := 0; ; attempt++ {
		err := b.Hub.ConnectToProducer(ctx, p.Feed, p.Addr)
		if err == nil || !domain.IsRetriable(err) || attempt >= hubCfg.ConnectRetries {
			return err
		}

		delay := hubCfg.RetryDelay(attempt)
		slog.Warn("Producer connection failed, retrying",
			slog.String("feed", p.Feed.String()),
			slog.String("addr", p.Addr),
			slog.Int("retry", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Run starts the hub and the admin API and blocks until ctx is cancelled
// or a component fails.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.Hub.Start(); err != nil {
		return err
	}
	defer b.Hub.Stop()

	b.ConnectProducers(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if addr := b.Config.Admin.Addr; addr != "" {
		g.Go(func() error {
			return b.Admin.ListenAndServe(gctx, addr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("🛑 Shutting down...")
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close flushes the session recorder and closes the database.
func (b *Bootstrap) Close() {
	if b.Recorder != nil {
		b.Recorder.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close session store", slog.Any("error", err))
		}
	}
}
