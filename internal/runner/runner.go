// Package runner assembles the relay daemon: transport, cache, dispatcher,
// reconciler, and the cron trigger, wired over one bbolt store.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chanrelay/chanrelay/internal/authcache"
	"github.com/chanrelay/chanrelay/internal/config"
	"github.com/chanrelay/chanrelay/internal/dispatch"
	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/protocol"
	"github.com/chanrelay/chanrelay/internal/reconcile"
	"github.com/chanrelay/chanrelay/internal/scheduler"
	"github.com/chanrelay/chanrelay/internal/sink"
	"github.com/chanrelay/chanrelay/internal/storage"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
)

// tickTimeout bounds one scheduled refresh + catch-up pass.
const tickTimeout = 5 * time.Minute

// Runner owns the daemon's components and their lifecycle.
type Runner struct {
	cfg     *config.Config
	cfgPath string

	store      storage.Store
	client     protocol.Client
	deliverer  sink.Deliverer
	cache      *authcache.Coordinator
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
}

// New builds all components from the given configuration. The config path is
// kept so schedule changes in the file can be picked up while running; it may
// be empty when no file was used.
func New(cfg *config.Config, cfgPath string) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	client, err := newTransport(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	deliverer := sink.NewClient(&sink.Options{
		BaseURL: cfg.Sink.URL,
		Path:    cfg.Sink.Path,
		LogPath: cfg.Sink.LogPath,
		Token:   cfg.Sink.Token,
		Timeout: cfg.SinkTimeout(),
	})
	cache := authcache.NewCoordinator(store, client, 0, deliverer)
	dispatcher := dispatch.NewDispatcher(deliverer, cache, &dispatch.Options{
		QuietPeriod: cfg.QuietPeriod(),
		MaxWait:     cfg.MaxWait(),
		Reporter:    deliverer,
	})
	reconciler := reconcile.NewReconciler(store, store, client, deliverer, &reconcile.Options{
		Window:    cfg.CatchupWindow(),
		ChunkSize: cfg.Catchup.ChunkSize,
		Reporter:  deliverer,
	})

	return &Runner{
		cfg:        cfg,
		cfgPath:    cfgPath,
		store:      store,
		client:     client,
		deliverer:  deliverer,
		cache:      cache,
		dispatcher: dispatcher,
		reconciler: reconciler,
	}, nil
}

func newStore(cfg *config.Config) (storage.Store, error) {
	var store storage.Store
	switch cfg.Store.Kind {
	case "memory":
		store = storage.NewMemoryStore()
	default:
		store = storage.NewBoltStore(&storage.BoltOptions{Path: cfg.Store.Path})
	}
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func newTransport(cfg *config.Config) (protocol.Client, error) {
	script, err := protocol.LoadReplayScript(cfg.Transport.Script)
	if err != nil {
		return nil, fmt.Errorf("load transport script: %w", err)
	}
	return protocol.NewReplayClient(script), nil
}

// Run starts the daemon and blocks until the context is cancelled or a
// termination signal arrives.
func (r *Runner) Run(ctx context.Context) error {
	defer r.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Warm the cache before any event can arrive.
	r.cache.Active(ctx)

	r.client.OnNewMessage(r.handleLive(ctx))
	if err := r.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	// Initial catch-up closes the gap accumulated while the process was
	// down; live events queue in the dispatcher meanwhile.
	if err := r.reconciler.ReconcileAll(ctx); err != nil {
		logger.Error("Initial catch-up failed", zap.Error(err))
	}

	sched, err := scheduler.New(func() { r.tick(context.Background()) })
	if err != nil {
		return err
	}
	defer sched.Stop()

	if err := sched.Apply(r.effectiveSchedule(ctx)); err != nil {
		logger.Warn("Starting without a catch-up trigger", zap.Error(err))
	}
	sched.Start()

	watcher, err := watchConfig(r.cfgPath, func() { r.reloadSchedule(sched) })
	if err != nil {
		logger.Warn("Config watching disabled", zap.Error(err))
	} else if watcher != nil {
		defer watcher.Close()
	}

	logger.Info("Relay running",
		zap.String("sink", r.cfg.Sink.URL),
		zap.String("store", r.cfg.Store.Path))

	<-ctx.Done()
	logger.Info("Shutting down")

	// Flush whatever is still accumulating, with a fresh context; the run
	// context is already cancelled.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.dispatcher.FlushAll(flushCtx)
	return nil
}

// CatchupOnce runs a single reconciliation pass and returns. Used by the
// one-shot CLI path; the live transport is never connected.
func (r *Runner) CatchupOnce(ctx context.Context, window time.Duration) error {
	defer r.Close()

	sources, err := r.store.ListActiveSubscribed(ctx)
	if err != nil {
		return fmt.Errorf("list active sources: %w", err)
	}
	for _, src := range sources {
		if err := r.reconciler.ReconcileOne(ctx, src, window); err != nil {
			logger.Error("Catch-up failed for source",
				zap.String("url", src.URL),
				zap.Error(err))
		}
	}
	return nil
}

// Close releases the transport and the store.
func (r *Runner) Close() {
	if err := r.client.Close(); err != nil {
		logger.Warn("Transport close failed", zap.Error(err))
	}
	if err := r.store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
}

// handleLive adapts transport callbacks into dispatcher events. The transport
// goroutine must survive anything a single event does, so the boundary
// recovers panics.
func (r *Runner) handleLive(ctx context.Context) protocol.EventHandler {
	return func(channelID int64, meta protocol.Meta, ev *model.Event) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic while handling live event",
					zap.Int64("channel_id", channelID),
					zap.Any("panic", rec),
					zap.Stack("stack"))
			}
		}()
		r.dispatcher.OnEvent(ctx, channelID, meta, ev)
	}
}

// tick is one scheduled cycle: refresh the source view, then catch up.
func (r *Runner) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	if err := r.cache.Refresh(ctx); err != nil {
		logger.Warn("Scheduled refresh failed", zap.Error(err))
	}
	if err := r.reconciler.ReconcileAll(ctx); err != nil {
		logger.Error("Scheduled catch-up failed", zap.Error(err))
	}
}

// effectiveSchedule prefers the override stored in the registry, then the
// config file, then the built-in default.
func (r *Runner) effectiveSchedule(ctx context.Context) string {
	if cron, err := r.store.GetSchedule(ctx); err != nil {
		logger.Warn("Failed to read schedule override", zap.Error(err))
	} else if cron != "" {
		return cron
	}
	if r.cfg.Catchup.Cron != "" {
		return r.cfg.Catchup.Cron
	}
	return scheduler.DefaultCron
}

// reloadSchedule re-reads the config file and re-applies the effective
// schedule. Other settings require a restart.
func (r *Runner) reloadSchedule(sched *scheduler.Scheduler) {
	if r.cfgPath != "" {
		cfg, err := config.LoadFromFile(r.cfgPath)
		if err != nil {
			logger.Error("Config reload failed, keeping current schedule", zap.Error(err))
			return
		}
		r.cfg.Catchup.Cron = cfg.Catchup.Cron
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Apply(r.effectiveSchedule(ctx)); err != nil {
		logger.Error("Schedule reload left trigger disabled", zap.Error(err))
	}
}
