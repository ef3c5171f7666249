// Package authcache maintains the point-in-time view of which sources are
// actively subscribed and how to address them upstream. The view is rebuilt
// from the registry at most once per TTL; concurrent refreshes collapse into
// one flight, and readers always see a complete snapshot.
package authcache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/protocol"
	"github.com/chanrelay/chanrelay/internal/sink"
	"github.com/chanrelay/chanrelay/internal/storage"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a snapshot stays fresh before the next reader
// triggers a rebuild.
const DefaultTTL = 30 * time.Second

// resolveConcurrency bounds the fan-out of unresolved-source lookups.
const resolveConcurrency = 8

type snapshot struct {
	byTelegramID map[int64]*model.Source
	refreshedAt  time.Time
}

// Coordinator owns the active-source snapshot.
type Coordinator struct {
	registry storage.Registry
	client   protocol.Client
	reporter sink.Reporter
	ttl      time.Duration

	flight  singleflight.Group
	current atomic.Pointer[snapshot]

	now func() time.Time // test hook
}

// NewCoordinator creates a coordinator over the given registry and transport.
// A non-positive ttl falls back to DefaultTTL; reporter may be nil.
func NewCoordinator(registry storage.Registry, client protocol.Client, ttl time.Duration, reporter sink.Reporter) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Coordinator{
		registry: registry,
		client:   client,
		reporter: reporter,
		ttl:      ttl,
		now:      time.Now,
	}
	c.current.Store(&snapshot{byTelegramID: map[int64]*model.Source{}})
	return c
}

// Active returns the current best-known mapping of telegram id to source,
// refreshing first when the snapshot is older than the TTL. A failed refresh
// falls back to the previous snapshot; the unchanged timestamp makes the next
// caller retry. The returned map is a shared snapshot; callers must not
// mutate it.
func (c *Coordinator) Active(ctx context.Context) map[int64]*model.Source {
	if c.stale() {
		if err := c.Refresh(ctx); err != nil {
			logger.Warn("Source cache refresh failed, serving previous snapshot", zap.Error(err))
		}
	}
	return c.current.Load().byTelegramID
}

// Lookup returns the cached source for a telegram id without triggering a
// refresh.
func (c *Coordinator) Lookup(telegramID int64) (*model.Source, bool) {
	src, ok := c.current.Load().byTelegramID[telegramID]
	return src, ok
}

func (c *Coordinator) stale() bool {
	return c.now().Sub(c.current.Load().refreshedAt) > c.ttl
}

// Refresh rebuilds the snapshot from the registry. Concurrent callers share
// one underlying rebuild; a caller that arrives while another refresh is
// completing sees its result instead of starting a second one. A registry
// read failure leaves the previous snapshot and its timestamp intact, so the
// next caller retries.
func (c *Coordinator) Refresh(ctx context.Context) error {
	_, err, _ := c.flight.Do("refresh", func() (interface{}, error) {
		// Re-check under the flight: the snapshot may have been rebuilt
		// while this caller waited.
		if !c.stale() {
			return nil, nil
		}
		return nil, c.rebuild(ctx)
	})
	return err
}

func (c *Coordinator) rebuild(ctx context.Context) error {
	sources, err := c.registry.ListActiveSubscribed(ctx)
	if err != nil {
		sink.Report(ctx, c.reporter, "error",
			fmt.Sprintf("Failed to get active channels: %v", err), nil)
		return fmt.Errorf("list active sources: %w", err)
	}

	resolved := make([]*model.Source, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, src := range sources {
		g.Go(func() error {
			// Resolution failures are isolated per source: the slot stays
			// nil and the rest of the rebuild proceeds.
			out, err := c.resolveSource(gctx, src)
			if err != nil {
				logger.Error("Failed to resolve source",
					zap.String("url", src.URL),
					zap.Int64("source_id", src.ID),
					zap.Error(err))
				sink.Report(gctx, c.reporter, "error",
					fmt.Sprintf("Channel processing failed for %s: %v", src.URL, err),
					map[string]any{"source_id": src.ID})
				return nil
			}
			resolved[i] = out
			return nil
		})
	}
	g.Wait()

	byID := make(map[int64]*model.Source, len(sources))
	for _, src := range resolved {
		if src == nil || src.TelegramID == 0 {
			continue
		}
		byID[src.TelegramID] = src
	}

	c.current.Store(&snapshot{byTelegramID: byID, refreshedAt: c.now()})
	logger.Info("Refreshed active source cache", zap.Int("sources", len(byID)))
	return nil
}

// resolveSource fills in a source's upstream identity when missing and
// persists what it learned. The persist is skipped by the registry when the
// identity is already claimed elsewhere.
func (c *Coordinator) resolveSource(ctx context.Context, src *model.Source) (*model.Source, error) {
	if src.Resolved() {
		return src, nil
	}

	identity, err := c.client.Resolve(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	if identity.TelegramID == 0 {
		return nil, fmt.Errorf("resolved channel has no id: %s", src.URL)
	}

	if err := c.registry.UpdateResolvedIdentity(ctx, src.ID, identity.TelegramID, identity.Username); err != nil {
		// The in-memory copy still carries the identity for this cycle.
		logger.Error("Failed to persist resolved identity",
			zap.Int64("source_id", src.ID),
			zap.Int64("telegram_id", identity.TelegramID),
			zap.Error(err))
		sink.Report(ctx, c.reporter, "error",
			fmt.Sprintf("Failed to update channel externals for %s: %v", src.URL, err),
			map[string]any{"source_id": src.ID, "telegram_id": identity.TelegramID})
	}

	out := *src
	out.TelegramID = identity.TelegramID
	if identity.Username != "" {
		out.Username = identity.Username
	}
	return &out, nil
}
