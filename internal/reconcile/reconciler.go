// Package reconcile backfills events missed while the live stream was down.
// For each active source it pages history newer than the stored cursor but no
// older than a bounded window, re-orders it chronologically, and forwards it
// to the sink in fixed-size chunks before advancing the cursor.
package reconcile

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
)

const (
	// DefaultWindow bounds how far back a catch-up pass will reach. The
	// bound applies even when the cursor is older: events between the
	// cursor and the window edge are skipped permanently and the cursor
	// still advances past them. Known gap after downtime longer than the
	// window; kept deliberately.
	DefaultWindow = 60 * time.Minute

	// DefaultChunkSize is the number of events per sink delivery.
	DefaultChunkSize = 50

	// retryBackoff is the pause before the one-shot grace retry.
	retryBackoff = 5 * time.Second
)

// Options configures a Reconciler.
type Options struct {
	Window    time.Duration
	ChunkSize int

	// Reporter ships catch-up failures to the processor server's log
	// endpoint. Optional.
	Reporter sink.Reporter
}

// Reconciler drives cursor-based catch-up for all active sources.
type Reconciler struct {
	registry  storage.Registry
	cursors   storage.CursorStore
	client    protocol.Client
	deliverer sink.Deliverer
	reporter  sink.Reporter

	window    time.Duration
	chunkSize int

	// graceUsed flips on the first delivery failure in the process
	// lifetime; exactly one retry is granted across all sources, not one
	// per source.
	graceUsed atomic.Bool

	now   func() time.Time                               // test hook
	sleep func(ctx context.Context, d time.Duration) bool // test hook
}

// NewReconciler creates a reconciler over the given collaborators.
func NewReconciler(registry storage.Registry, cursors storage.CursorStore, client protocol.Client, deliverer sink.Deliverer, opts *Options) *Reconciler {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Reconciler{
		registry:  registry,
		cursors:   cursors,
		client:    client,
		deliverer: deliverer,
		reporter:  opts.Reporter,
		window:    opts.Window,
		chunkSize: opts.ChunkSize,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ReconcileAll backfills every active source in turn. Per-source failures are
// logged and do not stop the pass; only a registry read failure aborts.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	sources, err := r.registry.ListActiveSubscribed(ctx)
	if err != nil {
		sink.Report(ctx, r.reporter, "error",
			fmt.Sprintf("Failed to get channels for catch-up: %v", err), nil)
		return fmt.Errorf("list active sources: %w", err)
	}

	logger.Info("Running catch-up", zap.Int("sources", len(sources)))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.ReconcileOne(ctx, src, 0); err != nil {
			logger.Error("Catch-up failed for source",
				zap.String("url", src.URL),
				zap.Int64("source_id", src.ID),
				zap.Error(err))
			sink.Report(ctx, r.reporter, "error",
				fmt.Sprintf("Catch-up error for %s: %v", src.URL, err),
				map[string]any{"source_id": src.ID})
		}
	}
	return nil
}

// ReconcileOne backfills a single source. A non-positive window falls back to
// the configured default.
func (r *Reconciler) ReconcileOne(ctx context.Context, src *model.Source, window time.Duration) error {
	if window <= 0 {
		window = r.window
	}

	src, err := r.ensureResolved(ctx, src)
	if err != nil {
		return err
	}

	minID := r.cursorFloor(ctx, src)
	cutoff := r.now().Add(-window)

	logger.Debug("Catching up source",
		zap.String("url", src.URL),
		zap.Int64("telegram_id", src.TelegramID),
		zap.Int64("min_id", minID),
		zap.Time("cutoff", cutoff))

	// Fetch newest-first, stopping at the window edge, then reverse so
	// delivery order matches occurrence order.
	var events []*model.Event
	err = r.client.FetchNewer(ctx, protocol.EntityRef(src), minID, func(ev *model.Event) bool {
		// Service messages carry no date; skip them without treating the
		// zero timestamp as older than the window.
		if ev.Date == nil {
			return true
		}
		if ev.Timestamp().Before(cutoff) {
			return false
		}
		events = append(events, ev)
		return true
	})
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	for start := 0; start < len(events); start += r.chunkSize {
		end := start + r.chunkSize
		if end > len(events) {
			end = len(events)
		}
		r.deliverChunk(ctx, src, events[start:end])
	}

	// Advance the cursor past everything observed, delivered or not; the
	// store merges via max so this can never move it backwards.
	if len(events) > 0 {
		last := events[len(events)-1]
		if err := r.cursors.UpsertCursor(ctx, src.ID, last.ID, last.Timestamp()); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	logger.Info("Catch-up complete",
		zap.String("url", src.URL),
		zap.Int("events", len(events)))
	return nil
}

// ensureResolved fills in the source's upstream identity when missing,
// persisting what it learned for future cycles.
func (r *Reconciler) ensureResolved(ctx context.Context, src *model.Source) (*model.Source, error) {
	if src.Resolved() {
		return src, nil
	}

	identity, err := r.client.Resolve(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", src.URL, err)
	}

	if err := r.registry.UpdateResolvedIdentity(ctx, src.ID, identity.TelegramID, identity.Username); err != nil {
		// Keep going with the in-memory identity for this cycle.
		logger.Error("Failed to persist resolved identity",
			zap.Int64("source_id", src.ID),
			zap.Error(err))
		sink.Report(ctx, r.reporter, "error",
			fmt.Sprintf("Failed to save resolved channel ID for %s: %v", src.URL, err),
			map[string]any{"source_id": src.ID, "telegram_id": identity.TelegramID})
	}

	out := *src
	out.TelegramID = identity.TelegramID
	if identity.Username != "" {
		out.Username = identity.Username
	}
	return &out, nil
}

// cursorFloor returns the stored watermark, or 0 when the source has no
// cursor or the read fails. A failed read only widens the fetch; the sink
// contract is at-least-once.
func (r *Reconciler) cursorFloor(ctx context.Context, src *model.Source) int64 {
	cur, err := r.cursors.GetCursor(ctx, src.ID)
	if err != nil {
		if !storage.IsNotFound(err) {
			logger.Warn("Failed to read cursor, starting from 0",
				zap.Int64("source_id", src.ID),
				zap.Error(err))
			sink.Report(ctx, r.reporter, "warning",
				fmt.Sprintf("Failed to get cursor for channel, starting from 0: %v", err),
				map[string]any{"source_id": src.ID, "telegram_url": src.URL})
		}
		return 0
	}
	return cur.LastSeenID
}

func (r *Reconciler) deliverChunk(ctx context.Context, src *model.Source, chunk []*model.Event) {
	batch := &sink.Batch{
		ChannelID:       src.TelegramID,
		ChannelUsername: src.Username,
		ChannelURL:      src.URL,
		Messages:        chunk,
	}
	if batch.ChannelUsername == "" {
		batch.ChannelUsername = fmt.Sprintf("%d", src.TelegramID)
	}

	_, err := r.deliverer.Deliver(ctx, batch)
	if err == nil {
		return
	}

	// One extra attempt for the whole process lifetime: absorbs the sink
	// still warming up right after a deploy without turning into a retry
	// policy.
	if r.graceUsed.CompareAndSwap(false, true) {
		logger.Warn("Chunk delivery failed, using one-shot grace retry",
			zap.Int64("channel_id", src.TelegramID),
			zap.Error(err))
		if !r.sleep(ctx, retryBackoff) {
			return
		}
		if _, err = r.deliverer.Deliver(ctx, batch); err == nil {
			return
		}
	}

	logger.Error("Failed to deliver catch-up chunk",
		zap.Int64("channel_id", src.TelegramID),
		zap.Int("messages", len(chunk)),
		zap.Error(err))
	sink.Report(ctx, r.reporter, "error",
		fmt.Sprintf("Failed to send batch: %v", err),
		map[string]any{"channel_id": src.TelegramID, "messages": len(chunk)})
}
