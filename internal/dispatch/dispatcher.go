// Package dispatch turns the bursty live event stream into right-sized sink
// deliveries. Events accumulate per source until the stream goes quiet for a
// debounce period or the batch has been open for the max-wait cap, then the
// whole run is delivered in one call.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/protocol"
	"github.com/chanrelay/chanrelay/internal/sink"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
)

const (
	// DefaultQuietPeriod is the debounce window restarted by every new event.
	DefaultQuietPeriod = 1 * time.Second

	// DefaultMaxWait caps how long a batch can keep absorbing a steady
	// trickle before it is flushed regardless.
	DefaultMaxWait = 5 * time.Second
)

// ActiveSet is the dispatcher's view of the authorization cache.
type ActiveSet interface {
	Active(ctx context.Context) map[int64]*model.Source
}

// Options configures a Dispatcher.
type Options struct {
	QuietPeriod time.Duration
	MaxWait     time.Duration

	// Reporter ships delivery failures to the processor server's log
	// endpoint. Optional.
	Reporter sink.Reporter
}

// pending is one source's open batch. All fields are guarded by the
// dispatcher mutex; the timer callback re-validates its generation under the
// same mutex, so a cancelled timer can never flush.
type pending struct {
	batch     *sink.Batch
	startedAt time.Time
	timer     *time.Timer
	gen       uint64
}

// Dispatcher owns the per-source accumulation state.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[int64]*pending

	deliverer sink.Deliverer
	active    ActiveSet
	reporter  sink.Reporter

	quiet   time.Duration
	maxWait time.Duration

	inflight sync.WaitGroup

	now func() time.Time // test hook
}

// NewDispatcher creates a dispatcher delivering through the given sink and
// filtering against the given active-source view.
func NewDispatcher(deliverer sink.Deliverer, active ActiveSet, opts *Options) *Dispatcher {
	if opts == nil {
		opts = &Options{}
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	return &Dispatcher{
		pending:   make(map[int64]*pending),
		deliverer: deliverer,
		active:    active,
		reporter:  opts.Reporter,
		quiet:     opts.QuietPeriod,
		maxWait:   opts.MaxWait,
		now:       time.Now,
	}
}

// OnEvent enqueues one inbound event for eventual delivery. Events from
// sources outside the active set are dropped before any state is created.
// The call never blocks on network I/O.
func (d *Dispatcher) OnEvent(ctx context.Context, channelID int64, meta protocol.Meta, ev *model.Event) {
	src, ok := d.active.Active(ctx)[channelID]
	if !ok {
		logger.Debug("Dropping event from unsubscribed channel",
			zap.Int64("channel_id", channelID),
			zap.Int64("event_id", ev.ID))
		return
	}

	d.mu.Lock()

	p, exists := d.pending[channelID]
	if !exists {
		p = &pending{
			batch:     d.newBatch(channelID, meta, src),
			startedAt: d.now(),
		}
		d.pending[channelID] = p
		d.armTimerLocked(channelID, p)
		p.batch.Messages = append(p.batch.Messages, ev)
		d.mu.Unlock()
		return
	}

	p.batch.Messages = append(p.batch.Messages, ev)

	if d.now().Sub(p.startedAt) >= d.maxWait {
		// Hard cap: stop debouncing and flush now so a steady trickle can
		// never starve delivery.
		d.stopTimerLocked(p)
		d.mu.Unlock()
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.Flush(context.Background(), channelID)
		}()
		return
	}

	// Restart the quiet window.
	d.stopTimerLocked(p)
	d.armTimerLocked(channelID, p)
	d.mu.Unlock()
}

func (d *Dispatcher) newBatch(channelID int64, meta protocol.Meta, src *model.Source) *sink.Batch {
	username := meta.Username
	if username == "" {
		username = src.Username
	}
	if username == "" {
		username = strconv.FormatInt(channelID, 10)
	}
	url := src.URL
	if url == "" {
		url = meta.URL
	}
	return &sink.Batch{
		ChannelID:       channelID,
		ChannelUsername: username,
		ChannelURL:      url,
	}
}

// armTimerLocked starts a fresh debounce timer for the source. The fired
// callback only flushes when its generation still matches, so a timer that
// was superseded or raced a flush is a no-op.
func (d *Dispatcher) armTimerLocked(channelID int64, p *pending) {
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(d.quiet, func() {
		d.onTimer(channelID, gen)
	})
}

func (d *Dispatcher) stopTimerLocked(p *pending) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (d *Dispatcher) onTimer(channelID int64, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[channelID]
	if !ok || p.gen != gen {
		// Stale fire: the batch was already flushed or the timer re-armed.
		d.mu.Unlock()
		return
	}
	batch := d.popLocked(channelID, p)
	d.mu.Unlock()

	d.deliver(context.Background(), batch)
}

func (d *Dispatcher) popLocked(channelID int64, p *pending) *sink.Batch {
	d.stopTimerLocked(p)
	delete(d.pending, channelID)
	return p.batch
}

// Flush delivers and clears the pending batch for one source. The batch is
// popped atomically so a new batch can begin accumulating while the network
// call is in flight.
func (d *Dispatcher) Flush(ctx context.Context, channelID int64) {
	d.mu.Lock()
	p, ok := d.pending[channelID]
	if !ok {
		d.mu.Unlock()
		return
	}
	batch := d.popLocked(channelID, p)
	d.mu.Unlock()

	d.deliver(ctx, batch)
}

// FlushAll synchronously drains every pending batch. Used during shutdown so
// accumulated events are not lost.
func (d *Dispatcher) FlushAll(ctx context.Context) {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.Flush(ctx, id)
	}
	d.inflight.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, batch *sink.Batch) {
	if batch == nil || len(batch.Messages) == 0 {
		return
	}

	res, err := d.deliverer.Deliver(ctx, batch)
	if err != nil {
		// The batch is already popped; record the loss loudly.
		logger.Warn("Failed to deliver batch, events dropped from live path",
			zap.Int64("channel_id", batch.ChannelID),
			zap.Int("messages", len(batch.Messages)),
			zap.Error(err))
		sink.Report(ctx, d.reporter, "error",
			fmt.Sprintf("Failed to send batch: %v", err),
			map[string]any{"channel_id": batch.ChannelID, "messages": len(batch.Messages)})
		return
	}

	logger.Info("Delivered batch",
		zap.Int64("channel_id", batch.ChannelID),
		zap.Int("messages", len(batch.Messages)),
		zap.Int("processed", res.Processed),
		zap.Int("pending", res.Pending))
}
