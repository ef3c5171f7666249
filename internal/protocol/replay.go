package protocol

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ReplayScript is the on-disk format consumed by the replay transport.
type ReplayScript struct {
	Channels []ReplayChannel `yaml:"channels"`
}

// ReplayChannel scripts one upstream channel.
type ReplayChannel struct {
	ID       int64           `yaml:"id"`
	Username string          `yaml:"username"`
	History  []ReplayMessage `yaml:"history"`
	Live     []ReplayMessage `yaml:"live"`
}

// ReplayMessage scripts one message. AgeSeconds positions history entries
// relative to process start; DelayMS paces live entries after Connect.
type ReplayMessage struct {
	ID         int64  `yaml:"id"`
	Text       string `yaml:"text"`
	AgeSeconds int    `yaml:"age_seconds"`
	DelayMS    int    `yaml:"delay_ms"`
}

// ReplayClient is a scripted transport for local development and tests. It
// resolves channels, serves history pages, and emits live messages from a
// YAML script instead of a network session.
type ReplayClient struct {
	mu       sync.Mutex
	script   ReplayScript
	handler  EventHandler
	cancel   context.CancelFunc
	started  time.Time
	emitDone sync.WaitGroup
}

// NewReplayClient builds a replay transport from an in-memory script.
func NewReplayClient(script ReplayScript) *ReplayClient {
	return &ReplayClient{script: script, started: time.Now().UTC()}
}

// LoadReplayScript reads a replay script from a YAML file.
func LoadReplayScript(path string) (ReplayScript, error) {
	var script ReplayScript
	data, err := os.ReadFile(path)
	if err != nil {
		return script, fmt.Errorf("failed to read replay script: %w", err)
	}
	if err := yaml.Unmarshal(data, &script); err != nil {
		return script, fmt.Errorf("failed to parse replay script: %w", err)
	}
	return script, nil
}

// OnNewMessage registers the live event handler. Must be called before Connect.
func (c *ReplayClient) OnNewMessage(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect starts emitting the scripted live messages in the background.
func (c *ReplayClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, ch := range c.script.Channels {
		if len(ch.Live) == 0 {
			continue
		}
		c.emitDone.Add(1)
		go c.emitLive(ctx, ch)
	}

	logger.Info("Replay transport connected", zap.Int("channels", len(c.script.Channels)))
	return nil
}

func (c *ReplayClient) emitLive(ctx context.Context, ch ReplayChannel) {
	defer c.emitDone.Done()

	meta := Meta{Username: ch.Username, URL: "https://t.me/" + ch.Username}
	for _, m := range ch.Live {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(m.DelayMS) * time.Millisecond):
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(ch.ID, meta, c.toEvent(m))
		}
	}
}

// Close stops the live emitters and waits for them to finish.
func (c *ReplayClient) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.emitDone.Wait()
	return nil
}

// Resolve maps a channel URL to the scripted identity.
func (c *ReplayClient) Resolve(ctx context.Context, url string) (*Identity, error) {
	name, err := ParseUsername(url)
	if err != nil {
		return nil, err
	}
	for _, ch := range c.script.Channels {
		if ch.Username == name {
			return &Identity{TelegramID: ch.ID, Username: ch.Username}, nil
		}
	}
	return nil, fmt.Errorf("channel not in replay script: %s", name)
}

// FetchNewer visits scripted history newer than minID, newest first.
func (c *ReplayClient) FetchNewer(ctx context.Context, entity string, minID int64, visit func(*model.Event) bool) error {
	ch, err := c.findChannel(entity)
	if err != nil {
		return err
	}

	msgs := make([]ReplayMessage, len(ch.History))
	copy(msgs, ch.History)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.ID <= minID {
			continue
		}
		if !visit(c.toEvent(m)) {
			return nil
		}
	}
	return nil
}

func (c *ReplayClient) findChannel(entity string) (*ReplayChannel, error) {
	for i := range c.script.Channels {
		ch := &c.script.Channels[i]
		if ch.Username == entity {
			return ch, nil
		}
		if id, err := strconv.ParseInt(entity, 10, 64); err == nil && ch.ID == id {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("channel not in replay script: %s", entity)
}

func (c *ReplayClient) toEvent(m ReplayMessage) *model.Event {
	date := c.started.Add(-time.Duration(m.AgeSeconds) * time.Second)
	return &model.Event{
		ID:      m.ID,
		Date:    &date,
		Message: m.Text,
	}
}
