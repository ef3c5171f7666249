package protocol

import (
	"context"
	"strconv"

	"github.com/chanrelay/chanrelay/internal/model"
)

// Identity is a channel's resolved upstream identity.
type Identity struct {
	TelegramID int64
	Username   string
}

// Meta is the best-effort channel metadata attached to an inbound event.
type Meta struct {
	Username string
	URL      string
}

// EventHandler receives one inbound event from the live stream. Handlers are
// invoked from the transport's read loop and must not block on network I/O.
type EventHandler func(channelID int64, meta Meta, ev *model.Event)

// Client is the upstream transport boundary. The wire protocol behind it is
// deliberately unspecified here; implementations authenticate, stream new
// messages, resolve channel URLs, and page through history.
type Client interface {
	// Connect establishes the upstream session.
	Connect(ctx context.Context) error

	// Close tears down the session.
	Close() error

	// Resolve maps a public channel URL to its upstream identity.
	Resolve(ctx context.Context, url string) (*Identity, error)

	// FetchNewer visits events with id > minID in descending id order
	// (newest first). Iteration stops when visit returns false or the
	// history is exhausted.
	FetchNewer(ctx context.Context, entity string, minID int64, visit func(*model.Event) bool) error

	// OnNewMessage registers the handler for live inbound events. Must be
	// called before Connect.
	OnNewMessage(h EventHandler)
}

// EntityRef returns the reference the transport should use to address a
// source: the username embedded in its URL when present, otherwise the
// numeric telegram id.
func EntityRef(src *model.Source) string {
	if name, err := ParseUsername(src.URL); err == nil {
		return name
	}
	return strconv.FormatInt(src.TelegramID, 10)
}
