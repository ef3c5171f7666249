package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
)

// Registry is the durable list of sources and their delivery subscriptions.
type Registry interface {
	// ListActiveSubscribed returns every source with an active delivery
	// subscription.
	ListActiveSubscribed(ctx context.Context) ([]*model.Source, error)

	// UpdateResolvedIdentity persists a source's resolved upstream identity.
	// When the telegram id is already claimed by a different source the
	// update is skipped and no error is returned; the uniqueness invariant
	// wins over the write.
	UpdateResolvedIdentity(ctx context.Context, sourceID, telegramID int64, username string) error

	// GetSchedule returns the registry-provided cron override, or the empty
	// string when none is configured.
	GetSchedule(ctx context.Context) (string, error)
}

// CursorStore holds the per-source delivery watermark.
type CursorStore interface {
	// GetCursor retrieves the cursor for a source. Returns ErrCursorNotFound
	// when the source has no cursor yet.
	GetCursor(ctx context.Context, sourceID int64) (*model.Cursor, error)

	// UpsertCursor advances the cursor for a source. The stored id is the
	// max of the existing and new values, so concurrent writers can never
	// move the cursor backwards.
	UpsertCursor(ctx context.Context, sourceID, seenID int64, seenTime time.Time) error
}

// Store is the full persistence surface: the source registry, the cursor
// store, and the administrative operations used to manage them.
type Store interface {
	Registry
	CursorStore

	// Open initializes the store and makes it ready for use
	Open() error

	// Close closes the store and releases any resources
	Close() error

	// PutSource creates or replaces a source record
	PutSource(ctx context.Context, src *model.Source) error

	// GetSource retrieves a source by its registry id
	GetSource(ctx context.Context, id int64) (*model.Source, error)

	// ListSources retrieves every source, subscribed or not
	ListSources(ctx context.Context) ([]*model.Source, error)

	// SetSchedule stores the registry-level cron override; an empty string
	// clears it
	SetSchedule(ctx context.Context, cron string) error
}

// ErrSourceNotFound is returned when a source with the given id is not found
type ErrSourceNotFound struct {
	ID int64
}

// Error implements the error interface
func (e ErrSourceNotFound) Error() string {
	return fmt.Sprintf("source not found: %d", e.ID)
}

// ErrCursorNotFound is returned when a source has no stored cursor
type ErrCursorNotFound struct {
	SourceID int64
}

// Error implements the error interface
func (e ErrCursorNotFound) Error() string {
	return fmt.Sprintf("cursor not found for source: %d", e.SourceID)
}

// IsNotFound returns true if the error is ErrSourceNotFound or ErrCursorNotFound
func IsNotFound(err error) bool {
	_, okSource := err.(ErrSourceNotFound)
	_, okCursor := err.(ErrCursorNotFound)
	return okSource || okCursor
}
