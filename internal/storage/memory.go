package storage

import (
	"context"
	"sync"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory implementation of Store. It backs tests and
// the --store=memory mode where persistence across restarts is not wanted.
type MemoryStore struct {
	mu       sync.RWMutex
	sources  map[int64]*model.Source
	cursors  map[int64]*model.Cursor
	schedule string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources: make(map[int64]*model.Source),
		cursors: make(map[int64]*model.Cursor),
	}
}

// Open initializes the store
func (s *MemoryStore) Open() error {
	logger.Debug("Opening memory store")
	return nil
}

// Close closes the store
func (s *MemoryStore) Close() error {
	logger.Debug("Closing memory store")
	return nil
}

// PutSource creates or replaces a source record
func (s *MemoryStore) PutSource(ctx context.Context, src *model.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *src
	s.sources[src.ID] = &cp
	return nil
}

// GetSource retrieves a source by its registry id
func (s *MemoryStore) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[id]
	if !ok {
		return nil, ErrSourceNotFound{ID: id}
	}
	cp := *src
	return &cp, nil
}

// ListSources retrieves every source, subscribed or not
func (s *MemoryStore) ListSources(ctx context.Context) ([]*model.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make([]*model.Source, 0, len(s.sources))
	for _, src := range s.sources {
		cp := *src
		sources = append(sources, &cp)
	}
	return sources, nil
}

// ListActiveSubscribed returns every source with an active delivery subscription
func (s *MemoryStore) ListActiveSubscribed(ctx context.Context) ([]*model.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*model.Source
	for _, src := range s.sources {
		if src.Active {
			cp := *src
			active = append(active, &cp)
		}
	}
	return active, nil
}

// UpdateResolvedIdentity persists a resolved identity, skipping the write
// when the telegram id is claimed by another source
func (s *MemoryStore) UpdateResolvedIdentity(ctx context.Context, sourceID, telegramID int64, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.sources {
		if other.TelegramID == telegramID && other.ID != sourceID {
			logger.Warn("Telegram id already claimed, skipping identity update",
				zap.Int64("telegram_id", telegramID),
				zap.Int64("claimed_by", other.ID),
				zap.Int64("source_id", sourceID))
			return nil
		}
	}

	src, ok := s.sources[sourceID]
	if !ok {
		return ErrSourceNotFound{ID: sourceID}
	}
	src.TelegramID = telegramID
	if username != "" {
		src.Username = username
	}
	return nil
}

// GetCursor retrieves the cursor for a source
func (s *MemoryStore) GetCursor(ctx context.Context, sourceID int64) (*model.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.cursors[sourceID]
	if !ok {
		return nil, ErrCursorNotFound{SourceID: sourceID}
	}
	cp := *cur
	return &cp, nil
}

// UpsertCursor advances the cursor for a source with max-merge semantics
func (s *MemoryStore) UpsertCursor(ctx context.Context, sourceID, seenID int64, seenTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[sourceID]
	if !ok {
		cur = &model.Cursor{SourceID: sourceID}
		s.cursors[sourceID] = cur
	}
	if seenID > cur.LastSeenID {
		cur.LastSeenID = seenID
		if !seenTime.IsZero() {
			cur.LastSeenTime = seenTime.UTC()
		}
	}
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// GetSchedule returns the registry-provided cron override, or "" when unset
func (s *MemoryStore) GetSchedule(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedule, nil
}

// SetSchedule stores the registry-level cron override; "" clears it
func (s *MemoryStore) SetSchedule(ctx context.Context, cron string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = cron
	return nil
}
