package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// DefaultBoltFilePath is the default path for the BoltDB file
	DefaultBoltFilePath = "chanrelay.db"

	// DefaultBoltFileMode is the default file mode for the BoltDB file
	DefaultBoltFileMode = 0600

	// DefaultBoltTimeout is the default timeout for BoltDB operations
	DefaultBoltTimeout = 1 * time.Second
)

var (
	sourceBucket = []byte("sources")
	cursorBucket = []byte("cursors")
	configBucket = []byte("config")

	scheduleKey = []byte("schedule")
)

// BoltStore implements the Store interface using BoltDB
type BoltStore struct {
	db      *bolt.DB
	path    string
	options *BoltOptions
}

// BoltOptions configures the BoltDB store
type BoltOptions struct {
	// Path to the BoltDB file
	Path string
	// File mode for the BoltDB file
	FileMode os.FileMode
	// Timeout for BoltDB operations
	Timeout time.Duration
}

// NewBoltStore creates a new BoltStore with the given options
func NewBoltStore(opts *BoltOptions) *BoltStore {
	if opts == nil {
		opts = &BoltOptions{}
	}

	if opts.Path == "" {
		opts.Path = DefaultBoltFilePath
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultBoltFileMode
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultBoltTimeout
	}

	return &BoltStore{
		path:    opts.Path,
		options: opts,
	}
}

// Open initializes the BoltDB database and its buckets
func (s *BoltStore) Open() error {
	logger.Info("Opening BoltDB store", zap.String("path", s.path))

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for store: %w", err)
	}

	db, err := bolt.Open(s.path, s.options.FileMode, &bolt.Options{Timeout: s.options.Timeout})
	if err != nil {
		return fmt.Errorf("failed to open BoltDB: %w", err)
	}
	s.db = db

	err = s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sourceBucket, cursorBucket, configBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		s.db.Close()
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	return nil
}

// Close closes the BoltDB database
func (s *BoltStore) Close() error {
	if s.db != nil {
		logger.Info("Closing BoltDB store")
		return s.db.Close()
	}
	return nil
}

// itob encodes a registry id as a big-endian bucket key so keys sort numerically
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// PutSource creates or replaces a source record
func (s *BoltStore) PutSource(ctx context.Context, src *model.Source) error {
	logger.Debug("Storing source", zap.Int64("id", src.ID), zap.String("url", src.URL))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sourceBucket)
		data, err := json.Marshal(src)
		if err != nil {
			return fmt.Errorf("failed to marshal source: %w", err)
		}
		if err := b.Put(itob(src.ID), data); err != nil {
			return fmt.Errorf("failed to store source: %w", err)
		}
		return nil
	})
}

// GetSource retrieves a source by its registry id
func (s *BoltStore) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	var src *model.Source
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sourceBucket).Get(itob(id))
		if data == nil {
			return ErrSourceNotFound{ID: id}
		}
		src = &model.Source{}
		if err := json.Unmarshal(data, src); err != nil {
			return fmt.Errorf("failed to unmarshal source: %w", err)
		}
		return nil
	})
	return src, err
}

// ListSources retrieves every source, subscribed or not
func (s *BoltStore) ListSources(ctx context.Context) ([]*model.Source, error) {
	var sources []*model.Source
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sourceBucket).ForEach(func(k, v []byte) error {
			var src model.Source
			if err := json.Unmarshal(v, &src); err != nil {
				return fmt.Errorf("failed to unmarshal source: %w", err)
			}
			sources = append(sources, &src)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// ListActiveSubscribed returns every source with an active delivery subscription
func (s *BoltStore) ListActiveSubscribed(ctx context.Context) ([]*model.Source, error) {
	all, err := s.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*model.Source, 0, len(all))
	for _, src := range all {
		if src.Active {
			active = append(active, src)
		}
	}
	return active, nil
}

// UpdateResolvedIdentity persists a source's resolved upstream identity.
// The write is skipped when the telegram id already belongs to a different
// source; the uniqueness invariant wins and no error is returned.
func (s *BoltStore) UpdateResolvedIdentity(ctx context.Context, sourceID, telegramID int64, username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sourceBucket)

		var claimedBy int64
		err := b.ForEach(func(k, v []byte) error {
			var other model.Source
			if err := json.Unmarshal(v, &other); err != nil {
				return fmt.Errorf("failed to unmarshal source: %w", err)
			}
			if other.TelegramID == telegramID && other.ID != sourceID {
				claimedBy = other.ID
			}
			return nil
		})
		if err != nil {
			return err
		}
		if claimedBy != 0 {
			logger.Warn("Telegram id already claimed, skipping identity update",
				zap.Int64("telegram_id", telegramID),
				zap.Int64("claimed_by", claimedBy),
				zap.Int64("source_id", sourceID))
			return nil
		}

		data := b.Get(itob(sourceID))
		if data == nil {
			return ErrSourceNotFound{ID: sourceID}
		}
		var src model.Source
		if err := json.Unmarshal(data, &src); err != nil {
			return fmt.Errorf("failed to unmarshal source: %w", err)
		}
		src.TelegramID = telegramID
		if username != "" {
			src.Username = username
		}
		updated, err := json.Marshal(&src)
		if err != nil {
			return fmt.Errorf("failed to marshal source: %w", err)
		}
		return b.Put(itob(sourceID), updated)
	})
}

// GetCursor retrieves the cursor for a source
func (s *BoltStore) GetCursor(ctx context.Context, sourceID int64) (*model.Cursor, error) {
	var cur *model.Cursor
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(cursorBucket).Get(itob(sourceID))
		if data == nil {
			return ErrCursorNotFound{SourceID: sourceID}
		}
		cur = &model.Cursor{}
		if err := json.Unmarshal(data, cur); err != nil {
			return fmt.Errorf("failed to unmarshal cursor: %w", err)
		}
		return nil
	})
	return cur, err
}

// UpsertCursor advances the cursor for a source. The stored id merges via
// max with any existing value so the watermark never regresses.
func (s *BoltStore) UpsertCursor(ctx context.Context, sourceID, seenID int64, seenTime time.Time) error {
	logger.Debug("Upserting cursor", zap.Int64("source_id", sourceID), zap.Int64("seen_id", seenID))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorBucket)

		cur := model.Cursor{SourceID: sourceID}
		if data := b.Get(itob(sourceID)); data != nil {
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("failed to unmarshal cursor: %w", err)
			}
		}

		if seenID > cur.LastSeenID {
			cur.LastSeenID = seenID
			if !seenTime.IsZero() {
				cur.LastSeenTime = seenTime.UTC()
			}
		}
		cur.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&cur)
		if err != nil {
			return fmt.Errorf("failed to marshal cursor: %w", err)
		}
		return b.Put(itob(sourceID), data)
	})
}

// GetSchedule returns the registry-provided cron override, or "" when unset
func (s *BoltStore) GetSchedule(ctx context.Context) (string, error) {
	var cron string
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(configBucket).Get(scheduleKey); data != nil {
			cron = string(data)
		}
		return nil
	})
	return cron, err
}

// SetSchedule stores the registry-level cron override; "" clears it
func (s *BoltStore) SetSchedule(ctx context.Context, cron string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(configBucket)
		if cron == "" {
			return b.Delete(scheduleKey)
		}
		return b.Put(scheduleKey, []byte(cron))
	})
}
