package model

import "time"

// Source is an upstream channel being monitored. ID is assigned by the
// registry and never changes. TelegramID is 0 until resolved through the
// protocol client; once resolved it is unique across sources.
type Source struct {
	ID         int64  `json:"id"`
	TelegramID int64  `json:"telegram_id"`
	Username   string `json:"telegram_username"`
	URL        string `json:"telegram_url"`
	Active     bool   `json:"active"`
}

// Resolved reports whether the source's upstream identity is known.
func (s *Source) Resolved() bool {
	return s.TelegramID != 0
}

// Cursor is the delivery watermark for one source: the newest message id
// (and its timestamp) already handed to the sink. LastSeenID never
// decreases; concurrent updates merge via max.
type Cursor struct {
	SourceID     int64     `json:"source_id"`
	LastSeenID   int64     `json:"last_seen_msg_id"`
	LastSeenTime time.Time `json:"last_seen_msg_time"`
	UpdatedAt    time.Time `json:"updated_at"`
}
