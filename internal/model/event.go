package model

import "time"

// Event is a normalized channel message as sent to the processor server.
// The JSON shape is the wire contract; pointer fields serialize as explicit
// nulls when absent. An Event is immutable once constructed and is identified
// by (source, ID).
type Event struct {
	ID         int64      `json:"id"`
	Date       *time.Time `json:"date"`
	Message    string     `json:"message"`
	Views      int        `json:"views"`
	Forwards   int        `json:"forwards"`
	EditDate   *time.Time `json:"edit_date"`
	PostAuthor string     `json:"post_author"`
	Media      *string    `json:"media"`
	Entities   []Entity   `json:"entities"`
	ReplyTo    *int64     `json:"reply_to"`
}

// Entity describes one formatting span inside an event's message text.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// Timestamp returns the event date, or the zero time when unset.
func (e *Event) Timestamp() time.Time {
	if e.Date == nil {
		return time.Time{}
	}
	return *e.Date
}
