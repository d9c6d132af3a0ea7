// Package broker is the contract the pipeline requires from its durable
// store: ordered streams with client-managed cursors, TTL markers for
// dedup, and a dead-letter list per stream. The core reads existing
// entries but never mutates them.
package broker

import (
	"context"
	"time"
)

// StartID is the broker-defined "beginning of stream" sentinel used when a
// consumer has no persisted cursor yet.
const StartID = "0"

// Entry is one immutable stream record. IDs are opaque strings assigned by
// the broker, monotonically increasing within a stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// DeadLetter records an entry that exhausted its retry budget. Append-only.
type DeadLetter struct {
	Stream   string    `json:"stream"`
	EntryID  string    `json:"entry_id"`
	Payload  string    `json:"payload"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Broker is the durable-store surface the core consumes. Every call must
// honour ctx cancellation and carry a bounded timeout.
type Broker interface {
	// Append adds an entry to a stream and returns its assigned id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// Read returns up to limit entries strictly after afterID, in order.
	Read(ctx context.Context, stream, afterID string, limit int64) ([]Entry, error)

	// Cursor returns the persisted cursor for key, or "" when absent.
	Cursor(ctx context.Context, key string) (string, error)

	// SetCursor persists the last-processed entry id for key.
	SetCursor(ctx context.Context, key, id string) error

	// HasMarker reports whether a TTL marker exists.
	HasMarker(ctx context.Context, key string) (bool, error)

	// SetMarker writes a TTL marker.
	SetMarker(ctx context.Context, key string, ttl time.Duration) error

	// PushDead appends to the dead-letter list for dl.Stream.
	PushDead(ctx context.Context, dl DeadLetter) error

	// DeadLetters returns up to limit of the most recent dead letters.
	DeadLetters(ctx context.Context, stream string, limit int64) ([]DeadLetter, error)

	// DeadLetterLen reports the dead-letter depth for a stream.
	DeadLetterLen(ctx context.Context, stream string) (int64, error)
}
