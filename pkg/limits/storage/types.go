package storage

import (
	"context"
	"time"
)

// Backend defines the interface for usage record persistence.
// Implementations must be thread-safe and support concurrent access.
type Backend interface {
	// Load retrieves the usage record for a key.
	// Returns nil if no record exists. Expired records are returned as stored.
	Load(ctx context.Context, key string) (*UsageRecord, error)

	// Save persists a usage record, replacing any existing record for its key.
	Save(ctx context.Context, rec *UsageRecord) error

	// Increment atomically consumes one use for key.
	// A missing or expired record is replaced by a fresh window starting at now.
	// When the record is already at limit, nothing changes and ok is false.
	Increment(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (rec *UsageRecord, ok bool, err error)

	// Decrement atomically returns one use for key, floored at zero.
	// Returns nil if there is no live record for key.
	Decrement(ctx context.Context, key string, now time.Time) (*UsageRecord, error)

	// Delete removes the record for key. No-op if it doesn't exist.
	Delete(ctx context.Context, key string) error

	// List returns all stored records.
	List(ctx context.Context) ([]*UsageRecord, error)

	// Cleanup removes records whose window ended before olderThan.
	// Returns the number of records deleted.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Ping reports whether the backend is usable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// UsageRecord is the durable form of one key's usage window.
type UsageRecord struct {
	// Key is the normalized client IP.
	Key string `json:"key"`

	// Count is the number of uses consumed in the current window.
	Count int64 `json:"count"`

	// WindowStart is when the current window began (first use).
	WindowStart time.Time `json:"window_start"`

	// ResetAt is WindowStart plus the window duration.
	ResetAt time.Time `json:"reset_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the record's window has ended at now.
func (r *UsageRecord) Expired(now time.Time) bool {
	return !now.Before(r.ResetAt)
}

// Clone returns a copy of the record.
func (r *UsageRecord) Clone() *UsageRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// freshRecord starts a new window for key at now.
func freshRecord(key string, window time.Duration, now time.Time) *UsageRecord {
	return &UsageRecord{
		Key:         key,
		WindowStart: now,
		ResetAt:     now.Add(window),
		UpdatedAt:   now,
	}
}
