package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend implements Backend using an in-process map.
// All data is lost when the process exits.
//
// MemoryBackend is thread-safe and supports concurrent access using sync.RWMutex.
type MemoryBackend struct {
	records map[string]*UsageRecord
	mu      sync.RWMutex

	// maxEntries bounds the map; see putLocked for the eviction order.
	maxEntries int
}

// MemoryBackendConfig configures the memory backend.
type MemoryBackendConfig struct {
	// MaxEntries is the maximum number of records to store.
	// Default: 100,000
	MaxEntries int
}

// NewMemoryBackend creates a new in-memory backend with default settings.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithConfig(MemoryBackendConfig{})
}

// NewMemoryBackendWithConfig creates a new in-memory backend with custom configuration.
func NewMemoryBackendWithConfig(cfg MemoryBackendConfig) *MemoryBackend {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}

	return &MemoryBackend{
		records:    make(map[string]*UsageRecord),
		maxEntries: cfg.MaxEntries,
	}
}

// Load retrieves the usage record for a key.
func (m *MemoryBackend) Load(ctx context.Context, key string) (*UsageRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.records[key].Clone(), nil
}

// Save persists a usage record.
func (m *MemoryBackend) Save(ctx context.Context, rec *UsageRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.Key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	stored := rec.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(stored)
	return nil
}

// Increment atomically consumes one use for key.
func (m *MemoryBackend) Increment(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (*UsageRecord, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[key]
	if !exists || rec.Expired(now) {
		rec = freshRecord(key, window, now)
	} else if rec.Count >= limit {
		return rec.Clone(), false, nil
	}

	rec.Count++
	rec.UpdatedAt = now
	m.putLocked(rec)

	return rec.Clone(), true, nil
}

// Decrement atomically returns one use for key, floored at zero.
func (m *MemoryBackend) Decrement(ctx context.Context, key string, now time.Time) (*UsageRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[key]
	if !exists || rec.Expired(now) {
		return nil, nil
	}

	if rec.Count > 0 {
		rec.Count--
	}
	rec.UpdatedAt = now

	return rec.Clone(), nil
}

// Delete removes the record for key.
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
	return nil
}

// List returns all stored records.
func (m *MemoryBackend) List(ctx context.Context) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*UsageRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec.Clone())
	}

	return records, nil
}

// Cleanup removes records whose window ended before olderThan.
func (m *MemoryBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key, rec := range m.records {
		if rec.ResetAt.Before(olderThan) {
			delete(m.records, key)
			deleted++
		}
	}

	return deleted, nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Close releases any resources held by the backend.
func (m *MemoryBackend) Close() error {
	return nil
}

// Size returns the current number of stored records.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// putLocked stores rec. When the map is full, every record whose window
// ended by rec.UpdatedAt is dropped first; only if none has ended is the
// least recently updated live record evicted.
//
// The sweep is O(n) but runs only on an insert into a full map, and one
// sweep usually frees many slots. A client that can mint new keys faster
// than windows end can still push out other keys' live records, so size
// MaxEntries above the number of distinct clients expected during a cache
// outage.
// Caller must hold write lock.
func (m *MemoryBackend) putLocked(rec *UsageRecord) {
	if _, exists := m.records[rec.Key]; !exists && len(m.records) >= m.maxEntries {
		if m.evictExpiredLocked(rec.UpdatedAt) == 0 {
			m.evictOldestLocked()
		}
	}
	m.records[rec.Key] = rec
}

// evictExpiredLocked drops records whose window ended by now.
// Caller must hold write lock.
func (m *MemoryBackend) evictExpiredLocked(now time.Time) int {
	evicted := 0
	for key, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, key)
			evicted++
		}
	}
	return evicted
}

// evictOldestLocked evicts the least recently updated record.
// Caller must hold write lock.
func (m *MemoryBackend) evictOldestLocked() {
	var (
		oldestKey  string
		oldestTime time.Time
		found      bool
	)

	for key, rec := range m.records {
		if !found || rec.UpdatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = rec.UpdatedAt
			found = true
		}
	}

	if found {
		delete(m.records, oldestKey)
	}
}
