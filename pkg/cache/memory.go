package cache

import (
	"context"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries bounds the in-process cache
const DefaultMemoryEntries = 10000

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory implements Cache in process with an LRU bound and per-key expiry.
// It is meant for single-instance deployments and tests.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

// MemoryOption customizes a Memory cache
type MemoryOption func(*Memory)

// WithClock overrides the clock used for expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an in-process cache holding at most size entries
func NewMemory(size int, opts ...MemoryOption) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	c, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}

	m := &Memory{cache: c, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get retrieves a value
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", ErrMiss
	}
	return e.value, nil
}

// Set stores a value with a ttl
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Add(key, memoryEntry{value: value, expiresAt: m.now().Add(ttl)})
	return nil
}

// GetDel atomically gets and deletes a key
func (m *Memory) GetDel(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", ErrMiss
	}
	m.cache.Remove(key)
	return e.value, nil
}

// Delete removes keys
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		m.cache.Remove(key)
	}
	return nil
}

// DeletePattern removes keys matching a glob pattern
func (m *Memory) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, key := range m.cache.Keys() {
		if ok, _ := path.Match(pattern, key); ok {
			m.cache.Remove(key)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of stored entries, expired ones included
func (m *Memory) Len() int {
	return m.cache.Len()
}

// Close drops all entries
func (m *Memory) Close() error {
	m.cache.Purge()
	return nil
}

// live returns the entry for key, evicting it if expired. Caller holds mu.
func (m *Memory) live(key string) (memoryEntry, bool) {
	e, ok := m.cache.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		m.cache.Remove(key)
		return memoryEntry{}, false
	}
	return e, true
}
