package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMiss is returned when a key is absent or expired
	ErrMiss = errors.New("cache miss")
	// ErrInvalidTTL is returned by Set for a non-positive ttl
	ErrInvalidTTL = errors.New("ttl must be positive")
)

// Cache is the key-value store fronting the durable stores.
// Values are opaque strings; callers own the encoding.
type Cache interface {
	// Get returns the value for key or ErrMiss
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with an absolute ttl. A non-positive ttl is rejected.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// GetDel atomically returns and removes key, or ErrMiss
	GetDel(ctx context.Context, key string) (string, error)
	// Delete removes keys; missing keys are ignored
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching a glob pattern and reports how many
	DeletePattern(ctx context.Context, pattern string) (int, error)
	// Ping checks connectivity
	Ping(ctx context.Context) error
	// Close releases resources
	Close() error
}
