package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/campusauth/pkg/auth"
)

// Store is the full durable backend: identities, sessions, refresh tokens
// and the login attempt ledger
type Store interface {
	auth.IdentityStore
	auth.SessionStore
	auth.RefreshTokenStore
	auth.LoginAttemptStore

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error
	// Close releases connections
	Close() error
}

// Backend types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// Cache types
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config for storage backend
type Config struct {
	Type string `yaml:"type"` // "memory", "postgres"

	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs []string      `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	PostgresMaxLifetime time.Duration `yaml:"postgres_max_lifetime"`
	PostgresMaxIdleTime time.Duration `yaml:"postgres_max_idle_time"`

	// EnsureSchema creates tables on startup
	EnsureSchema bool `yaml:"ensure_schema"`

	// Cache config
	CacheType       string `yaml:"cache_type"` // "memory", "redis"
	MemoryCacheSize int    `yaml:"memory_cache_size"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 1 * time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		EnsureSchema:        true,
		CacheType:           CacheMemory,
		MemoryCacheSize:     10000,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}
