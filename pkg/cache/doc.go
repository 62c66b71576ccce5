// Package cache provides the fast key-value layer in front of the durable stores.
//
// # Implementations
//
// Redis: shared cache for multi-instance deployments (go-redis/v8)
//
//	c, err := cache.NewRedis(cache.RedisConfig{URL: "redis://localhost:6379/0"})
//
// Memory: bounded in-process LRU with per-key expiry (golang-lru/v2)
//
//	c, err := cache.NewMemory(10000)
//
// # Semantics
//
// Every entry has an absolute TTL. GetDel is atomic in both implementations
// and is what makes password reset tokens single-use. DeletePattern accepts
// Redis-style globs such as "refresh_token:user-1:*".
//
// The cache is never authoritative. Callers write the durable store first and
// treat cache errors as misses.
package cache
