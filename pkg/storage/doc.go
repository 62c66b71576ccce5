// Package storage defines the durable backend for campusauth.
//
// # Overview
//
// Store composes the four store contracts from pkg/auth into one backend:
//
//   - auth.IdentityStore: users table (credential lookups, password hash writes)
//   - auth.SessionStore: sessions table, one row per issued access token
//   - auth.RefreshTokenStore: refresh_tokens table, including used tombstones
//   - auth.LoginAttemptStore: append-only login_attempts ledger
//
// # Backend Implementations
//
// memory.Store: mutex-guarded maps. Used for development and tests.
//
//	store := memory.New()
//
// postgres.Store: PostgreSQL via lib/pq with an optional read replica pool.
// Session listings read from a replica; all writes and every read that gates
// authentication go to the primary.
//
//	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
//		PrimaryURL:  cfg.PostgresURL,
//		ReplicaURLs: cfg.PostgresReplicaURLs,
//	})
//	store := postgres.NewStore(cm)
//	err = store.EnsureSchema(ctx)
//
// # Consistency
//
// MarkRefreshTokenUsed is a compare-and-set. Exactly one caller observes the
// unused to used transition for a given token. Purge methods report the
// number of rows deleted so retention jobs are observable and idempotent.
package storage
