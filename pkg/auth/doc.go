// Package auth holds the shared vocabulary of the campusauth core.
//
// # Overview
//
// Every component (access tokens, refresh tokens, rate limiting, sessions,
// password reset, retention) speaks in the types, errors and store contracts
// declared here. Nothing in this package touches a database or a cache.
//
// # Types
//
//	Identity      - user record owned by user management, read here
//	Session       - one row per issued access token
//	RefreshToken  - opaque, single-use, rotated on every refresh
//	LoginAttempt  - append-only ledger row used by the rate limiter
//	Claims        - denormalized identity data carried in access tokens
//	TokenPair     - what a successful login or refresh returns
//
// # Errors
//
// All failures are *auth.Error values tagged with a Code. Sentinels compare
// by code, so detailed variants still match:
//
//	err := auth.RateLimited(3 * time.Minute)
//	errors.Is(err, auth.ErrRateLimitExceeded) // true
//
// PublicMessage maps an error to the text safe to show an end user. Anything
// that could reveal whether an account exists collapses to "invalid credentials".
//
// # Refresh Token Format
//
//	tg := auth.NewTokenGenerator()
//	plaintext, id, secret, err := tg.GenerateRefreshToken()
//	// plaintext: <uuid>.<base64url(32 random bytes)> (give to client once)
//	// id:        row key and cache key component
//	// secret:    bcrypt-hashed before storage
//
//	id, secret, err = tg.ParseRefreshToken(plaintext)
//
// # Store Contracts
//
// IdentityStore, SessionStore, RefreshTokenStore and LoginAttemptStore are
// implemented by pkg/storage/postgres and pkg/storage/memory. Stores return
// ErrNotFound for missing rows; components translate it into a domain error.
package auth
