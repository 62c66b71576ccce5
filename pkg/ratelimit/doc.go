// Package ratelimit locks out identifiers after repeated failed logins.
//
// The source of truth is the append-only login attempt ledger. An identifier
// is limited once it has Threshold failures inside the trailing Window:
//
//	limiter := ratelimit.NewLimiter(store, ratelimit.DefaultConfig())
//	decision, err := limiter.Check(ctx, "ada@school.example")
//	if decision.Limited {
//		return decision.Err() // carries RetryAfter
//	}
//
// Rows with reason rate_limited are kept for audit but never counted, so
// retrying while locked out does not extend the lockout. ClearLockout appends
// a lockout_cleared marker; failures at or before it are ignored.
package ratelimit
