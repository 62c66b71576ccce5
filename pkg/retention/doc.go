// Package retention purges rows that no longer serve any purpose.
//
//	expired_sessions        @hourly  sessions past expiresAt
//	expired_refresh_tokens  @hourly  refresh tokens past expiresAt, tombstones included
//	login_attempts          @daily   ledger rows older than the audit horizon (7 years)
//
// Jobs are stateless and idempotent; a failed run is logged, counted and
// retried on the next tick. RunOnce runs all three immediately, which the
// command uses for --run-once maintenance.
package retention
