// Package refreshtoken manages opaque, single-use refresh tokens.
//
// # Lifecycle
//
//	ISSUED -> USED (tombstone until expiry) -> purged
//	ISSUED -> EXPIRED (detected lazily)
//	ISSUED -> REVOKED (deleted in bulk)
//
// A used row is kept as a tombstone so a second presentation of the same
// token is recognised as a replay rather than an unknown token. Replay
// revokes every refresh token and session of the owner.
//
// # Rotation
//
//	token, err := mgr.Validate(ctx, presented)
//	if err != nil { ... }
//	if err := mgr.MarkUsed(ctx, token.ID, token.UserID); err != nil { ... }
//	next, _, err := mgr.Create(ctx, token.UserID, client)
//
// MarkUsed is a compare-and-set in the store; exactly one concurrent caller
// wins and every other caller gets TokenReplayDetected.
//
// # Cache
//
//	refresh_token:{userId}:{tokenId}  JSON mirror of the row
//	refresh_token_owner:{tokenId}     userId
//
// Both keys expire with the token. Cache failures are logged and counted and
// the store is consulted instead.
package refreshtoken
