package auth

import (
	"context"
	"time"
)

// IdentityStore is the user-management collaborator
type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity *Identity) error
	FindIdentityByID(ctx context.Context, id string) (*Identity, error)
	FindIdentityByEmailOrPhone(ctx context.Context, identifier string) (*Identity, error)
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// SessionStore persists sessions
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	ListSessions(ctx context.Context, userID string, now time.Time) ([]*Session, error)
	TouchSession(ctx context.Context, accessTokenID string, now time.Time) (bool, error)
	DeleteSessionByAccessTokenID(ctx context.Context, accessTokenID string) (bool, error)
	DeleteSession(ctx context.Context, userID, sessionID string) (bool, error)
	DeleteSessionsByUser(ctx context.Context, userID string) (int64, error)
	DeleteSessionsByUserExcept(ctx context.Context, userID, accessTokenID string) (int64, error)
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// RefreshTokenStore persists refresh tokens
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	FindRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// MarkRefreshTokenUsed flips has_been_used only if it is still false.
	// It reports whether this call performed the transition.
	MarkRefreshTokenUsed(ctx context.Context, id, userID string, usedAt time.Time) (bool, error)
	DeleteRefreshTokensByUser(ctx context.Context, userID string) ([]string, error)
	DeleteRefreshTokensByUserExcept(ctx context.Context, userID, keepID string) ([]string, error)
	PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// LoginAttemptStore is the append-only login attempt ledger
type LoginAttemptStore interface {
	RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error
	// RecentFailures returns up to limit failure timestamps for identifier
	// newer than since, newest first. Rows with reason rate_limited and rows
	// at or before the newest lockout_cleared marker are excluded.
	RecentFailures(ctx context.Context, identifier string, since time.Time, limit int) ([]time.Time, error)
	PurgeLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PasswordHasher is the slow hashing primitive for passwords and refresh secrets
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Matches(plaintext, digest string) bool
}

// PasswordPolicy decides whether a password is strong enough
type PasswordPolicy interface {
	Validate(password string) PolicyResult
}

// SessionCloser is the part of the session registry other components revoke through
type SessionCloser interface {
	CloseAll(ctx context.Context, userID string) (int64, error)
}

// RefreshRevoker is the part of the refresh token manager other components revoke through
type RefreshRevoker interface {
	RevokeAll(ctx context.Context, userID string) (int, error)
}

// Notifier delivers password reset tokens out of band (email, SMS)
type Notifier interface {
	SendPasswordReset(ctx context.Context, identity *Identity, token string) error
}
