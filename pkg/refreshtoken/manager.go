package refreshtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/cache"
	"github.com/platinummonkey/campusauth/pkg/observability"
)

// Defaults for refresh tokens
const (
	DefaultTTL           = 30 * 24 * time.Hour
	DefaultRevokeTimeout = 10 * time.Second
)

// Config configures a Manager
type Config struct {
	// TTL is the validity of a newly created token
	TTL time.Duration
	// RevokeTimeout bounds the revocation run after a replay
	RevokeTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Manager issues, validates, rotates and revokes refresh tokens.
// The store is authoritative; the cache only mirrors rows.
type Manager struct {
	store    auth.RefreshTokenStore
	cache    cache.Cache
	hasher   auth.PasswordHasher
	sessions auth.SessionCloser
	tokens   *auth.TokenGenerator
	group    singleflight.Group

	ttl           time.Duration
	revokeTimeout time.Duration
	logger        *observability.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewManager creates a refresh token manager. sessions is closed in bulk
// when a replay is detected.
func NewManager(store auth.RefreshTokenStore, c cache.Cache, hasher auth.PasswordHasher, sessions auth.SessionCloser, config Config) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.RevokeTimeout <= 0 {
		config.RevokeTimeout = DefaultRevokeTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Manager{
		store:         store,
		cache:         c,
		hasher:        hasher,
		sessions:      sessions,
		tokens:        auth.NewTokenGenerator(),
		ttl:           config.TTL,
		revokeTimeout: config.RevokeTimeout,
		logger:        config.Logger,
		metrics:       config.Metrics,
		now:           config.Now,
	}
}

// TTL returns the validity of newly created tokens
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create persists a new token and returns its plaintext. The plaintext is
// never stored; only a bcrypt hash of the secret is.
func (m *Manager) Create(ctx context.Context, userID string, client auth.ClientInfo) (string, *auth.RefreshToken, error) {
	plaintext, id, secret, err := m.tokens.GenerateRefreshToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	hash, err := m.hasher.Hash(secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash refresh token: %w", err)
	}

	now := m.now().UTC()
	token := &auth.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: now.Add(m.ttl),
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		CreatedAt: now,
	}

	if err := m.store.CreateRefreshToken(ctx, token); err != nil {
		return "", nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	m.writeMirror(ctx, token)

	return plaintext, token, nil
}

// Validate checks a presented token. A valid but already used token is a
// replay: every refresh token and session of the owner is revoked before
// TokenReplayDetected is returned.
func (m *Manager) Validate(ctx context.Context, plaintext string) (*auth.RefreshToken, error) {
	id, secret, err := m.tokens.ParseRefreshToken(plaintext)
	if err != nil {
		return nil, auth.ErrInvalidToken
	}

	token, err := m.lookup(ctx, id)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	// hash first so a bare token id cannot trigger revocation
	if !m.hasher.Matches(secret, token.TokenHash) {
		return nil, auth.ErrInvalidToken
	}

	if token.IsExpired(m.now()) {
		return nil, auth.ErrTokenExpired
	}

	if token.HasBeenUsed {
		return nil, m.replay(ctx, token.UserID, token.ID)
	}

	return token, nil
}

// MarkUsed atomically consumes a token. Losing the compare-and-set to
// another caller is treated as a replay.
func (m *Manager) MarkUsed(ctx context.Context, tokenID, userID string) error {
	now := m.now().UTC()

	won, err := m.store.MarkRefreshTokenUsed(ctx, tokenID, userID, now)
	if err != nil {
		return fmt.Errorf("failed to mark refresh token used: %w", err)
	}

	if !won {
		existing, err := m.store.FindRefreshToken(ctx, tokenID)
		if errors.Is(err, auth.ErrNotFound) {
			return auth.ErrInvalidToken
		}
		if err != nil {
			return fmt.Errorf("failed to load refresh token: %w", err)
		}
		if existing.UserID != userID || !existing.HasBeenUsed {
			return auth.ErrInvalidToken
		}
		return m.replay(ctx, userID, tokenID)
	}

	m.markMirrorUsed(ctx, userID, tokenID, now)
	return nil
}

// RevokeAll deletes every refresh token of a user, tombstones included
func (m *Manager) RevokeAll(ctx context.Context, userID string) (int, error) {
	ids, err := m.store.DeleteRefreshTokensByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	if _, err := m.cache.DeletePattern(ctx, userMirrorPattern(userID)); err != nil {
		m.cacheError(ctx, "delete_pattern", err)
	}
	m.deleteKeys(ctx, ownerKeys(ids)...)

	return len(ids), nil
}

// RevokeAllExcept deletes every refresh token of a user but keepTokenID
func (m *Manager) RevokeAllExcept(ctx context.Context, userID, keepTokenID string) (int, error) {
	ids, err := m.store.DeleteRefreshTokensByUserExcept(ctx, userID, keepTokenID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	keys := ownerKeys(ids)
	for _, id := range ids {
		keys = append(keys, MirrorKey(userID, id))
	}
	m.deleteKeys(ctx, keys...)

	return len(ids), nil
}

// TokenID extracts the id of a well-formed token without validating it
func (m *Manager) TokenID(plaintext string) (string, error) {
	id, _, err := m.tokens.ParseRefreshToken(plaintext)
	if err != nil {
		return "", auth.ErrInvalidToken
	}
	return id, nil
}

// ConfirmRotation checks, after a replacement pair has been issued, that the
// consumed token's tombstone survived. A replay of the same token revokes all
// tombstones of the owner, so a missing row means that revocation may have run
// before the replacement existed; the owner's credentials are revoked again and
// TokenReplayDetected is returned.
func (m *Manager) ConfirmRotation(ctx context.Context, userID, consumedID string) error {
	_, err := m.store.FindRefreshToken(ctx, consumedID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("failed to load refresh token: %w", err)
	}

	m.logger.WithFields(map[string]interface{}{
		"user_id":  userID,
		"token_id": consumedID,
	}).Warn("refresh token revoked during rotation, revoking replacement")
	return auth.ReplayDetected(m.revokeCredentials(ctx, userID))
}

func (m *Manager) replay(ctx context.Context, userID, tokenID string) error {
	m.metrics.RecordReplay()
	m.logger.WithFields(map[string]interface{}{
		"user_id":  userID,
		"token_id": tokenID,
	}).Warn("refresh token replay detected, revoking all credentials")
	return auth.ReplayDetected(m.revokeCredentials(ctx, userID))
}

func (m *Manager) revokeCredentials(ctx context.Context, userID string) error {
	// the revocation must finish even if the caller gives up
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.revokeTimeout)
	defer cancel()

	_, revokeErr := m.RevokeAll(revokeCtx, userID)
	var closeErr error
	if m.sessions != nil {
		_, closeErr = m.sessions.CloseAll(revokeCtx, userID)
	}

	cause := errors.Join(revokeErr, closeErr)
	if cause != nil {
		m.logger.WithError(cause).WithField("user_id", userID).Error("revocation after replay failed")
	}
	return cause
}

// lookup reads the mirror, falling back to the store. Concurrent fallbacks
// for one id share a single store read.
func (m *Manager) lookup(ctx context.Context, tokenID string) (*auth.RefreshToken, error) {
	if token, ok := m.readMirror(ctx, tokenID); ok {
		m.metrics.RecordCacheHit(keyspace)
		return token, nil
	}
	m.metrics.RecordCacheMiss(keyspace)

	v, err, _ := m.group.Do(tokenID, func() (interface{}, error) {
		token, err := m.store.FindRefreshToken(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		m.writeMirror(ctx, token)

		// a revocation racing the fill may have deleted the row before the
		// mirror landed; re-read so the mirror never outlives the row
		current, err := m.store.FindRefreshToken(ctx, tokenID)
		if errors.Is(err, auth.ErrNotFound) {
			m.deleteKeys(ctx, MirrorKey(token.UserID, tokenID), OwnerKey(tokenID))
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		if current.HasBeenUsed != token.HasBeenUsed {
			m.writeMirror(ctx, current)
		}
		return current, nil
	})
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	// callers share the flight result
	cp := *v.(*auth.RefreshToken)
	return &cp, nil
}

func (m *Manager) readMirror(ctx context.Context, tokenID string) (*auth.RefreshToken, bool) {
	userID, err := m.cache.Get(ctx, OwnerKey(tokenID))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			m.cacheError(ctx, "get", err)
		}
		return nil, false
	}

	raw, err := m.cache.Get(ctx, MirrorKey(userID, tokenID))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			m.cacheError(ctx, "get", err)
		}
		return nil, false
	}

	var token auth.RefreshToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		m.cacheError(ctx, "decode", err)
		return nil, false
	}
	if token.ID != tokenID || token.UserID != userID {
		return nil, false
	}
	return &token, true
}

func (m *Manager) writeMirror(ctx context.Context, token *auth.RefreshToken) {
	ttl := token.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return
	}

	raw, err := json.Marshal(token)
	if err != nil {
		m.cacheError(ctx, "encode", err)
		return
	}

	if err := m.cache.Set(ctx, MirrorKey(token.UserID, token.ID), string(raw), ttl); err != nil {
		m.cacheError(ctx, "set", err)
		return
	}
	if err := m.cache.Set(ctx, OwnerKey(token.ID), token.UserID, ttl); err != nil {
		m.cacheError(ctx, "set", err)
	}
}

func (m *Manager) markMirrorUsed(ctx context.Context, userID, tokenID string, usedAt time.Time) {
	token, ok := m.readMirror(ctx, tokenID)
	if !ok {
		return
	}
	token.HasBeenUsed = true
	token.UsedAt = &usedAt
	m.writeMirror(ctx, token)
}

func (m *Manager) deleteKeys(ctx context.Context, keys ...string) {
	if err := m.cache.Delete(ctx, keys...); err != nil {
		m.cacheError(ctx, "delete", err)
	}
}

func (m *Manager) cacheError(ctx context.Context, op string, err error) {
	m.metrics.RecordCacheError(keyspace, op)
	observability.FromContext(ctx, m.logger).WithError(err).WithField("operation", op).Warn("refresh token cache error")
}

func ownerKeys(ids []string) []string {
	keys := make([]string, 0, len(ids)*2)
	for _, id := range ids {
		keys = append(keys, OwnerKey(id))
	}
	return keys
}
