package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/campusauth/pkg/auth"
)

// Store is an in-process implementation of storage.Store
type Store struct {
	mu sync.RWMutex

	identities    map[string]*auth.Identity
	sessions      map[string]*auth.Session // keyed by session id
	refreshTokens map[string]*auth.RefreshToken
	attempts      []*auth.LoginAttempt
	nextAttemptID int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		identities:    make(map[string]*auth.Identity),
		sessions:      make(map[string]*auth.Session),
		refreshTokens: make(map[string]*auth.RefreshToken),
	}
}

// HealthCheck always succeeds
func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

// Identities

func (s *Store) CreateIdentity(ctx context.Context, identity *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.identities {
		if identity.Email != "" && strings.EqualFold(existing.Email, identity.Email) {
			return auth.ErrIdentifierInUse
		}
		if identity.Phone != "" && existing.Phone == identity.Phone {
			return auth.ErrIdentifierInUse
		}
	}

	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if _, ok := s.identities[identity.ID]; ok {
		return fmt.Errorf("identity %s already exists", identity.ID)
	}

	now := time.Now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = identity.CreatedAt
	if identity.Status == "" {
		identity.Status = auth.StatusActive
	}

	cp := *identity
	s.identities[identity.ID] = &cp
	return nil
}

func (s *Store) FindIdentityByID(ctx context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (s *Store) FindIdentityByEmailOrPhone(ctx context.Context, identifier string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, identity := range s.identities {
		if (identity.Email != "" && strings.EqualFold(identity.Email, identifier)) ||
			(identity.Phone != "" && identity.Phone == identifier) {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.PasswordHash = passwordHash
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

// SetIdentityStatus changes an account status. User management owns this in
// production; the memory store exposes it for tests and local tooling.
func (s *Store) SetIdentityStatus(id string, status auth.IdentityStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.Status = status
	return nil
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, session *auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	for _, existing := range s.sessions {
		if existing.AccessTokenID == session.AccessTokenID {
			return fmt.Errorf("session for access token %s already exists", session.AccessTokenID)
		}
	}

	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, now time.Time) ([]*auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*auth.Session
	for _, session := range s.sessions {
		if session.UserID == userID && session.ExpiresAt.After(now) {
			cp := *session
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})
	return result, nil
}

func (s *Store) TouchSession(ctx context.Context, accessTokenID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.AccessTokenID == accessTokenID && session.ExpiresAt.After(now) {
			session.LastActivityAt = now
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteSessionByAccessTokenID(ctx context.Context, accessTokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, session := range s.sessions {
		if session.AccessTokenID == accessTokenID {
			delete(s.sessions, id)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.UserID != userID {
		return false, nil
	}
	delete(s.sessions, sessionID)
	return true, nil
}

func (s *Store) DeleteSessionsByUser(ctx context.Context, userID string) (int64, error) {
	return s.deleteSessionsWhere(func(session *auth.Session) bool {
		return session.UserID == userID
	}), nil
}

func (s *Store) DeleteSessionsByUserExcept(ctx context.Context, userID, accessTokenID string) (int64, error) {
	return s.deleteSessionsWhere(func(session *auth.Session) bool {
		return session.UserID == userID && session.AccessTokenID != accessTokenID
	}), nil
}

func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteSessionsWhere(func(session *auth.Session) bool {
		return session.ExpiresAt.Before(now)
	}), nil
}

func (s *Store) deleteSessionsWhere(match func(*auth.Session) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, session := range s.sessions {
		if match(session) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Refresh tokens

func (s *Store) CreateRefreshToken(ctx context.Context, token *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[token.ID]; ok {
		return fmt.Errorf("refresh token %s already exists", token.ID)
	}
	cp := *token
	s.refreshTokens[token.ID] = &cp
	return nil
}

func (s *Store) FindRefreshToken(ctx context.Context, id string) (*auth.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *token
	return &cp, nil
}

func (s *Store) MarkRefreshTokenUsed(ctx context.Context, id, userID string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[id]
	if !ok || token.UserID != userID || token.HasBeenUsed {
		return false, nil
	}
	token.HasBeenUsed = true
	t := usedAt
	token.UsedAt = &t
	return true, nil
}

func (s *Store) DeleteRefreshTokensByUser(ctx context.Context, userID string) ([]string, error) {
	return s.deleteRefreshTokensWhere(func(token *auth.RefreshToken) bool {
		return token.UserID == userID
	}), nil
}

func (s *Store) DeleteRefreshTokensByUserExcept(ctx context.Context, userID, keepID string) ([]string, error) {
	return s.deleteRefreshTokensWhere(func(token *auth.RefreshToken) bool {
		return token.UserID == userID && token.ID != keepID
	}), nil
}

func (s *Store) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	ids := s.deleteRefreshTokensWhere(func(token *auth.RefreshToken) bool {
		return token.ExpiresAt.Before(now)
	})
	return int64(len(ids)), nil
}

func (s *Store) deleteRefreshTokensWhere(match func(*auth.RefreshToken) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, token := range s.refreshTokens {
		if match(token) {
			delete(s.refreshTokens, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Login attempts

func (s *Store) RecordLoginAttempt(ctx context.Context, attempt *auth.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAttemptID++
	attempt.ID = s.nextAttemptID
	cp := *attempt
	s.attempts = append(s.attempts, &cp)
	return nil
}

func (s *Store) RecentFailures(ctx context.Context, identifier string, since time.Time, limit int) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clearedAt time.Time
	for _, a := range s.attempts {
		if a.Identifier == identifier && a.FailureReason == auth.ReasonLockoutCleared && a.AttemptedAt.After(clearedAt) {
			clearedAt = a.AttemptedAt
		}
	}

	var failures []time.Time
	for _, a := range s.attempts {
		if a.Identifier != identifier || a.Success {
			continue
		}
		if a.FailureReason == auth.ReasonRateLimited || a.FailureReason == auth.ReasonLockoutCleared {
			continue
		}
		if !a.AttemptedAt.After(since) || !a.AttemptedAt.After(clearedAt) {
			continue
		}
		failures = append(failures, a.AttemptedAt)
	}

	sort.Slice(failures, func(i, j int) bool {
		return failures[i].After(failures[j])
	})
	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}
	return failures, nil
}

func (s *Store) PurgeLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.attempts[:0]
	var n int64
	for _, a := range s.attempts {
		if a.AttemptedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	s.attempts = kept
	return n, nil
}

// Counts returns the number of sessions and refresh tokens held for userID
func (s *Store) Counts(userID string) (sessions, refreshTokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.UserID == userID {
			sessions++
		}
	}
	for _, token := range s.refreshTokens {
		if token.UserID == userID {
			refreshTokens++
		}
	}
	return sessions, refreshTokens
}

// Attempts returns a copy of the ledger
func (s *Store) Attempts() []auth.LoginAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]auth.LoginAttempt, len(s.attempts))
	for i, a := range s.attempts {
		result[i] = *a
	}
	return result
}
