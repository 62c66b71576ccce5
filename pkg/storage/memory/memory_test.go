package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/storage"
)

var _ storage.Store = (*Store)(nil)

func TestStore_Identities(t *testing.T) {
	ctx := context.Background()
	s := New()

	id := &auth.Identity{Email: "Ada@School.test", Phone: "+15550001", PasswordHash: "h1"}
	require.NoError(t, s.CreateIdentity(ctx, id))
	assert.NotEmpty(t, id.ID)
	assert.Equal(t, auth.StatusActive, id.Status)

	err := s.CreateIdentity(ctx, &auth.Identity{Email: "ada@school.test"})
	assert.True(t, errors.Is(err, auth.ErrIdentifierInUse))
	err = s.CreateIdentity(ctx, &auth.Identity{Phone: "+15550001"})
	assert.True(t, errors.Is(err, auth.ErrIdentifierInUse))

	byEmail, err := s.FindIdentityByEmailOrPhone(ctx, "ada@school.test")
	require.NoError(t, err)
	assert.Equal(t, id.ID, byEmail.ID)

	byPhone, err := s.FindIdentityByEmailOrPhone(ctx, "+15550001")
	require.NoError(t, err)
	assert.Equal(t, id.ID, byPhone.ID)

	_, err = s.FindIdentityByEmailOrPhone(ctx, "nobody@school.test")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, s.UpdatePasswordHash(ctx, id.ID, "h2"))
	got, err := s.FindIdentityByID(ctx, id.ID)
	require.NoError(t, err)
	assert.Equal(t, "h2", got.PasswordHash)

	assert.ErrorIs(t, s.UpdatePasswordHash(ctx, "missing", "h"), auth.ErrNotFound)
}

func TestStore_Sessions(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	open := func(user, atid string, expires time.Time) *auth.Session {
		sess := &auth.Session{UserID: user, AccessTokenID: atid, ExpiresAt: expires, LastActivityAt: now, CreatedAt: now}
		require.NoError(t, s.CreateSession(ctx, sess))
		return sess
	}

	a := open("u1", "at-a", now.Add(time.Hour))
	open("u1", "at-b", now.Add(time.Hour))
	open("u1", "at-old", now.Add(-time.Minute))
	open("u2", "at-c", now.Add(time.Hour))

	list, err := s.ListSessions(ctx, "u1", now)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	ok, err := s.TouchSession(ctx, "at-a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TouchSession(ctx, "at-old", now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteSession(ctx, "u2", a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "session belongs to another user")

	n, err := s.DeleteSessionsByUserExcept(ctx, "u1", "at-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err = s.DeleteSessionByAccessTokenID(ctx, "at-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteSessionByAccessTokenID(ctx, "at-a")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = s.DeleteSessionsByUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_PurgeExpiredSessionsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.CreateSession(ctx, &auth.Session{UserID: "u", AccessTokenID: "x", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, s.CreateSession(ctx, &auth.Session{UserID: "u", AccessTokenID: "y", ExpiresAt: now.Add(time.Hour)}))

	n, err := s.PurgeExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.PurgeExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_MarkRefreshTokenUsedCAS(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateRefreshToken(ctx, &auth.RefreshToken{ID: "rt", UserID: "u", ExpiresAt: time.Now().Add(time.Hour)}))

	ok, err := s.MarkRefreshTokenUsed(ctx, "rt", "other", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkRefreshTokenUsed(ctx, "rt", "u", time.Now())
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	token, err := s.FindRefreshToken(ctx, "rt")
	require.NoError(t, err)
	assert.True(t, token.HasBeenUsed)
	assert.NotNil(t, token.UsedAt)
}

func TestStore_RefreshTokenDeletes(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateRefreshToken(ctx, &auth.RefreshToken{ID: id, UserID: "u", ExpiresAt: now.Add(time.Hour)}))
	}
	require.NoError(t, s.CreateRefreshToken(ctx, &auth.RefreshToken{ID: "old", UserID: "v", ExpiresAt: now.Add(-time.Hour)}))

	assert.Error(t, s.CreateRefreshToken(ctx, &auth.RefreshToken{ID: "a", UserID: "u"}))

	ids, err := s.DeleteRefreshTokensByUserExcept(ctx, "u", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)

	ids, err = s.DeleteRefreshTokensByUser(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	n, err := s.PurgeExpiredRefreshTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.FindRefreshToken(ctx, "old")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestStore_RecentFailures(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	record := func(ident string, at time.Time, success bool, reason string) {
		require.NoError(t, s.RecordLoginAttempt(ctx, &auth.LoginAttempt{
			Identifier: ident, Success: success, FailureReason: reason, AttemptedAt: at,
		}))
	}

	record("x", base.Add(-20*time.Minute), false, auth.ReasonBadPassword) // outside window
	record("x", base.Add(-10*time.Minute), false, auth.ReasonBadPassword)
	record("x", base.Add(-9*time.Minute), false, auth.ReasonRateLimited) // not counted
	record("x", base.Add(-8*time.Minute), true, "")
	record("x", base.Add(-7*time.Minute), false, auth.ReasonUnknownIdentifier)
	record("y", base.Add(-6*time.Minute), false, auth.ReasonBadPassword)

	since := base.Add(-15 * time.Minute)
	got, err := s.RecentFailures(ctx, "x", since, 10)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base.Add(-7 * time.Minute), base.Add(-10 * time.Minute)}, got)

	got, err = s.RecentFailures(ctx, "x", since, 1)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base.Add(-7 * time.Minute)}, got)

	record("x", base.Add(-5*time.Minute), false, auth.ReasonLockoutCleared)
	record("x", base.Add(-4*time.Minute), false, auth.ReasonBadPassword)

	got, err = s.RecentFailures(ctx, "x", since, 10)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base.Add(-4 * time.Minute)}, got)

	ids := map[int64]bool{}
	for _, a := range s.Attempts() {
		assert.False(t, ids[a.ID])
		ids[a.ID] = true
	}
}

func TestStore_PurgeLoginAttemptsBefore(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.RecordLoginAttempt(ctx, &auth.LoginAttempt{Identifier: "x", AttemptedAt: now.AddDate(-8, 0, 0)}))
	require.NoError(t, s.RecordLoginAttempt(ctx, &auth.LoginAttempt{Identifier: "x", AttemptedAt: now}))

	cutoff := now.AddDate(-7, 0, 0)
	n, err := s.PurgeLoginAttemptsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.PurgeLoginAttemptsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Len(t, s.Attempts(), 1)
}
