package refreshtoken

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/cache"
	"github.com/platinummonkey/campusauth/pkg/credentials"
	"github.com/platinummonkey/campusauth/pkg/observability"
	"github.com/platinummonkey/campusauth/pkg/sessions"
	"github.com/platinummonkey/campusauth/pkg/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mgr      *Manager
	store    *memory.Store
	cache    cache.Cache
	registry *sessions.Registry
	clock    *fakeClock
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, c cache.Cache) *fixture {
	t.Helper()
	return newFixtureWithStore(t, c, nil)
}

func newFixtureWithStore(t *testing.T, c cache.Cache, wrap func(*memory.Store) auth.RefreshTokenStore) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	if c == nil {
		mem, err := cache.NewMemory(1000, cache.WithClock(clock.Now))
		require.NoError(t, err)
		c = mem
	}

	store := memory.New()
	var tokens auth.RefreshTokenStore = store
	if wrap != nil {
		tokens = wrap(store)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	registry := sessions.NewRegistry(store, sessions.Config{Now: clock.Now})
	mgr := NewManager(tokens, c, credentials.NewBcryptHasher(bcrypt.MinCost), registry, Config{
		Metrics: metrics,
		Now:     clock.Now,
	})

	return &fixture{mgr: mgr, store: store, cache: c, registry: registry, clock: clock, metrics: metrics}
}

func newRedisCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewRedisFromClient(client)
}

func (f *fixture) openSession(t *testing.T, userID, jti string) {
	t.Helper()
	_, err := f.registry.Open(context.Background(), userID, jti, auth.ClientInfo{}, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
}

func TestManager_CreateAndValidate(t *testing.T) {
	for name, c := range map[string]func(*testing.T) cache.Cache{
		"memory": func(*testing.T) cache.Cache { return nil },
		"redis":  newRedisCache,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, c(t))
			ctx := context.Background()

			plaintext, created, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{IPAddress: "1.2.3.4", UserAgent: "laptop"})
			require.NoError(t, err)
			assert.NotContains(t, created.TokenHash, plaintext)
			assert.Equal(t, f.clock.Now().Add(DefaultTTL), created.ExpiresAt)

			stored, err := f.store.FindRefreshToken(ctx, created.ID)
			require.NoError(t, err)
			assert.False(t, stored.HasBeenUsed)

			owner, err := f.cache.Get(ctx, OwnerKey(created.ID))
			require.NoError(t, err)
			assert.Equal(t, "u1", owner)

			token, err := f.mgr.Validate(ctx, plaintext)
			require.NoError(t, err)
			assert.Equal(t, created.ID, token.ID)
			assert.Equal(t, "laptop", token.UserAgent)
		})
	}
}

func TestManager_ValidateRejects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	plaintext, created, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	forged, _, _, err := auth.NewTokenGenerator().GenerateRefreshToken()
	require.NoError(t, err)
	_, otherSecret, err := f.mgr.tokens.ParseRefreshToken(forged)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "malformed", token: "garbage", want: auth.ErrInvalidToken},
		{name: "unknown id", token: forged, want: auth.ErrInvalidToken},
		{name: "wrong secret", token: created.ID + "." + otherSecret, want: auth.ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Validate(ctx, tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = f.mgr.Validate(ctx, plaintext)
	assert.NoError(t, err, "rejections must not disturb the real token")
}

func TestManager_ValidateExpired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	plaintext, _, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)

	f.clock.Advance(DefaultTTL + time.Minute)

	_, err = f.mgr.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestManager_ReplayRevokesEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	_, _, err = f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	f.openSession(t, "u1", "jti-1")
	f.openSession(t, "u1", "jti-2")

	require.NoError(t, f.mgr.MarkUsed(ctx, token.ID, "u1"))

	_, err = f.mgr.Validate(ctx, first)
	assert.ErrorIs(t, err, auth.ErrTokenReplayDetected)

	sessionCount, tokenCount := f.store.Counts("u1")
	assert.Equal(t, 0, sessionCount)
	assert.Equal(t, 0, tokenCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReplayDetections))

	_, err = f.cache.Get(ctx, MirrorKey("u1", token.ID))
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestManager_UsedTokenWithWrongSecretDoesNotRevoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, f.mgr.MarkUsed(ctx, token.ID, "u1"))
	f.openSession(t, "u1", "jti-1")

	forged, _, _, err := auth.NewTokenGenerator().GenerateRefreshToken()
	require.NoError(t, err)
	_, secret, err := f.mgr.tokens.ParseRefreshToken(forged)
	require.NoError(t, err)

	_, err = f.mgr.Validate(ctx, token.ID+"."+secret)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	sessionCount, tokenCount := f.store.Counts("u1")
	assert.Equal(t, 1, sessionCount)
	assert.Equal(t, 1, tokenCount, "tombstone stays")
}

func TestManager_MarkUsed(t *testing.T) {
	t.Run("rewrites mirror", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()

		_, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
		require.NoError(t, err)
		require.NoError(t, f.mgr.MarkUsed(ctx, token.ID, "u1"))

		mirrored, ok := f.mgr.readMirror(ctx, token.ID)
		require.True(t, ok)
		assert.True(t, mirrored.HasBeenUsed)
		require.NotNil(t, mirrored.UsedAt)
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t, nil)
		err := f.mgr.MarkUsed(context.Background(), "5d0c3cf8-0000-4000-8000-000000000000", "u1")
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("wrong owner", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()

		_, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
		require.NoError(t, err)

		assert.ErrorIs(t, f.mgr.MarkUsed(ctx, token.ID, "u2"), auth.ErrInvalidToken)

		_, tokenCount := f.store.Counts("u1")
		assert.Equal(t, 1, tokenCount)
	})

	t.Run("second call is a replay", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()

		_, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
		require.NoError(t, err)
		require.NoError(t, f.mgr.MarkUsed(ctx, token.ID, "u1"))

		assert.ErrorIs(t, f.mgr.MarkUsed(ctx, token.ID, "u1"), auth.ErrTokenReplayDetected)

		_, tokenCount := f.store.Counts("u1")
		assert.Equal(t, 0, tokenCount)
	})
}

func TestManager_ConcurrentMarkUsed(t *testing.T) {
	f := newFixture(t, newRedisCache(t))
	ctx := context.Background()

	_, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.mgr.MarkUsed(ctx, token.ID, "u1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, errors.Is(err, auth.ErrTokenReplayDetected) || errors.Is(err, auth.ErrInvalidToken),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, winners)
}

func TestManager_CacheMissRewarms(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	plaintext, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, f.cache.Delete(ctx, OwnerKey(token.ID), MirrorKey("u1", token.ID)))

	_, err = f.mgr.Validate(ctx, plaintext)
	require.NoError(t, err)

	_, err = f.cache.Get(ctx, MirrorKey("u1", token.ID))
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CacheMissesTotal.WithLabelValues(keyspace)))
}

func TestManager_ConcurrentMissesShareStoreRead(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	plaintext, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, f.cache.Delete(ctx, OwnerKey(token.ID)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Validate(ctx, plaintext)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

// fillRaceStore runs afterFind once, between the store read of a cache fill
// and the mirror write that follows it
type fillRaceStore struct {
	*memory.Store

	mu        sync.Mutex
	afterFind func()
}

func (s *fillRaceStore) FindRefreshToken(ctx context.Context, id string) (*auth.RefreshToken, error) {
	token, err := s.Store.FindRefreshToken(ctx, id)

	s.mu.Lock()
	hook := s.afterFind
	s.afterFind = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return token, err
}

func TestManager_RevokeDuringCacheFillDropsMirror(t *testing.T) {
	for name, c := range map[string]func(*testing.T) cache.Cache{
		"memory": func(*testing.T) cache.Cache { return nil },
		"redis":  newRedisCache,
	} {
		t.Run(name, func(t *testing.T) {
			var rs *fillRaceStore
			f := newFixtureWithStore(t, c(t), func(mem *memory.Store) auth.RefreshTokenStore {
				rs = &fillRaceStore{Store: mem}
				return rs
			})
			ctx := context.Background()

			plaintext, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
			require.NoError(t, err)
			require.NoError(t, f.cache.Delete(ctx, OwnerKey(token.ID), MirrorKey("u1", token.ID)))

			rs.afterFind = func() {
				_, err := f.mgr.RevokeAll(ctx, "u1")
				require.NoError(t, err)
			}

			_, err = f.mgr.Validate(ctx, plaintext)
			assert.ErrorIs(t, err, auth.ErrInvalidToken)

			_, err = f.cache.Get(ctx, MirrorKey("u1", token.ID))
			assert.ErrorIs(t, err, cache.ErrMiss)
			_, err = f.cache.Get(ctx, OwnerKey(token.ID))
			assert.ErrorIs(t, err, cache.ErrMiss)

			_, err = f.mgr.Validate(ctx, plaintext)
			assert.ErrorIs(t, err, auth.ErrInvalidToken, "revoked token must stay revoked")
		})
	}
}

func TestManager_ConfirmRotation(t *testing.T) {
	t.Run("tombstone intact", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()

		_, consumed, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
		require.NoError(t, err)
		require.NoError(t, f.mgr.MarkUsed(ctx, consumed.ID, "u1"))
		_, _, err = f.mgr.Create(ctx, "u1", auth.ClientInfo{})
		require.NoError(t, err)
		f.openSession(t, "u1", "jti-new")

		require.NoError(t, f.mgr.ConfirmRotation(ctx, "u1", consumed.ID))

		sessionCount, tokenCount := f.store.Counts("u1")
		assert.Equal(t, 1, sessionCount)
		assert.Equal(t, 2, tokenCount)
	})

	t.Run("revoked while rotating", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()

		_, consumed, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
		require.NoError(t, err)
		require.NoError(t, f.mgr.MarkUsed(ctx, consumed.ID, "u1"))

		_, err = f.mgr.RevokeAll(ctx, "u1")
		require.NoError(t, err)

		replacement, _, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
		require.NoError(t, err)
		f.openSession(t, "u1", "jti-new")

		err = f.mgr.ConfirmRotation(ctx, "u1", consumed.ID)
		assert.ErrorIs(t, err, auth.ErrTokenReplayDetected)

		sessionCount, tokenCount := f.store.Counts("u1")
		assert.Equal(t, 0, sessionCount)
		assert.Equal(t, 0, tokenCount)

		_, err = f.mgr.Validate(ctx, replacement)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})
}

type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, string) (string, error) { return "", errCacheDown }

func (brokenCache) Set(context.Context, string, string, time.Duration) error { return errCacheDown }

func (brokenCache) GetDel(context.Context, string) (string, error) { return "", errCacheDown }

func (brokenCache) Delete(context.Context, ...string) error { return errCacheDown }

func (brokenCache) DeletePattern(context.Context, string) (int, error) { return 0, errCacheDown }

func (brokenCache) Ping(context.Context) error { return errCacheDown }

func (brokenCache) Close() error { return nil }

func TestManager_CacheFailuresFallBackToStore(t *testing.T) {
	f := newFixture(t, brokenCache{})
	ctx := context.Background()

	first, token, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)

	_, err = f.mgr.Validate(ctx, first)
	require.NoError(t, err)
	require.NoError(t, f.mgr.MarkUsed(ctx, token.ID, "u1"))

	_, err = f.mgr.Validate(ctx, first)
	assert.ErrorIs(t, err, auth.ErrTokenReplayDetected)

	assert.Greater(t, testutil.ToFloat64(f.metrics.CacheErrorsTotal.WithLabelValues(keyspace, "get")), float64(0))
}

func TestManager_RevokeAllExcept(t *testing.T) {
	f := newFixture(t, newRedisCache(t))
	ctx := context.Background()

	keep, kept, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	other, _, err := f.mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	_, _, err = f.mgr.Create(ctx, "u2", auth.ClientInfo{})
	require.NoError(t, err)

	n, err := f.mgr.RevokeAllExcept(ctx, "u1", kept.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.mgr.Validate(ctx, keep)
	assert.NoError(t, err)
	_, err = f.mgr.Validate(ctx, other)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	n, err = f.mgr.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.mgr.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "idempotent")

	_, tokenCount := f.store.Counts("u2")
	assert.Equal(t, 1, tokenCount)
}

type failingCloser struct{}

func (failingCloser) CloseAll(context.Context, string) (int64, error) {
	return 0, errors.New("sessions unavailable")
}

func TestManager_ReplayWrapsRevocationFailure(t *testing.T) {
	store := memory.New()
	mem, err := cache.NewMemory(100)
	require.NoError(t, err)
	mgr := NewManager(store, mem, credentials.NewBcryptHasher(bcrypt.MinCost), failingCloser{}, Config{})
	ctx := context.Background()

	plaintext, token, err := mgr.Create(ctx, "u1", auth.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, mgr.MarkUsed(ctx, token.ID, "u1"))

	_, err = mgr.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, auth.ErrTokenReplayDetected)
	assert.ErrorContains(t, err, "sessions unavailable")

	_, tokenCount := store.Counts("u1")
	assert.Equal(t, 0, tokenCount, "refresh tokens are revoked even when sessions fail")
}

func TestManager_TokenID(t *testing.T) {
	f := newFixture(t, nil)

	plaintext, token, err := f.mgr.Create(context.Background(), "u1", auth.ClientInfo{})
	require.NoError(t, err)

	id, err := f.mgr.TokenID(plaintext)
	require.NoError(t, err)
	assert.Equal(t, token.ID, id)

	_, err = f.mgr.TokenID("nope")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
