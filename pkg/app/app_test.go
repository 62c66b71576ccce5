package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/campusauth/pkg/authn"
	"github.com/platinummonkey/campusauth/pkg/config"
	"github.com/platinummonkey/campusauth/pkg/observability"
	"github.com/platinummonkey/campusauth/pkg/retention"
	"github.com/platinummonkey/campusauth/pkg/storage"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.SigningSecret = "app-test-signing-secret"
	cfg.Auth.BcryptCost = bcrypt.MinCost
	return cfg
}

func TestNew_MemoryBackends(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	pair, err := a.Service.Register(ctx, authn.RegisterRequest{
		Email:    "pupil@example.com",
		Password: "first-day-1",
	})
	require.NoError(t, err)

	claims, err := a.Service.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "student", claims.Role)

	status := a.Health.Check(ctx)
	assert.Equal(t, observability.StatusHealthy, status.Status)

	result, err := a.Sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result[retention.JobSessions])
}

func TestNew_RejectsUnknownBackends(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Type = "cassandra"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Storage.CacheType = "memcached"
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNew_BadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.CacheType = storage.CacheRedis
	cfg.Storage.RedisURL = "not a url"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNew_BadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Retention.SessionSchedule = "every so often"

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention sweeper")
}

func TestRegisterShutdown(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	a.Start()

	sm := observability.NewShutdownManager(observability.NewNopLogger(), nil, 0)
	a.RegisterShutdown(sm)

	assert.NoError(t, sm.Shutdown())
}
