package authn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/campusauth/pkg/accesstoken"
	"github.com/platinummonkey/campusauth/pkg/async"
	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/cache"
	"github.com/platinummonkey/campusauth/pkg/credentials"
	"github.com/platinummonkey/campusauth/pkg/observability"
	"github.com/platinummonkey/campusauth/pkg/passwordreset"
	"github.com/platinummonkey/campusauth/pkg/ratelimit"
	"github.com/platinummonkey/campusauth/pkg/refreshtoken"
	"github.com/platinummonkey/campusauth/pkg/sessions"
	"github.com/platinummonkey/campusauth/pkg/storage"
	"github.com/platinummonkey/campusauth/pkg/storage/memory"
)

const testPassword = "correct-horse-42"

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

type captureNotifier struct {
	mu     sync.Mutex
	tokens map[string]string // user id -> last token
}

func (n *captureNotifier) SendPasswordReset(_ context.Context, identity *auth.Identity, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens[identity.ID] = token
	return nil
}

type harness struct {
	svc      *Service
	store    *memory.Store
	refresh  *refreshtoken.Manager
	metrics  *observability.Metrics
	clock    *fakeClock
	mr       *miniredis.Miniredis
	runner   *async.Runner
	notifier *captureNotifier
	spans    *tracetest.InMemoryExporter
	faker    *gofakeit.Faker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil)
}

// newHarnessWithStore lets a test wrap the backing store to inject faults.
// The harness keeps the unwrapped store for assertions.
func newHarnessWithStore(t *testing.T, wrap func(*memory.Store) storage.Store) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
	mr := miniredis.RunT(t)
	redisCache := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	mem := memory.New()
	var store storage.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hasher := credentials.NewBcryptHasher(bcrypt.MinCost)
	policy := credentials.NewPolicy(credentials.DefaultPolicyConfig())

	issuer, err := accesstoken.NewIssuer(accesstoken.Config{
		Secret: []byte("test-signing-secret-of-32-bytes!"),
		Now:    clock.Now,
	})
	require.NoError(t, err)

	registry := sessions.NewRegistry(store, sessions.Config{Metrics: metrics, Now: clock.Now})
	refresh := refreshtoken.NewManager(store, redisCache, hasher, registry, refreshtoken.Config{
		Metrics: metrics,
		Now:     clock.Now,
	})
	limiter := ratelimit.NewLimiter(store, ratelimit.Config{Metrics: metrics, Now: clock.Now})

	notifier := &captureNotifier{tokens: make(map[string]string)}
	runner := async.NewRunner(nil)
	resets, err := passwordreset.NewFlow(passwordreset.Dependencies{
		Identities: store,
		Cache:      redisCache,
		Hasher:     hasher,
		Policy:     policy,
		Refresh:    refresh,
		Sessions:   registry,
		Notifier:   notifier,
		Runner:     runner,
	}, passwordreset.Config{Metrics: metrics})
	require.NoError(t, err)

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	svc, err := NewService(Dependencies{
		Identities: store,
		Hasher:     hasher,
		Policy:     policy,
		Issuer:     issuer,
		Refresh:    refresh,
		Sessions:   registry,
		Limiter:    limiter,
		Resets:     resets,
	}, Config{
		Metrics: metrics,
		Tracer:  tp.Tracer("authn-test"),
	})
	require.NoError(t, err)

	return &harness{
		svc:      svc,
		store:    mem,
		refresh:  refresh,
		metrics:  metrics,
		clock:    clock,
		mr:       mr,
		runner:   runner,
		notifier: notifier,
		spans:    spans,
		faker:    gofakeit.New(0),
	}
}

func (h *harness) client() auth.ClientInfo {
	return auth.ClientInfo{IPAddress: h.faker.IPv4Address(), UserAgent: h.faker.UserAgent()}
}

// register creates a fresh account and returns its email and the first pair
func (h *harness) register(t *testing.T) (string, *auth.TokenPair) {
	t.Helper()
	email := h.faker.Email()
	pair, err := h.svc.Register(context.Background(), RegisterRequest{
		Email:             email,
		Password:          testPassword,
		Role:              "student",
		TenantID:          h.faker.UUID(),
		PreferredLanguage: h.faker.LanguageAbbreviation(),
		Client:            h.client(),
	})
	require.NoError(t, err)
	return email, pair
}

func (h *harness) login(t *testing.T, email string) *auth.TokenPair {
	t.Helper()
	pair, err := h.svc.Login(context.Background(), LoginRequest{
		Identifier: email,
		Password:   testPassword,
		Client:     h.client(),
	})
	require.NoError(t, err)
	return pair
}

func (h *harness) userID(t *testing.T, email string) string {
	t.Helper()
	identity, err := h.store.FindIdentityByEmailOrPhone(context.Background(), email)
	require.NoError(t, err)
	return identity.ID
}
