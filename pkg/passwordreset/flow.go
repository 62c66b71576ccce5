package passwordreset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/campusauth/pkg/async"
	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/cache"
	"github.com/platinummonkey/campusauth/pkg/observability"
)

// Defaults for reset tokens
const (
	DefaultTTL             = 15 * time.Minute
	DefaultDispatchTimeout = 30 * time.Second
)

// Metric stages
const (
	stageRequest = "request"
	stageReset   = "reset"
)

// ResetKey is the cache key holding the user id for a reset token
func ResetKey(token string) string {
	return fmt.Sprintf("password_reset:%s", token)
}

// Config configures a Flow
type Config struct {
	// TTL is how long a reset token stays redeemable
	TTL time.Duration
	// DispatchTimeout bounds one notifier call
	DispatchTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Dependencies are the collaborators a Flow drives
type Dependencies struct {
	Identities auth.IdentityStore
	Cache      cache.Cache
	Hasher     auth.PasswordHasher
	Policy     auth.PasswordPolicy
	Refresh    auth.RefreshRevoker
	Sessions   auth.SessionCloser
	Notifier   auth.Notifier
	Runner     *async.Runner
}

// Flow issues and redeems one-time password reset tokens
type Flow struct {
	deps    Dependencies
	tokens  *auth.TokenGenerator
	ttl     time.Duration
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewFlow creates a password reset flow
func NewFlow(deps Dependencies, config Config) (*Flow, error) {
	if deps.Identities == nil || deps.Cache == nil || deps.Hasher == nil || deps.Policy == nil {
		return nil, errors.New("passwordreset: identities, cache, hasher and policy are required")
	}
	if deps.Refresh == nil || deps.Sessions == nil {
		return nil, errors.New("passwordreset: refresh revoker and session closer are required")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = DefaultDispatchTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(config.Logger)
	}
	if deps.Runner == nil {
		deps.Runner = async.NewRunner(config.Logger)
	}

	return &Flow{
		deps:    deps,
		tokens:  auth.NewTokenGenerator(),
		ttl:     config.TTL,
		timeout: config.DispatchTimeout,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// RequestReset issues a reset token for identifier and hands it to the
// notifier in the background. An unknown identifier returns UserNotFound;
// callers that face end users should not reveal it.
func (f *Flow) RequestReset(ctx context.Context, identifier string) error {
	log := observability.FromContext(ctx, f.logger)

	identity, err := f.deps.Identities.FindIdentityByEmailOrPhone(ctx, strings.TrimSpace(identifier))
	if errors.Is(err, auth.ErrNotFound) {
		f.metrics.RecordPasswordReset(stageRequest, "unknown_identifier")
		log.Debug("password reset requested for unknown identifier")
		return auth.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up identity: %w", err)
	}

	token, err := f.tokens.GenerateResetToken()
	if err != nil {
		return err
	}

	if err := f.deps.Cache.Set(ctx, ResetKey(token), identity.ID, f.ttl); err != nil {
		f.metrics.RecordPasswordReset(stageRequest, "error")
		return fmt.Errorf("failed to store reset token: %w", err)
	}

	f.deps.Runner.Go(ctx, f.timeout, "password reset notification", func(ctx context.Context) error {
		return f.deps.Notifier.SendPasswordReset(ctx, identity, token)
	})

	f.metrics.RecordPasswordReset(stageRequest, "issued")
	log.WithField("user_id", identity.ID).Info("password reset token issued")
	return nil
}

// ResetPassword redeems token and sets a new password. The token is taken
// atomically, so concurrent redemptions succeed at most once. On success
// every refresh token and session of the user is revoked.
func (f *Flow) ResetPassword(ctx context.Context, token, newPassword string) error {
	if result := f.deps.Policy.Validate(newPassword); !result.Valid {
		f.metrics.RecordPasswordReset(stageReset, "weak_password")
		return auth.WeakPassword(result.ReasonCode)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		f.metrics.RecordPasswordReset(stageReset, "invalid_token")
		return auth.ErrInvalidOrExpiredResetToken
	}

	userID, err := f.deps.Cache.GetDel(ctx, ResetKey(token))
	if errors.Is(err, cache.ErrMiss) {
		f.metrics.RecordPasswordReset(stageReset, "invalid_token")
		return auth.ErrInvalidOrExpiredResetToken
	}
	if err != nil {
		return fmt.Errorf("failed to redeem reset token: %w", err)
	}

	hash, err := f.deps.Hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := f.deps.Identities.UpdatePasswordHash(ctx, userID, hash); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.ErrInvalidOrExpiredResetToken
		}
		return fmt.Errorf("failed to save password: %w", err)
	}

	if _, err := f.deps.Refresh.RevokeAll(ctx, userID); err != nil {
		return fmt.Errorf("password changed but revoking refresh tokens failed: %w", err)
	}
	if _, err := f.deps.Sessions.CloseAll(ctx, userID); err != nil {
		return fmt.Errorf("password changed but closing sessions failed: %w", err)
	}

	f.metrics.RecordPasswordReset(stageReset, "success")
	observability.FromContext(ctx, f.logger).WithField("user_id", userID).Info("password reset completed")
	return nil
}
