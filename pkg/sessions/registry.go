package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/observability"
)

// Close reasons reported to metrics
const (
	ReasonLogout     = "logout"
	ReasonRevokeAll  = "revoke_all"
	ReasonOthers     = "other_devices"
	ReasonDeviceKill = "device"
)

// Config configures a Registry
type Config struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// Registry records one session per issued access token
type Registry struct {
	store   auth.SessionStore
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRegistry creates a session registry over store
func NewRegistry(store auth.SessionStore, config Config) *Registry {
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Registry{
		store:   store,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
}

// Open records a session for a freshly issued access token
func (r *Registry) Open(ctx context.Context, userID, accessTokenID string, client auth.ClientInfo, expiresAt time.Time) (*auth.Session, error) {
	now := r.now().UTC()
	session := &auth.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		AccessTokenID:  accessTokenID,
		LastActivityAt: now,
		ExpiresAt:      expiresAt,
		IPAddress:      client.IPAddress,
		UserAgent:      client.UserAgent,
		CreatedAt:      now,
	}

	if err := r.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	r.metrics.RecordSessionOpened()
	return session, nil
}

// Close removes the session bound to an access token. Closing an unknown
// session is not an error.
func (r *Registry) Close(ctx context.Context, accessTokenID string) error {
	closed, err := r.store.DeleteSessionByAccessTokenID(ctx, accessTokenID)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if closed {
		r.metrics.RecordSessionsClosed(ReasonLogout, 1)
	}
	return nil
}

// CloseAll removes every session of a user and reports how many were closed
func (r *Registry) CloseAll(ctx context.Context, userID string) (int64, error) {
	n, err := r.store.DeleteSessionsByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to close sessions: %w", err)
	}

	r.metrics.RecordSessionsClosed(ReasonRevokeAll, n)
	r.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"closed":  n,
	}).Info("closed all sessions")
	return n, nil
}

// CloseAllExcept removes every session of a user but the one bound to accessTokenID
func (r *Registry) CloseAllExcept(ctx context.Context, userID, accessTokenID string) (int64, error) {
	n, err := r.store.DeleteSessionsByUserExcept(ctx, userID, accessTokenID)
	if err != nil {
		return 0, fmt.Errorf("failed to close other sessions: %w", err)
	}

	r.metrics.RecordSessionsClosed(ReasonOthers, n)
	return n, nil
}

// List returns a user's unexpired sessions, most recently active first
func (r *Registry) List(ctx context.Context, userID string) ([]*auth.Session, error) {
	sessions, err := r.store.ListSessions(ctx, userID, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// CloseSession removes one session by id. It reports false when the session
// does not exist or belongs to someone else.
func (r *Registry) CloseSession(ctx context.Context, userID, sessionID string) (bool, error) {
	closed, err := r.store.DeleteSession(ctx, userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}
	if closed {
		r.metrics.RecordSessionsClosed(ReasonDeviceKill, 1)
	}
	return closed, nil
}

// Touch bumps lastActivityAt. It reports false when no live session exists.
func (r *Registry) Touch(ctx context.Context, accessTokenID string) (bool, error) {
	ok, err := r.store.TouchSession(ctx, accessTokenID, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	return ok, nil
}
