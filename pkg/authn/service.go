package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/campusauth/pkg/accesstoken"
	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/observability"
	"github.com/platinummonkey/campusauth/pkg/passwordreset"
	"github.com/platinummonkey/campusauth/pkg/ratelimit"
	"github.com/platinummonkey/campusauth/pkg/refreshtoken"
	"github.com/platinummonkey/campusauth/pkg/sessions"
)

// DefaultRole is assigned when a registration names none
const DefaultRole = "student"

// tokenType is the OAuth token type returned to clients
const tokenType = "Bearer"

// timingParityPassword is hashed once at startup; unknown identifiers are
// compared against it so they cost the same as a wrong password
const timingParityPassword = "campusauth-timing-parity"

// Login results reported to metrics
const (
	resultSuccess  = "success"
	resultLimited  = "rate_limited"
	resultNotFound = auth.ReasonUnknownIdentifier
	resultDisabled = auth.ReasonAccountDisabled
	resultBadPass  = auth.ReasonBadPassword
	resultError    = "error"
)

// Dependencies are the components the service orchestrates
type Dependencies struct {
	Identities auth.IdentityStore
	Hasher     auth.PasswordHasher
	Policy     auth.PasswordPolicy
	Issuer     *accesstoken.Issuer
	Refresh    *refreshtoken.Manager
	Sessions   *sessions.Registry
	Limiter    *ratelimit.Limiter
	Resets     *passwordreset.Flow
}

// Config carries the ambient collaborators
type Config struct {
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	OTelMetrics *observability.OTelMetrics
	Tracer      trace.Tracer
	DefaultRole string
}

// Service is the entry point for every authentication operation
type Service struct {
	deps        Dependencies
	logger      *observability.Logger
	metrics     *observability.Metrics
	otel        *observability.OTelMetrics
	tracer      trace.Tracer
	defaultRole string
	dummyHash   string
}

// NewService wires the auth components together
func NewService(deps Dependencies, config Config) (*Service, error) {
	if deps.Identities == nil || deps.Hasher == nil || deps.Policy == nil {
		return nil, errors.New("authn: identities, hasher and policy are required")
	}
	if deps.Issuer == nil || deps.Refresh == nil || deps.Sessions == nil || deps.Limiter == nil || deps.Resets == nil {
		return nil, errors.New("authn: issuer, refresh manager, sessions, limiter and reset flow are required")
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if config.Tracer == nil {
		config.Tracer = observability.Tracer()
	}
	if config.DefaultRole == "" {
		config.DefaultRole = DefaultRole
	}

	dummyHash, err := deps.Hasher.Hash(timingParityPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare timing parity hash: %w", err)
	}

	return &Service{
		deps:        deps,
		logger:      config.Logger,
		metrics:     config.Metrics,
		otel:        config.OTelMetrics,
		tracer:      config.Tracer,
		defaultRole: config.DefaultRole,
		dummyHash:   dummyHash,
	}, nil
}

// Register creates an identity and signs it in
func (s *Service) Register(ctx context.Context, req RegisterRequest) (pair *auth.TokenPair, err error) {
	ctx, end := s.start(ctx, "register")
	defer func() { end(err) }()

	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	identifier := req.Email
	if identifier == "" {
		identifier = req.Phone
	}
	if identifier == "" {
		return nil, auth.ErrInvalidCredentials
	}

	if result := s.deps.Policy.Validate(req.Password); !result.Valid {
		return nil, auth.WeakPassword(result.ReasonCode)
	}

	decision, err := s.deps.Limiter.Check(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if decision.Limited {
		s.metrics.RecordRateLimited()
		return nil, decision.Err()
	}

	hash, err := s.deps.Hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := req.Role
	if role == "" {
		role = s.defaultRole
	}
	identity := &auth.Identity{
		TenantID:          req.TenantID,
		Email:             req.Email,
		Phone:             req.Phone,
		PasswordHash:      hash,
		Role:              role,
		PreferredLanguage: req.PreferredLanguage,
		Status:            auth.StatusActive,
	}
	if err := s.deps.Identities.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, auth.ErrIdentifierInUse) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	s.log(ctx).WithField("user_id", identity.ID).Info("identity registered")
	return s.issuePair(ctx, identity, req.Client)
}

// Login checks the lockout first, then the credentials. Every outcome is
// written to the attempt ledger.
func (s *Service) Login(ctx context.Context, req LoginRequest) (pair *auth.TokenPair, err error) {
	ctx, end := s.start(ctx, "login")
	defer func() { end(err) }()

	identifier := strings.TrimSpace(req.Identifier)
	ip := req.Client.IPAddress

	decision, err := s.deps.Limiter.Check(ctx, identifier)
	if err != nil {
		s.metrics.RecordLogin(resultError)
		return nil, err
	}
	if decision.Limited {
		s.metrics.RecordLogin(resultLimited)
		s.metrics.RecordRateLimited()
		s.recordAttempt(ctx, identifier, ip, false, auth.ReasonRateLimited)
		return nil, decision.Err()
	}

	identity, err := s.deps.Identities.FindIdentityByEmailOrPhone(ctx, identifier)
	if errors.Is(err, auth.ErrNotFound) {
		s.deps.Hasher.Matches(req.Password, s.dummyHash)
		return nil, s.loginFailed(ctx, identifier, ip, resultNotFound)
	}
	if err != nil {
		s.metrics.RecordLogin(resultError)
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}

	matches := s.deps.Hasher.Matches(req.Password, identity.PasswordHash)
	if !identity.IsActive() {
		return nil, s.loginFailed(ctx, identifier, ip, resultDisabled)
	}
	if !matches {
		return nil, s.loginFailed(ctx, identifier, ip, resultBadPass)
	}

	s.recordAttempt(ctx, identifier, ip, true, "")
	s.metrics.RecordLogin(resultSuccess)
	return s.issuePair(ctx, identity, req.Client)
}

func (s *Service) loginFailed(ctx context.Context, identifier, ip, reason string) error {
	s.recordAttempt(ctx, identifier, ip, false, reason)
	s.metrics.RecordLogin(reason)
	s.log(ctx).WithField("reason", reason).Info("login failed")
	return auth.ErrInvalidCredentials
}

// recordAttempt appends a ledger row. The limiter logs and counts a failed
// write; the login outcome does not depend on it.
func (s *Service) recordAttempt(ctx context.Context, identifier, ip string, success bool, reason string) {
	if err := s.deps.Limiter.RecordAttempt(ctx, identifier, ip, success, reason); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

// Refresh rotates a refresh token: the presented token is consumed and a new
// access token, refresh token and session are issued.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (pair *auth.TokenPair, err error) {
	ctx, end := s.start(ctx, "refresh")
	defer func() {
		s.metrics.RecordRefresh(resultLabel(err))
		end(err)
	}()

	token, err := s.deps.Refresh.Validate(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("auth.user_id", token.UserID))

	if err := s.deps.Refresh.MarkUsed(ctx, token.ID, token.UserID); err != nil {
		return nil, err
	}

	identity, err := s.deps.Identities.FindIdentityByID(ctx, token.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if !identity.IsActive() {
		return nil, auth.ErrInvalidCredentials
	}

	pair, err = s.issuePair(ctx, identity, req.Client)
	if err != nil {
		return nil, err
	}
	// a concurrent replay of the same token may have revoked the owner
	// before the replacement existed
	if err := s.deps.Refresh.ConfirmRotation(ctx, token.UserID, token.ID); err != nil {
		return nil, err
	}
	return pair, nil
}

// Logout closes the caller's session and revokes all of the user's refresh tokens
func (s *Service) Logout(ctx context.Context, accessToken string) (err error) {
	ctx, end := s.start(ctx, "logout")
	defer func() { end(err) }()

	claims, err := s.deps.Issuer.Verify(accessToken)
	if err != nil {
		return err
	}

	if err := s.deps.Sessions.Close(ctx, claims.TokenID); err != nil {
		return err
	}
	n, err := s.deps.Refresh.RevokeAll(ctx, claims.UserID)
	if err != nil {
		return err
	}
	s.otel.RecordRevocations(ctx, "logout", int64(n))
	return nil
}

// RequestPasswordReset starts the reset flow. The result never reveals
// whether the identifier exists.
func (s *Service) RequestPasswordReset(ctx context.Context, identifier string) (err error) {
	ctx, end := s.start(ctx, "request_password_reset")
	defer func() { end(err) }()

	err = s.deps.Resets.RequestReset(ctx, identifier)
	if errors.Is(err, auth.ErrUserNotFound) {
		return nil
	}
	return err
}

// ResetPassword redeems a reset token
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (err error) {
	ctx, end := s.start(ctx, "reset_password")
	defer func() { end(err) }()

	return s.deps.Resets.ResetPassword(ctx, token, newPassword)
}

// ChangePassword replaces the password of a signed-in user. The current
// session survives; every other session and every refresh token is revoked.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, currentAccessToken string) (err error) {
	ctx, end := s.start(ctx, "change_password")
	defer func() { end(err) }()

	claims, err := s.deps.Issuer.Verify(currentAccessToken)
	if err != nil {
		return err
	}
	if claims.UserID != userID {
		return auth.ErrInvalidToken
	}

	if result := s.deps.Policy.Validate(newPassword); !result.Valid {
		return auth.WeakPassword(result.ReasonCode)
	}

	identity, err := s.deps.Identities.FindIdentityByID(ctx, userID)
	if errors.Is(err, auth.ErrNotFound) {
		return auth.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if !s.deps.Hasher.Matches(currentPassword, identity.PasswordHash) {
		return auth.ErrInvalidCredentials
	}

	hash, err := s.deps.Hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.deps.Identities.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("failed to save password: %w", err)
	}

	revoked, err := s.deps.Refresh.RevokeAll(ctx, userID)
	if err != nil {
		return err
	}
	closed, err := s.deps.Sessions.CloseAllExcept(ctx, userID, claims.TokenID)
	if err != nil {
		return err
	}

	s.otel.RecordRevocations(ctx, "password_change", int64(revoked)+closed)
	s.log(ctx).WithField("user_id", userID).Info("password changed")
	return nil
}

// Authenticate verifies an access token and requires its session to still
// exist, so a logged-out token is rejected before it expires.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (claims *auth.Claims, err error) {
	ctx, end := s.start(ctx, "authenticate")
	defer func() { end(err) }()

	claims, err = s.deps.Issuer.Verify(accessToken)
	if err != nil {
		return nil, err
	}

	live, err := s.deps.Sessions.Touch(ctx, claims.TokenID)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, auth.ErrInvalidToken
	}
	return claims, nil
}

// ListSessions returns a user's active sessions
func (s *Service) ListSessions(ctx context.Context, userID string) (list []*auth.Session, err error) {
	ctx, end := s.start(ctx, "list_sessions")
	defer func() { end(err) }()

	return s.deps.Sessions.List(ctx, userID)
}

// RevokeSession signs one device out. It reports false if the session was
// not found for this user.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) (closed bool, err error) {
	ctx, end := s.start(ctx, "revoke_session")
	defer func() { end(err) }()

	return s.deps.Sessions.CloseSession(ctx, userID, sessionID)
}

// LogoutEverywhere revokes every refresh token and session of a user
func (s *Service) LogoutEverywhere(ctx context.Context, userID string) (rev Revocation, err error) {
	ctx, end := s.start(ctx, "logout_everywhere")
	defer func() { end(err) }()

	if rev.RefreshTokens, err = s.deps.Refresh.RevokeAll(ctx, userID); err != nil {
		return rev, err
	}
	if rev.Sessions, err = s.deps.Sessions.CloseAll(ctx, userID); err != nil {
		return rev, err
	}

	s.otel.RecordRevocations(ctx, "logout_everywhere", int64(rev.RefreshTokens)+rev.Sessions)
	s.log(ctx).WithFields(map[string]interface{}{
		"user_id":        userID,
		"refresh_tokens": rev.RefreshTokens,
		"sessions":       rev.Sessions,
	}).Warn("signed out everywhere")
	return rev, nil
}

// LogoutOtherDevices keeps the caller's session and, when given, the
// caller's current refresh token; everything else is revoked.
func (s *Service) LogoutOtherDevices(ctx context.Context, accessToken, currentRefreshToken string) (rev Revocation, err error) {
	ctx, end := s.start(ctx, "logout_other_devices")
	defer func() { end(err) }()

	claims, err := s.deps.Issuer.Verify(accessToken)
	if err != nil {
		return rev, err
	}

	if currentRefreshToken == "" {
		rev.RefreshTokens, err = s.deps.Refresh.RevokeAll(ctx, claims.UserID)
	} else {
		keepID, parseErr := s.deps.Refresh.TokenID(currentRefreshToken)
		if parseErr != nil {
			return rev, parseErr
		}
		rev.RefreshTokens, err = s.deps.Refresh.RevokeAllExcept(ctx, claims.UserID, keepID)
	}
	if err != nil {
		return rev, err
	}

	if rev.Sessions, err = s.deps.Sessions.CloseAllExcept(ctx, claims.UserID, claims.TokenID); err != nil {
		return rev, err
	}

	s.otel.RecordRevocations(ctx, "other_devices", int64(rev.RefreshTokens)+rev.Sessions)
	return rev, nil
}

// ClearLockout lifts a login lockout for identifier
func (s *Service) ClearLockout(ctx context.Context, identifier string) (err error) {
	ctx, end := s.start(ctx, "clear_lockout")
	defer func() { end(err) }()

	return s.deps.Limiter.ClearLockout(ctx, identifier)
}

func (s *Service) issuePair(ctx context.Context, identity *auth.Identity, client auth.ClientInfo) (*auth.TokenPair, error) {
	access, tokenID, expiresAt, err := s.deps.Issuer.Issue(identity.ID, auth.ClaimsFor(identity))
	if err != nil {
		return nil, err
	}

	if _, err := s.deps.Sessions.Open(ctx, identity.ID, tokenID, client, expiresAt); err != nil {
		return nil, err
	}

	refresh, _, err := s.deps.Refresh.Create(ctx, identity.ID, client)
	if err != nil {
		if closeErr := s.deps.Sessions.Close(context.WithoutCancel(ctx), tokenID); closeErr != nil {
			s.log(ctx).WithError(closeErr).WithField("user_id", identity.ID).Warn("failed to close session of unissued pair")
		}
		return nil, err
	}

	s.otel.RecordTokensIssued(ctx, "access")
	s.otel.RecordTokensIssued(ctx, "refresh")

	return &auth.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.deps.Issuer.TTL().Seconds()),
		TokenType:    tokenType,
	}, nil
}

// start opens a span for op. The returned func ends it and records the
// outcome on both metric pipelines.
func (s *Service) start(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "authn."+op, trace.WithSpanKind(trace.SpanKindInternal))
	began := time.Now()

	return ctx, func(err error) {
		elapsed := time.Since(began)
		code := errorCode(err)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.String("auth.result", resultLabel(err)))
		span.End()

		s.metrics.ObserveOperation(op, elapsed)
		s.otel.RecordOperation(ctx, op, code, elapsed)
	}
}

func (s *Service) log(ctx context.Context) *observability.Logger {
	return observability.FromContext(ctx, s.logger)
}

// errorCode is the auth code of err, "internal" for foreign errors, "" for nil
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if code := auth.CodeOf(err); code != "" {
		return string(code)
	}
	return "internal"
}

func resultLabel(err error) string {
	if err == nil {
		return resultSuccess
	}
	return errorCode(err)
}
