package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/observability"
)

// Defaults for the login lockout
const (
	DefaultWindow        = 15 * time.Minute
	DefaultThreshold     = 5
	DefaultRecordTimeout = 5 * time.Second
)

// Config defines the login lockout policy
type Config struct {
	// Window is the trailing period failures are counted in
	Window time.Duration
	// Threshold is the failure count that locks an identifier
	Threshold int
	// RecordTimeout bounds a detached attempt write
	RecordTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// DefaultConfig returns the default lockout policy
func DefaultConfig() Config {
	return Config{
		Window:        DefaultWindow,
		Threshold:     DefaultThreshold,
		RecordTimeout: DefaultRecordTimeout,
	}
}

// Decision is the verdict for one identifier
type Decision struct {
	Limited    bool
	Failures   int
	RetryAfter time.Duration
}

// Err returns the RateLimitExceeded error for a limited decision, nil otherwise
func (d Decision) Err() error {
	if !d.Limited {
		return nil
	}
	return auth.RateLimited(d.RetryAfter)
}

// Limiter counts recent login failures in the attempt ledger
type Limiter struct {
	ledger  auth.LoginAttemptStore
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewLimiter creates a limiter over the login attempt ledger. Zero config
// fields take their defaults.
func NewLimiter(ledger auth.LoginAttemptStore, config Config) *Limiter {
	defaults := DefaultConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = defaults.RecordTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Limiter{
		ledger:  ledger,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
}

// Normalize is the ledger key form of an identifier
func Normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Check counts failures for identifier inside the window
func (l *Limiter) Check(ctx context.Context, identifier string) (Decision, error) {
	now := l.now().UTC()
	since := now.Add(-l.config.Window)

	failures, err := l.ledger.RecentFailures(ctx, Normalize(identifier), since, l.config.Threshold)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count login failures: %w", err)
	}

	decision := Decision{Failures: len(failures)}
	if len(failures) < l.config.Threshold {
		return decision, nil
	}

	// failures are newest first; the oldest of the last threshold failures
	// is the one whose expiry unlocks the identifier
	oldest := failures[l.config.Threshold-1]
	decision.Limited = true
	decision.RetryAfter = oldest.Add(l.config.Window).Sub(now)
	if decision.RetryAfter < 0 {
		decision.RetryAfter = 0
	}
	return decision, nil
}

// IsRateLimited reports whether identifier is locked out
func (l *Limiter) IsRateLimited(ctx context.Context, identifier string) (bool, error) {
	decision, err := l.Check(ctx, identifier)
	if err != nil {
		return false, err
	}
	return decision.Limited, nil
}

// RecordAttempt appends one ledger row. The write is detached from ctx
// cancellation so an abandoned request is still counted. A failed write is
// logged and counted before it is returned.
func (l *Limiter) RecordAttempt(ctx context.Context, identifier, ipAddress string, success bool, failureReason string) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.RecordTimeout)
	defer cancel()

	if success {
		failureReason = ""
	}
	attempt := &auth.LoginAttempt{
		Identifier:    Normalize(identifier),
		IPAddress:     ipAddress,
		Success:       success,
		FailureReason: failureReason,
		AttemptedAt:   l.now().UTC(),
	}

	if err := l.ledger.RecordLoginAttempt(writeCtx, attempt); err != nil {
		l.metrics.RecordLedgerError()
		l.logger.WithError(err).WithFields(map[string]interface{}{
			"identifier": attempt.Identifier,
			"success":    success,
		}).Error("failed to record login attempt")
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// ClearLockout lifts a lockout by appending a marker; earlier failures stop counting
func (l *Limiter) ClearLockout(ctx context.Context, identifier string) error {
	if err := l.RecordAttempt(ctx, identifier, "", false, auth.ReasonLockoutCleared); err != nil {
		return err
	}
	l.logger.WithField("identifier", Normalize(identifier)).Info("login lockout cleared")
	return nil
}
