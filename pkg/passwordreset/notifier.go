package passwordreset

import (
	"context"

	"github.com/platinummonkey/campusauth/pkg/auth"
	"github.com/platinummonkey/campusauth/pkg/observability"
)

// LogNotifier logs a masked reset token instead of delivering it.
// Use it in development deployments that have no mail or SMS gateway.
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a notifier that writes to logger
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &LogNotifier{logger: logger}
}

// SendPasswordReset logs the delivery
func (n *LogNotifier) SendPasswordReset(ctx context.Context, identity *auth.Identity, token string) error {
	channel := "email"
	if identity.Email == "" {
		channel = "sms"
	}

	n.logger.WithFields(map[string]interface{}{
		"user_id": identity.ID,
		"channel": channel,
		"token":   auth.MaskToken(token),
	}).Info("password reset notification")
	return ctx.Err()
}
