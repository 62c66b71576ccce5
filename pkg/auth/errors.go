package auth

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies a class of authentication failure
type Code string

const (
	CodeInvalidCredentials         Code = "invalid_credentials"
	CodeRateLimitExceeded          Code = "rate_limit_exceeded"
	CodeInvalidToken               Code = "invalid_token"
	CodeInvalidSignature           Code = "invalid_signature"
	CodeTokenExpired               Code = "token_expired"
	CodeTokenReplayDetected        Code = "token_replay_detected"
	CodeUserNotFound               Code = "user_not_found"
	CodeWeakPassword               Code = "weak_password"
	CodeInvalidOrExpiredResetToken Code = "invalid_or_expired_reset_token"
	CodeIdentifierInUse            Code = "identifier_in_use"
)

// Error is the tagged error returned by every auth component.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrInvalidCredentials         = &Error{Code: CodeInvalidCredentials, Message: "invalid credentials"}
	ErrRateLimitExceeded          = &Error{Code: CodeRateLimitExceeded, Message: "too many failed login attempts"}
	ErrInvalidToken               = &Error{Code: CodeInvalidToken, Message: "invalid token"}
	ErrInvalidSignature           = &Error{Code: CodeInvalidSignature, Message: "invalid token signature"}
	ErrTokenExpired               = &Error{Code: CodeTokenExpired, Message: "token expired"}
	ErrTokenReplayDetected        = &Error{Code: CodeTokenReplayDetected, Message: "refresh token reuse detected"}
	ErrUserNotFound               = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrWeakPassword               = &Error{Code: CodeWeakPassword, Message: "password does not meet policy"}
	ErrInvalidOrExpiredResetToken = &Error{Code: CodeInvalidOrExpiredResetToken, Message: "invalid or expired reset token"}
	ErrIdentifierInUse            = &Error{Code: CodeIdentifierInUse, Message: "email or phone already registered"}
)

// ErrNotFound is returned by stores when a record does not exist
var ErrNotFound = errors.New("record not found")

// RateLimited returns a RateLimitExceeded error carrying a wait-time hint
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimitExceeded,
		Message:    ErrRateLimitExceeded.Message,
		RetryAfter: retryAfter,
	}
}

// WeakPassword returns a WeakPassword error carrying the policy reason
func WeakPassword(reason string) *Error {
	return &Error{
		Code:    CodeWeakPassword,
		Message: fmt.Sprintf("%s: %s", ErrWeakPassword.Message, reason),
	}
}

// ReplayDetected returns a TokenReplayDetected error.
// cause is set when revoking the user's credentials failed.
func ReplayDetected(cause error) *Error {
	return &Error{
		Code:    CodeTokenReplayDetected,
		Message: ErrTokenReplayDetected.Message,
		Err:     cause,
	}
}

// CodeOf returns the code of an auth error, or "" for other errors
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// PublicMessage returns the message safe to show to an end user.
// Everything except rate limiting, replay and password policy collapses
// into a generic message so accounts cannot be enumerated.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "invalid credentials"
	}

	switch e.Code {
	case CodeRateLimitExceeded:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("too many failed login attempts, try again in %s", roundUp(e.RetryAfter))
		}
		return "too many failed login attempts, try again later"
	case CodeTokenReplayDetected:
		return "your session was revoked for security reasons, please sign in again on all devices"
	case CodeWeakPassword:
		return e.Message
	default:
		return "invalid credentials"
	}
}

func roundUp(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}
