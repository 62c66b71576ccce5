package auth

import "time"

// IdentityStatus represents whether an account may authenticate
type IdentityStatus string

const (
	StatusActive   IdentityStatus = "active"
	StatusDisabled IdentityStatus = "disabled"
)

// Identity is the credential record owned by user management.
// This module only reads it, except for PasswordHash.
type Identity struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id,omitempty"`
	Email             string         `json:"email,omitempty"`
	Phone             string         `json:"phone,omitempty"`
	PasswordHash      string         `json:"-"`
	Role              string         `json:"role"`
	PreferredLanguage string         `json:"preferred_language,omitempty"`
	Status            IdentityStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsActive reports whether the identity may log in
func (i *Identity) IsActive() bool {
	return i.Status == "" || i.Status == StatusActive
}

// Session is the bookkeeping record of one issued access token
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AccessTokenID  string    `json:"-"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RefreshToken is the durable record of an opaque refresh token.
// HasBeenUsed moves from false to true exactly once.
type RefreshToken struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	TokenHash   string     `json:"token_hash"`
	ExpiresAt   time.Time  `json:"expires_at"`
	HasBeenUsed bool       `json:"has_been_used"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	IPAddress   string     `json:"ip_address,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsExpired reports whether the token is past its expiry at the given time
func (rt *RefreshToken) IsExpired(now time.Time) bool {
	return rt.ExpiresAt.Before(now)
}

// LoginAttempt is an append-only ledger entry
type LoginAttempt struct {
	ID            int64     `json:"id"`
	Identifier    string    `json:"identifier"`
	IPAddress     string    `json:"ip_address,omitempty"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// Failure reasons recorded in the login attempt ledger
const (
	ReasonUnknownIdentifier = "unknown_identifier"
	ReasonBadPassword       = "bad_password"
	ReasonAccountDisabled   = "account_disabled"
	ReasonRateLimited       = "rate_limited"
	ReasonLockoutCleared    = "lockout_cleared"
)

// Claims are the identity claims carried by an access token
type Claims struct {
	UserID    string    `json:"sub"`
	TokenID   string    `json:"jti"`
	Role      string    `json:"role,omitempty"`
	Locale    string    `json:"locale,omitempty"`
	TenantID  string    `json:"tenant,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// ClaimsFor builds the denormalized claims for an identity
func ClaimsFor(identity *Identity) Claims {
	return Claims{
		UserID:   identity.ID,
		Role:     identity.Role,
		Locale:   identity.PreferredLanguage,
		TenantID: identity.TenantID,
	}
}

// TokenPair is returned by register, login and refresh
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// ClientInfo describes the device performing a request
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// PolicyResult is the verdict of a password policy
type PolicyResult struct {
	Valid      bool
	ReasonCode string
}
