package authn

import "github.com/platinummonkey/campusauth/pkg/auth"

// RegisterRequest creates an account. At least one of Email or Phone is required.
type RegisterRequest struct {
	Email             string
	Phone             string
	Password          string
	Role              string
	TenantID          string
	PreferredLanguage string
	Client            auth.ClientInfo
}

// LoginRequest authenticates with an email or phone number and a password
type LoginRequest struct {
	Identifier string
	Password   string
	Client     auth.ClientInfo
}

// RefreshRequest rotates a refresh token
type RefreshRequest struct {
	RefreshToken string
	Client       auth.ClientInfo
}

// Revocation reports what a bulk logout removed
type Revocation struct {
	RefreshTokens int
	Sessions      int64
}
