package accesstoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/platinummonkey/campusauth/pkg/auth"
)

const (
	// DefaultTTL is the lifetime of an access token
	DefaultTTL = 24 * time.Hour
	// DefaultIssuer is the iss claim written and required by default
	DefaultIssuer = "campusauth"
)

// Config configures an Issuer
type Config struct {
	// Secret is the HS256 signing key
	Secret []byte
	// Issuer is written to and required in the iss claim
	Issuer string
	// TTL is the access token lifetime
	TTL time.Duration
	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// Issuer signs and verifies access tokens. It never touches a store.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Role     string `json:"role,omitempty"`
	Locale   string `json:"locale,omitempty"`
	TenantID string `json:"tenant,omitempty"`
}

// NewIssuer creates an access token issuer
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("access token secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Issuer{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(cfg.Now),
		),
	}, nil
}

// TTL returns the configured access token lifetime
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs an access token for userID carrying claims.
// It returns the signed token, its jti and its expiry.
func (i *Issuer) Issue(userID string, claims auth.Claims) (string, string, time.Time, error) {
	if userID == "" {
		return "", "", time.Time{}, errors.New("user id is required")
	}

	now := i.now()
	tokenID := uuid.NewString()
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(i.ttl))

	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        tokenID,
			Issuer:    i.issuer,
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
		},
		Role:     claims.Role,
		Locale:   claims.Locale,
		TenantID: claims.TenantID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(i.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, tokenID, expiresAt.Time, nil
}

// Verify checks the signature, algorithm, issuer and expiry of token.
// It returns auth.ErrTokenExpired for an expired token and
// auth.ErrInvalidSignature for anything else that fails.
func (i *Issuer) Verify(token string) (*auth.Claims, error) {
	tc := &tokenClaims{}
	_, err := i.parser.ParseWithClaims(token, tc, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &auth.Error{Code: auth.CodeTokenExpired, Message: auth.ErrTokenExpired.Message, Err: err}
		}
		return nil, &auth.Error{Code: auth.CodeInvalidSignature, Message: auth.ErrInvalidSignature.Message, Err: err}
	}

	if tc.Subject == "" || tc.ID == "" {
		return nil, &auth.Error{Code: auth.CodeInvalidSignature, Message: "access token is missing sub or jti"}
	}

	claims := &auth.Claims{
		UserID:   tc.Subject,
		TokenID:  tc.ID,
		Role:     tc.Role,
		Locale:   tc.Locale,
		TenantID: tc.TenantID,
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}
