package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// SecretLength is the number of random bytes in a refresh token secret (256 bits)
	SecretLength = 32
	// ResetTokenLength is the number of random bytes in a password reset token
	ResetTokenLength = 32
	// refreshSeparator splits the token id from the secret
	refreshSeparator = "."
)

// TokenGenerator generates and parses opaque tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateRefreshToken creates a new refresh token.
// Format: <uuid>.<base64url(32 random bytes)>
// The id is the row key; only the secret is hashed for storage.
func (tg *TokenGenerator) GenerateRefreshToken() (plaintext, id, secret string, err error) {
	secret, err = randomString(SecretLength)
	if err != nil {
		return "", "", "", err
	}

	id = uuid.NewString()
	return id + refreshSeparator + secret, id, secret, nil
}

// ParseRefreshToken splits a refresh token into its id and secret
func (tg *TokenGenerator) ParseRefreshToken(token string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(token), refreshSeparator)
	if !ok {
		return "", "", fmt.Errorf("token must contain %q", refreshSeparator)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", "", fmt.Errorf("invalid token id: %w", err)
	}
	if parsed.String() != id {
		return "", "", fmt.Errorf("token id is not in canonical form")
	}

	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		return "", "", fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) != SecretLength {
		return "", "", fmt.Errorf("token secret has %d bytes, want %d", len(raw), SecretLength)
	}

	return id, secret, nil
}

// GenerateResetToken creates a random password reset token
func (tg *TokenGenerator) GenerateResetToken() (string, error) {
	return randomString(ResetTokenLength)
}

// MaskToken returns a short prefix of a token for logs
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "****"
}

func randomString(n int) (string, error) {
	randomBytes := make([]byte, n)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
