package credentials

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptHasher hashes passwords and refresh token secrets with bcrypt
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a hasher with the given cost.
// A cost outside bcrypt's accepted range falls back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Cost returns the configured work factor
func (h *BcryptHasher) Cost() int {
	return h.cost
}

// Hash returns the bcrypt digest of plaintext
func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("plaintext exceeds %d bytes: %w", MaxPasswordBytes, err)
		}
		return "", fmt.Errorf("failed to hash: %w", err)
	}
	return string(digest), nil
}

// Matches reports whether plaintext hashes to digest.
// A malformed digest never matches.
func (h *BcryptHasher) Matches(plaintext, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}
