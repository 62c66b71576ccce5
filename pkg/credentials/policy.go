package credentials

import (
	"unicode"
	"unicode/utf8"

	"github.com/platinummonkey/campusauth/pkg/auth"
)

// MaxPasswordBytes is the longest input bcrypt accepts
const MaxPasswordBytes = 72

// Policy reason codes
const (
	ReasonTooShort      = "too_short"
	ReasonTooLong       = "too_long"
	ReasonMissingLetter = "missing_letter"
	ReasonMissingDigit  = "missing_digit"
	ReasonWhitespace    = "leading_or_trailing_whitespace"
)

// PolicyConfig defines password rules
type PolicyConfig struct {
	// MinLength is the minimum number of characters
	MinLength int
	// RequireLetter requires at least one letter
	RequireLetter bool
	// RequireDigit requires at least one digit
	RequireDigit bool
}

// DefaultPolicyConfig returns the default password rules
func DefaultPolicyConfig() *PolicyConfig {
	return &PolicyConfig{
		MinLength:     8,
		RequireLetter: true,
		RequireDigit:  true,
	}
}

// Policy validates passwords against a PolicyConfig
type Policy struct {
	config *PolicyConfig
}

// NewPolicy creates a password policy
func NewPolicy(config *PolicyConfig) *Policy {
	if config == nil {
		config = DefaultPolicyConfig()
	}
	return &Policy{config: config}
}

// Validate checks password against the configured rules.
// The first failing rule decides the reason code.
func (p *Policy) Validate(password string) auth.PolicyResult {
	if password == "" || utf8.RuneCountInString(password) < p.config.MinLength {
		return auth.PolicyResult{ReasonCode: ReasonTooShort}
	}
	if len(password) > MaxPasswordBytes {
		return auth.PolicyResult{ReasonCode: ReasonTooLong}
	}

	runes := []rune(password)
	if unicode.IsSpace(runes[0]) || unicode.IsSpace(runes[len(runes)-1]) {
		return auth.PolicyResult{ReasonCode: ReasonWhitespace}
	}

	var hasLetter, hasDigit bool
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}

	if p.config.RequireLetter && !hasLetter {
		return auth.PolicyResult{ReasonCode: ReasonMissingLetter}
	}
	if p.config.RequireDigit && !hasDigit {
		return auth.PolicyResult{ReasonCode: ReasonMissingDigit}
	}

	return auth.PolicyResult{Valid: true}
}
