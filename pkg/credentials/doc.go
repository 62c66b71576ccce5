// Package credentials provides the default PasswordHasher and PasswordPolicy.
//
// BcryptHasher is used for both login passwords and refresh token secrets.
// Tests should construct it with bcrypt.MinCost.
//
//	hasher := credentials.NewBcryptHasher(bcrypt.DefaultCost)
//	policy := credentials.NewPolicy(nil) // 8+ chars, one letter, one digit
package credentials
