// Package accesstoken issues and verifies short-lived HS256 access tokens.
//
// Tokens carry sub, jti, iat, exp and iss plus the denormalized claims role,
// locale and tenant. Verification is stateless; callers needing revocation
// checks pair it with the session registry.
//
//	issuer, _ := accesstoken.NewIssuer(accesstoken.Config{Secret: key})
//	signed, tokenID, expiresAt, err := issuer.Issue(user.ID, auth.ClaimsFor(user))
//	claims, err := issuer.Verify(signed)
package accesstoken
