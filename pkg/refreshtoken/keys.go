package refreshtoken

import "fmt"

const keyspace = "refresh_token"

// MirrorKey is the cache key of a token's JSON mirror
func MirrorKey(userID, tokenID string) string {
	return fmt.Sprintf("refresh_token:%s:%s", userID, tokenID)
}

// OwnerKey points a token id at its user id
func OwnerKey(tokenID string) string {
	return fmt.Sprintf("refresh_token_owner:%s", tokenID)
}

func userMirrorPattern(userID string) string {
	return fmt.Sprintf("refresh_token:%s:*", userID)
}
