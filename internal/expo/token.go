package expo

import "strings"

const (
	tokenPrefix = "ExponentPushToken["
	tokenSuffix = "]"
)

// IsValidToken checks the gateway's token convention locally.
func IsValidToken(token string) bool {
	return len(token) > len(tokenPrefix)+len(tokenSuffix) &&
		strings.HasPrefix(token, tokenPrefix) &&
		strings.HasSuffix(token, tokenSuffix)
}

// MaskToken shortens a token for logs.
func MaskToken(token string) string {
	if len(token) <= 10 {
		return "***"
	}
	return token[:10] + "***" + token[len(token)-4:]
}
