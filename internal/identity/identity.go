// Package identity extracts the caller's identity from the session auth
// token. The token is parsed without verification: the backend owns
// signature checks, the client only needs the subject claim for join
// payloads.
package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// UserID returns the subject claim of the auth token.
func UserID(authToken string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(authToken, claims); err != nil {
		return "", fmt.Errorf("parsing auth token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("auth token has no subject claim")
	}
	return sub, nil
}
