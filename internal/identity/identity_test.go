package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestUserID(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub": "u-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	id, err := UserID(token)
	require.NoError(t, err)
	assert.Equal(t, "u-123", id)
}

func TestUserID_NoSubject(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err := UserID(token)
	assert.Error(t, err)
}

func TestUserID_NotAJWT(t *testing.T) {
	_, err := UserID("opaque-session-token")
	assert.Error(t, err)
}
