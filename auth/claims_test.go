package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/habedi/trackr/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestInspectToken_DecodesClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signTestToken(t, jwt.MapClaims{
		"sub":   "42",
		"name":  "Ada",
		"email": "ada@example.com",
		"role":  "MANAGER",
		"exp":   exp.Unix(),
	})

	claims, err := auth.InspectToken(token)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.Equal(t, "MANAGER", claims.Role)
	assert.True(t, claims.ExpiresAt.Equal(exp))
	assert.False(t, claims.Expired(time.Now()))
	assert.True(t, claims.Expired(exp.Add(time.Second)))
}

func TestInspectToken_ExpiredTokenStillDecodes(t *testing.T) {
	token := signTestToken(t, jwt.MapClaims{"sub": "7", "exp": time.Now().Add(-time.Hour).Unix()})

	claims, err := auth.InspectToken(token)
	require.NoError(t, err)
	assert.True(t, claims.Expired(time.Now()))
}

func TestInspectToken_NoExpiry(t *testing.T) {
	claims, err := auth.InspectToken(signTestToken(t, jwt.MapClaims{"sub": "7"}))
	require.NoError(t, err)
	assert.True(t, claims.ExpiresAt.IsZero())
	assert.False(t, claims.Expired(time.Now()))
}

func TestInspectToken_Invalid(t *testing.T) {
	for _, token := range []string{"", "opaque-token", "a.b.c"} {
		_, err := auth.InspectToken(token)
		assert.Error(t, err, "token %q", token)
	}
}
