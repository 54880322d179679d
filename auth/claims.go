package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the user information carried in an access token.
type Claims struct {
	Subject   string
	Name      string
	Email     string
	Role      string
	ExpiresAt time.Time // zero when the token has no exp claim
}

// Expired reports whether the token's expiry is at or before now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type accessClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// InspectToken decodes the claims of a JWT access token without verifying its
// signature. The client cannot verify it and only uses the claims for display;
// the server remains the authority on validity.
func InspectToken(token string) (Claims, error) {
	if token == "" {
		return Claims{}, fmt.Errorf("empty token")
	}

	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("failed to decode access token: %w", err)
	}

	out := Claims{
		Subject: claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
		Role:    claims.Role,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
