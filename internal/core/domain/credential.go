package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the access/refresh token pair held by a CredentialStore.
// An empty string stands for "no token". The pair is always replaced or
// cleared as a whole.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsAuthenticated reports whether an access token is present
func (c Credential) IsAuthenticated() bool {
	return c.AccessToken != ""
}

// CanRefresh reports whether a refresh token is present
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// IsZero reports whether both slots are empty
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// AccessExpiry reads the "exp" claim of a JWT access token without
// verifying its signature. The second return value is false when the
// token is not a JWT or carries no expiry.
func (c Credential) AccessExpiry() (time.Time, bool) {
	if c.AccessToken == "" {
		return time.Time{}, false
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// AccessExpired reports whether the access token is a JWT whose expiry
// is before now. Opaque tokens are never reported as expired; the server
// decides with a 401.
func (c Credential) AccessExpired(now time.Time) bool {
	exp, ok := c.AccessExpiry()
	return ok && !now.Before(exp)
}

// Masked returns a display-safe form of a token
func Masked(token string) string {
	if token == "" {
		return "(none)"
	}
	if len(token) <= 10 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}
