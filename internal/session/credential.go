// Package session owns the authentication credential lifecycle: storage,
// proactive refresh, bounded retries, periodic server verification and
// expiration handling. Everything else reaches the network through its
// Transport, which injects bearer and CSRF headers.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mlehnert/themectl/internal/api"
)

// Mode distinguishes the two authentication schemes. At most one mode is
// authoritative at a time, though both may have cached metadata.
type Mode string

const (
	// ModeBearer holds an opaque access token sent via Authorization header.
	ModeBearer Mode = "bearer"
	// ModeCookie relies on the server's session cookie; the client only
	// tracks CSRF token and user metadata.
	ModeCookie Mode = "cookie"
)

// Credential is the client's belief about its authentication state.
type Credential struct {
	Mode        Mode      `json:"mode"`
	AccessToken string    `json:"access_token,omitempty"`
	TokenType   string    `json:"token_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"` // zero means no known expiry
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	CSRFToken   string    `json:"csrf_token,omitempty"`
}

// Expired reports whether the credential's expiry has passed.
// Credentials without a known expiry never expire locally.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// credentialFromLogin builds a Credential from a login/refresh response.
// When the response carries no expiry but the access token is a JWT, the
// exp claim is used instead.
func credentialFromLogin(resp *api.LoginResponse, mode Mode) *Credential {
	cred := &Credential{
		Mode:        mode,
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		UserID:      resp.UserID,
		Username:    resp.Username,
		CSRFToken:   resp.CSRFToken,
	}
	if cred.TokenType == "" && cred.AccessToken != "" {
		cred.TokenType = "Bearer"
	}
	if resp.ExpiresAt != nil {
		cred.ExpiresAt = *resp.ExpiresAt
	} else if exp, ok := jwtExpiry(resp.AccessToken); ok {
		cred.ExpiresAt = exp
	}
	return cred
}

// jwtExpiry extracts the exp claim from a JWT access token without
// verifying the signature (the server remains the authority; the claim is
// only used to schedule the proactive refresh).
func jwtExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
