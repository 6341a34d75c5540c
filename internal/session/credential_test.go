package session

import (
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlehnert/themectl/internal/api"
)

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestCredentialFromLoginExplicitExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	cred := credentialFromLogin(&api.LoginResponse{
		AccessToken: "opaque-token",
		UserID:      "u1",
		Username:    "alice",
		ExpiresAt:   &exp,
	}, ModeBearer)

	assert.Equal(t, ModeBearer, cred.Mode)
	assert.Equal(t, "Bearer", cred.TokenType)
	assert.True(t, cred.ExpiresAt.Equal(exp))
}

func TestCredentialFromLoginJWTExpiryFallback(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	cred := credentialFromLogin(&api.LoginResponse{
		AccessToken: signedJWT(t, exp),
		UserID:      "u1",
	}, ModeBearer)

	assert.True(t, cred.ExpiresAt.Equal(exp),
		"expiry should come from the JWT exp claim, got %v want %v", cred.ExpiresAt, exp)
}

func TestCredentialFromLoginOpaqueTokenNoExpiry(t *testing.T) {
	cred := credentialFromLogin(&api.LoginResponse{
		AccessToken: "not-a-jwt",
		UserID:      "u1",
	}, ModeBearer)

	assert.True(t, cred.ExpiresAt.IsZero())
	assert.False(t, cred.Expired(time.Now().Add(100*365*24*time.Hour)))
}

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	cred := &Credential{ExpiresAt: now}

	assert.False(t, cred.Expired(now.Add(-time.Second)))
	assert.True(t, cred.Expired(now), "expiry instant counts as expired")
	assert.True(t, cred.Expired(now.Add(time.Second)))
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := newFileStore(dir)

	cred := &Credential{
		Mode:        ModeBearer,
		AccessToken: "tok",
		TokenType:   "Bearer",
		UserID:      "u1",
		Username:    "alice",
		CSRFToken:   "csrf",
	}
	require.NoError(t, s.Save(cred))

	loaded := s.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, cred, loaded)

	s.Clear()
	assert.Nil(t, s.Load())
}

func TestFileStoreCorruptFileTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	s := newFileStore(dir)
	require.NoError(t, s.Save(&Credential{Mode: ModeBearer, AccessToken: "tok"}))

	require.NoError(t, os.WriteFile(s.path, []byte("{not json"), 0600))
	assert.Nil(t, s.Load())
}
