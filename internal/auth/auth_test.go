package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return key, pubPEM
}

func signToken(t *testing.T, key *rsa.PrivateKey, subject, issuer string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifier_UserID_ValidToken(t *testing.T) {
	key, pub := generateTestKeyPair(t)
	v, err := NewVerifier(pub, "coordinator")
	require.NoError(t, err)

	tok := signToken(t, key, "user-1", "coordinator", time.Hour)
	userID, err := v.UserID(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifier_UserID_ExpiredToken(t *testing.T) {
	key, pub := generateTestKeyPair(t)
	v, err := NewVerifier(pub, "coordinator")
	require.NoError(t, err)

	tok := signToken(t, key, "user-1", "coordinator", -time.Hour)
	_, err = v.UserID(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_UserID_WrongIssuer(t *testing.T) {
	key, pub := generateTestKeyPair(t)
	v, err := NewVerifier(pub, "coordinator")
	require.NoError(t, err)

	tok := signToken(t, key, "user-1", "someone-else", time.Hour)
	_, err = v.UserID(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_UserID_WrongKey(t *testing.T) {
	_, pub := generateTestKeyPair(t)
	otherKey, _ := generateTestKeyPair(t)
	v, err := NewVerifier(pub, "coordinator")
	require.NoError(t, err)

	tok := signToken(t, otherKey, "user-1", "coordinator", time.Hour)
	_, err = v.UserID(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_UserIDFromRequest_MissingHeader(t *testing.T) {
	_, pub := generateTestKeyPair(t)
	v, err := NewVerifier(pub, "coordinator")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	_, err = v.UserIDFromRequest(req)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifier_UserIDFromRequest_BearerHeader(t *testing.T) {
	key, pub := generateTestKeyPair(t)
	v, err := NewVerifier(pub, "coordinator")
	require.NoError(t, err)

	tok := signToken(t, key, "user-2", "coordinator", time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	userID, err := v.UserIDFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "user-2", userID)
}

func TestHashAndCheckDeviceSecret(t *testing.T) {
	hash, err := HashDeviceSecret("s3cret")
	require.NoError(t, err)
	assert.True(t, CheckDeviceSecret(hash, "s3cret"))
	assert.False(t, CheckDeviceSecret(hash, "wrong"))
}
