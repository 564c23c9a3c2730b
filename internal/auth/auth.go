// Package auth validates externally-issued bearer JWTs and checks
// device-pairing secrets (§4.6 expansion). Token issuance and user CRUD
// are out of scope per spec.md §1 — this package only ever verifies,
// never mints, a credential. Grounded on the jwt.ParseWithClaims idiom
// from the pack's estuary-flow authn code, narrowed to the one claim
// (subject = user id) the Coordinator needs.
package auth

import (
	"crypto/rsa"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken is returned when a token fails signature, expiry, or
	// issuer verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the subset of registered JWT claims the Coordinator checks.
// The subject is the authenticated user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against a fixed RSA public key and
// issuer, so the Coordinator never holds a signing key of its own.
type Verifier struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// NewVerifier builds a Verifier. publicKeyPEM is the PEM-encoded RSA
// public key of the external identity provider.
func NewVerifier(publicKeyPEM []byte, issuer string) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Verifier{publicKey: key, issuer: issuer}, nil
}

// UserIDFromRequest extracts and verifies the bearer token on r and
// returns the claimed user id.
func (v *Verifier) UserIDFromRequest(r *http.Request) (string, error) {
	token, err := bearerToken(r)
	if err != nil {
		return "", err
	}
	return v.UserID(token)
}

// UserID verifies a raw bearer token string and returns its subject.
func (v *Verifier) UserID(rawToken string) (string, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidToken
		}
		return v.publicKey, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrMissingToken
	}
	return strings.TrimPrefix(header, prefix), nil
}

// HashDeviceSecret hashes a device-pairing secret for storage.
func HashDeviceSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckDeviceSecret reports whether secret matches the stored hash.
func CheckDeviceSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
