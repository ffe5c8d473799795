package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticKeyAuthenticator_KnownKey(t *testing.T) {
	a := NewStaticKeyAuthenticator(map[string]Identity{
		"key-1": {UserID: "u1", Plan: "pro"},
	})
	id, err := a.Authenticate(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
}

func TestStaticKeyAuthenticator_UnknownKey(t *testing.T) {
	a := NewStaticKeyAuthenticator(map[string]Identity{"key-1": {UserID: "u1"}})
	_, err := a.Authenticate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHMACAuthenticator_ValidToken(t *testing.T) {
	secret := "test-secret"
	claims := jwtClaims{
		Plan: "free",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	a := NewHMACAuthenticator(secret)
	id, err := a.Authenticate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "u42", id.UserID)
	assert.Equal(t, "free", id.Plan)
}

func TestHMACAuthenticator_ExpiredToken(t *testing.T) {
	secret := "test-secret"
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := tok.SignedString([]byte(secret))

	a := NewHMACAuthenticator(secret)
	_, err := a.Authenticate(context.Background(), signed)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHMACAuthenticator_WrongSecret(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"})
	signed, _ := tok.SignedString([]byte("secret-a"))

	a := NewHMACAuthenticator("secret-b")
	_, err := a.Authenticate(context.Background(), signed)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
