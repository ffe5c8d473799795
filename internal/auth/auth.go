// Package auth defines the narrow boundary between the core and an
// identity system: an Authenticator interface the pipeline and HTTP
// shim depend on, plus two development-only implementations: a
// static-key one and an HS256 JWT one (HMACAuthenticator).
// Session verification, user management, and a production identity
// provider are explicitly out of scope — see SPEC_FULL.md §1.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no usable
// credential.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the minimal principal the core needs: who is making the
// request, for ledger and cache key scoping.
type Identity struct {
	UserID string
	Plan   string
}

// Authenticator resolves a bearer credential to an Identity. The core
// never verifies passwords, sessions, or tokens itself — it only ever
// calls this interface.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (Identity, error)
}

// StaticKeyAuthenticator maps a fixed set of API keys to identities.
// It exists for local wiring and tests only; a real deployment
// supplies its own Authenticator backed by the user-management system.
type StaticKeyAuthenticator struct {
	keys map[string]Identity
}

func NewStaticKeyAuthenticator(keys map[string]Identity) *StaticKeyAuthenticator {
	return &StaticKeyAuthenticator{keys: keys}
}

func (a *StaticKeyAuthenticator) Authenticate(ctx context.Context, bearerToken string) (Identity, error) {
	for key, id := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(bearerToken)) == 1 {
			return id, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}

// jwtClaims is the dev-token shape: subject and plan, nothing else.
type jwtClaims struct {
	Plan string `json:"plan"`
	jwt.RegisteredClaims
}

// HMACAuthenticator verifies locally-minted HS256 tokens against a
// shared secret. Like StaticKeyAuthenticator, it is development
// wiring: a real deployment verifies tokens issued by its identity
// provider, not a secret baked into this process's config.
type HMACAuthenticator struct {
	secret []byte
}

func NewHMACAuthenticator(secret string) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret)}
}

func (a *HMACAuthenticator) Authenticate(ctx context.Context, bearerToken string) (Identity, error) {
	var claims jwtClaims
	token, err := jwt.ParseWithClaims(bearerToken, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: claims.Subject, Plan: claims.Plan}, nil
}
