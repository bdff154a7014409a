package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a write's capability token is
// missing, expired, or signed with the wrong key.
var ErrUnauthorized = errors.New("storage: unauthorized write")

// TokenIssuer signs and verifies the capability tokens attached to
// ingest requests before they become a StorageFile.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer returns an issuer signing HS256 tokens valid for ttl.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue mints a token scoping a write to tenant.
func (i *TokenIssuer) Issue(tenant string) (string, error) {
	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Tenant: tenant,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify validates a token and returns its claims.
func (i *TokenIssuer) Verify(tokenStr string) (AuthClaims, error) {
	var claims AuthClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("storage: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return AuthClaims{}, ErrUnauthorized
	}
	return claims, nil
}
