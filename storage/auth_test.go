package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenIssuerRoundTrip(t *testing.T) {
	iss := NewTokenIssuer([]byte("secret"), time.Minute)
	tok, err := iss.Issue("tenant-a")
	require.NoError(t, err)

	claims, err := iss.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "tenant-a", claims.Tenant)
}

func TestTokenIssuerRejectsExpired(t *testing.T) {
	iss := NewTokenIssuer([]byte("secret"), -time.Minute)
	tok, err := iss.Issue("tenant-a")
	require.NoError(t, err)

	_, err = iss.Verify(tok)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenIssuerRejectsWrongSecret(t *testing.T) {
	iss := NewTokenIssuer([]byte("secret"), time.Minute)
	tok, err := iss.Issue("tenant-a")
	require.NoError(t, err)

	other := NewTokenIssuer([]byte("different"), time.Minute)
	_, err = other.Verify(tok)
	require.ErrorIs(t, err, ErrUnauthorized)
}
