package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestGenerateAndValidateToken(t *testing.T) {
	m := NewManager(testSecret, "oso-test", time.Hour)

	token, err := m.GenerateToken("webhook-bridge", ScopeIngest)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "webhook-bridge", claims.ClientID)
	assert.Equal(t, ScopeIngest, claims.Scope)
	assert.Equal(t, "oso-test", claims.Issuer)
	assert.Equal(t, "webhook-bridge", claims.Subject)
}

func TestValidateExpiredToken(t *testing.T) {
	m := NewManager(testSecret, "oso-test", -time.Minute)

	token, err := m.GenerateToken("client", ScopeObserve)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	m := NewManager(testSecret, "oso-test", time.Hour)
	other := NewManager("another-secret-that-is-long-enough!!", "oso-test", time.Hour)

	token, err := m.GenerateToken("client", ScopeIngest)
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateGarbageToken(t *testing.T) {
	m := NewManager(testSecret, "oso-test", time.Hour)

	_, err := m.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
