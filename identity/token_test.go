package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuerRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	token, expiry, err := issuer.Issue("user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, time.Minute)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestIssuerRejectsForeignSecret(t *testing.T) {
	token, _, err := NewIssuer("one", time.Hour).Issue("user-1")
	require.NoError(t, err)

	_, err = NewIssuer("two", time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuerRejectsExpired(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, _, err := issuer.Issue("user-1")
	require.NoError(t, err)

	_, err = NewIssuer("test-secret", time.Minute).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuerRejectsGarbage(t *testing.T) {
	_, err := NewIssuer("test-secret", time.Minute).Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
