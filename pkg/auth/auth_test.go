package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"), time.Hour)

	token, err := svc.Generate(42, "teacher")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "teacher", claims.Role)
	assert.Equal(t, "campuschat", claims.Issuer)
}

func TestTokenExpired(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"), -time.Minute)

	token, err := svc.Generate(42, "teacher")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.Error(t, err)
}

func TestTokenWrongSecret(t *testing.T) {
	issuer := NewTokenService([]byte("secret-a"), time.Hour)
	verifier := NewTokenService([]byte("secret-b"), time.Hour)

	token, err := issuer.Generate(42, "student")
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.Error(t, err)
}

func TestTokenGarbage(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"), time.Hour)

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		_, err := svc.Validate(token)
		assert.Error(t, err, "token %q should not validate", token)
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("Correct.Horse.Battery.1")
	require.NoError(t, err)
	assert.True(t, len(hash) > 0)

	ok, err := ComparePassword("Correct.Horse.Battery.1", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ComparePassword("wrong-password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestComparePasswordBadHash(t *testing.T) {
	_, err := ComparePassword("anything", "not-a-hash")
	assert.Error(t, err)
}
