package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_UsesConfiguredTTL(t *testing.T) {
	ttl := 2 * time.Hour
	tm := NewTokenManager("test-secret", ttl)

	userID := uuid.New()
	start := time.Now()

	token, err := tm.GenerateToken(userID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)
	assert.Equal(t, userID, claims.UserID)

	expectedExpiry := start.Add(ttl)
	assert.WithinDuration(t, expectedExpiry, claims.ExpiresAt.Time, 2*time.Second)
}

func TestTokenManager_RejectsBadTokens(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	other, err := NewTokenManager("other-secret", time.Hour).GenerateToken(uuid.New())
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": other,
		"expired":      expired,
		"missing user": noUser,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tm.ValidateToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
