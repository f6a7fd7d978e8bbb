package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessSecret  = "access-secret-32-chars-long!!!!!"
	testRefreshSecret = "refresh-secret-32-chars-long!!!!"
)

func newTestJWT() *JWTManager {
	return NewJWTManager(testAccessSecret, testRefreshSecret, 15*time.Minute, 7*24*time.Hour)
}

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	mgr := newTestJWT()

	t.Run("access token carries subject", func(t *testing.T) {
		pair, tokenID, err := mgr.GenerateTokenPair(Subject{UserID: "user-123", Email: "test@example.com", Admin: true})
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEmpty(t, pair.RefreshToken)
		assert.NotEmpty(t, tokenID)
		assert.Equal(t, int64(900), pair.ExpiresIn)

		claims, err := mgr.ValidateAccessToken(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "user-123", claims.UserID)
		assert.Equal(t, "test@example.com", claims.Email)
		assert.True(t, claims.Admin)
		assert.Equal(t, "contentguard", claims.Issuer)
	})

	t.Run("refresh token carries token id", func(t *testing.T) {
		pair, tokenID, err := mgr.GenerateTokenPair(Subject{UserID: "user-456"})
		require.NoError(t, err)

		claims, err := mgr.ValidateRefreshToken(pair.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "user-456", claims.UserID)
		assert.Equal(t, tokenID, claims.TokenID)
	})

	t.Run("garbage fails validation", func(t *testing.T) {
		_, err := mgr.ValidateAccessToken("invalid-token")
		assert.Error(t, err)
	})

	t.Run("access token is not a refresh token", func(t *testing.T) {
		pair, _, err := mgr.GenerateTokenPair(Subject{UserID: "user-789"})
		require.NoError(t, err)
		_, err = mgr.ValidateRefreshToken(pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("expired token fails", func(t *testing.T) {
		expired := NewJWTManager(testAccessSecret, testRefreshSecret, -time.Second, -time.Second)
		pair, _, err := expired.GenerateTokenPair(Subject{UserID: "user-exp"})
		require.NoError(t, err)

		_, err = expired.ValidateAccessToken(pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("foreign issuer is rejected", func(t *testing.T) {
		claims := AccessClaims{
			UserID: "user-1",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAccessSecret))
		require.NoError(t, err)

		_, err = mgr.ValidateAccessToken(token)
		assert.Error(t, err)
	})

	t.Run("none algorithm is rejected", func(t *testing.T) {
		claims := AccessClaims{
			UserID: "user-1",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = mgr.ValidateAccessToken(token)
		assert.Error(t, err)
	})
}
