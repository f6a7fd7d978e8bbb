package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/contentguard/contentguard/internal/users"
)

var ErrRefreshRevoked = errors.New("refresh token revoked")

// UserLookup loads the user a refresh token was issued to.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*users.User, error)
}

type Service struct {
	jwt   *JWTManager
	rdb   redis.UniversalClient
	users UserLookup
}

func NewService(jwt *JWTManager, rdb redis.UniversalClient, users UserLookup) *Service {
	return &Service{
		jwt:   jwt,
		rdb:   rdb,
		users: users,
	}
}

func refreshKey(userID, tokenID string) string {
	return "refresh:" + userID + ":" + tokenID
}

// GenerateTokens issues a token pair for user and records the refresh token.
func (s *Service) GenerateTokens(ctx context.Context, user *users.User) (*TokenPair, error) {
	sub := Subject{UserID: user.ID.String(), Email: user.Email, Admin: user.IsAdmin}
	pair, tokenID, err := s.jwt.GenerateTokenPair(sub)
	if err != nil {
		return nil, err
	}

	if err := s.rdb.Set(ctx, refreshKey(sub.UserID, tokenID), "1", s.jwt.RefreshExpiry()).Err(); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}
	return pair, nil
}

// RefreshTokens rotates a refresh token. The old token is consumed even if
// issuing the new pair fails.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	deleted, err := s.rdb.Del(ctx, refreshKey(claims.UserID, claims.TokenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("consuming refresh token: %w", err)
	}
	if deleted == 0 {
		return nil, ErrRefreshRevoked
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrInvalidClaims
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return nil, ErrRefreshRevoked
	}

	return s.GenerateTokens(ctx, user)
}

// Logout revokes every refresh token of userID.
func (s *Service) Logout(ctx context.Context, userID string) error {
	iter := s.rdb.Scan(ctx, 0, refreshKey(userID, "*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning refresh tokens: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return nil
}

func (s *Service) ValidateAccessToken(token string) (*AccessClaims, error) {
	return s.jwt.ValidateAccessToken(token)
}
