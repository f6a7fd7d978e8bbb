package identity

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/contentguard/contentguard/internal/api"
	"github.com/contentguard/contentguard/internal/auth"
	mw "github.com/contentguard/contentguard/internal/middleware"
	"github.com/contentguard/contentguard/internal/users"
)

// TokenValidator validates bearer access tokens.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.AccessClaims, error)
}

// UserLoader loads user rows by id.
type UserLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*users.User, error)
}

// Middleware resolves exactly one Identity per request. A valid bearer token
// resolves to its user row; no Authorization header resolves to the client
// IP. A malformed or expired token is rejected rather than downgraded.
func Middleware(tokens TokenValidator, loader UserLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				id := Anonymous(mw.ClientIP(r))
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}

			token, ok := auth.BearerToken(r)
			if !ok {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := tokens.ValidateAccessToken(token)
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			userID, err := uuid.Parse(claims.UserID)
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			user, err := loader.GetByID(r.Context(), userID)
			if err != nil {
				slog.Error("loading user for identity", "error", err, "user_id", userID)
				api.HandleError(w, api.ErrInternalServer)
				return
			}
			if user == nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			id := User(user.ID, user.Email, user.IsAdmin)
			id.IP = mw.ClientIP(r)
			id.StandardLimit = user.DailyLimit
			id.PremiumLimit = user.PremiumDailyLimit

			ctx := auth.WithUserClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
		})
	}
}

// RequireAdmin rejects requests whose identity is not an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || id.IsAnonymous() {
			api.HandleError(w, api.ErrUnauthorized)
			return
		}
		if !id.Admin {
			api.HandleError(w, api.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
