package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentguard/contentguard/internal/auth"
	"github.com/contentguard/contentguard/internal/users"
)

type stubTokens map[string]*auth.AccessClaims

func (s stubTokens) ValidateAccessToken(token string) (*auth.AccessClaims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

type stubLoader struct {
	users map[uuid.UUID]*users.User
	err   error
}

func (s stubLoader) GetByID(_ context.Context, id uuid.UUID) (*users.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.users[id], nil
}

func resolve(t *testing.T, tokens TokenValidator, loader UserLoader, req *http.Request) (*httptest.ResponseRecorder, Identity, bool) {
	t.Helper()
	var got Identity
	var ok bool
	h := Middleware(tokens, loader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got, ok
}

func TestMiddleware_AnonymousByIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.RemoteAddr = "192.0.2.10:4321"

	rec, id, ok := resolve(t, stubTokens{}, stubLoader{}, req)
	require.True(t, ok)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, id.IsAnonymous())
	assert.Equal(t, "ip:192.0.2.10", id.Key())
	assert.Equal(t, uuid.Nil, id.UserID)
}

func TestMiddleware_AuthenticatedUser(t *testing.T) {
	limit := 500
	user := &users.User{ID: uuid.New(), Email: "a@example.com", DailyLimit: &limit}
	tokens := stubTokens{"good": {UserID: user.ID.String(), Email: user.Email}}
	loader := stubLoader{users: map[uuid.UUID]*users.User{user.ID: user}}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	req.Header.Set("Authorization", "Bearer good")

	rec, id, ok := resolve(t, tokens, loader, req)
	require.True(t, ok)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, id.IsAnonymous())
	assert.Equal(t, "user:"+user.ID.String(), id.Key())
	assert.Equal(t, "192.0.2.10", id.IP)
	require.NotNil(t, id.StandardLimit)
	assert.Equal(t, 500, *id.StandardLimit)
	assert.Nil(t, id.PremiumLimit)
}

func TestMiddleware_AdminComesFromUserRow(t *testing.T) {
	user := &users.User{ID: uuid.New(), Email: "root@example.com", IsAdmin: true}
	// The token claims no admin flag; the user row is authoritative.
	tokens := stubTokens{"t": {UserID: user.ID.String()}}
	loader := stubLoader{users: map[uuid.UUID]*users.User{user.ID: user}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer t")

	_, id, ok := resolve(t, tokens, loader, req)
	require.True(t, ok)
	assert.True(t, id.Admin)
}

func TestMiddleware_Rejections(t *testing.T) {
	known := uuid.New()
	tokens := stubTokens{
		"deleted":  {UserID: uuid.NewString()},
		"bad-uuid": {UserID: "not-a-uuid"},
		"boom":     {UserID: known.String()},
	}

	tests := []struct {
		name   string
		header string
		loader stubLoader
		want   int
	}{
		{"wrong scheme", "Token abc", stubLoader{}, http.StatusUnauthorized},
		{"invalid token", "Bearer nope", stubLoader{}, http.StatusUnauthorized},
		{"unknown user", "Bearer deleted", stubLoader{}, http.StatusUnauthorized},
		{"malformed subject", "Bearer bad-uuid", stubLoader{}, http.StatusUnauthorized},
		{"loader failure", "Bearer boom", stubLoader{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)

			rec, _, ok := resolve(t, tokens, tt.loader, req)
			assert.False(t, ok, "handler must not run")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name string
		id   *Identity
		want int
	}{
		{"no identity", nil, http.StatusUnauthorized},
		{"anonymous", ptr(Anonymous("192.0.2.1")), http.StatusUnauthorized},
		{"regular user", ptr(User(uuid.New(), "u@example.com", false)), http.StatusForbidden},
		{"admin", ptr(User(uuid.New(), "a@example.com", true)), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.id != nil {
				req = req.WithContext(WithIdentity(req.Context(), *tt.id))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func ptr(id Identity) *Identity { return &id }
