package identity

import (
	"context"

	"github.com/google/uuid"
)

type Kind string

const (
	KindUser      Kind = "user"
	KindAnonymous Kind = "anonymous"
)

// Identity is the subject usage is metered against: either an authenticated
// user row or an anonymous client IP, never both.
type Identity struct {
	Kind   Kind
	UserID uuid.UUID
	Email  string
	IP     string
	Admin  bool

	// Per-user overrides of the configured daily limits; nil means default.
	StandardLimit *int
	PremiumLimit  *int
}

// User builds an authenticated identity.
func User(id uuid.UUID, email string, admin bool) Identity {
	return Identity{Kind: KindUser, UserID: id, Email: email, Admin: admin}
}

// Anonymous builds an identity scoped to a client IP.
func Anonymous(ip string) Identity {
	return Identity{Kind: KindAnonymous, IP: ip}
}

// Key is the storage key of the identity's ledger.
func (i Identity) Key() string {
	if i.Kind == KindUser {
		return "user:" + i.UserID.String()
	}
	return "ip:" + i.IP
}

func (i Identity) IsAnonymous() bool {
	return i.Kind != KindUser
}

type contextKey string

const identityCtxKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey, id)
}

// FromContext returns the identity resolved for the request, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey).(Identity)
	return id, ok
}
