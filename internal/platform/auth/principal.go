package auth

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	sessionIDKey contextKey = "session_id"
)

// Principal is the identity resolved from a valid access token.
type Principal struct {
	ID               uuid.UUID `json:"id"`
	Role             Role      `json:"role"`
	Username         string    `json:"username"`
	Active           bool      `json:"active"`
	EmailVerified    bool      `json:"email_verified"`
	ProfileCompleted bool      `json:"profile_completed"`
}

// WithPrincipal returns a context carrying p and the session it authenticated through.
func WithPrincipal(ctx context.Context, p *Principal, sessionID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// SessionIDFromContext returns the session id of the presented access token,
// or uuid.Nil when the request is unauthenticated.
func SessionIDFromContext(ctx context.Context) uuid.UUID {
	sid, _ := ctx.Value(sessionIDKey).(uuid.UUID)
	return sid
}

// UserIDFromContext returns the principal id as a string, or "" when unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return ""
	}
	return p.ID.String()
}
