package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists sessions. Implementations must make Rotate an atomic
// read-check-write: of two concurrent rotations presenting the same token,
// exactly one succeeds and the other gets auth.ErrSessionNotFound.
type Store interface {
	Create(ctx context.Context, in NewSession) (uuid.UUID, error)
	// Rotate replaces the refresh token identified by oldToken with one from
	// mint and extends the expiry. Unknown tokens yield auth.ErrSessionNotFound,
	// expired sessions auth.ErrTokenExpired.
	Rotate(ctx context.Context, oldToken string, mint RefreshMinter) (*Rotation, error)
	// Revoke deletes one session; auth.ErrSessionNotFound if none matched.
	Revoke(ctx context.Context, id uuid.UUID) error
	// RevokeAll deletes every session of principalID except keep (uuid.Nil
	// keeps none) and returns the ids it deleted.
	RevokeAll(ctx context.Context, principalID, keep uuid.UUID) ([]uuid.UUID, error)
	FindByRefreshSecret(ctx context.Context, secret string) (*Session, error)
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	ListActive(ctx context.Context, principalID uuid.UUID) ([]*Session, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
