package onetimetoken

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store issues and redeems one-time tokens.
type Store interface {
	// Issue returns a fresh secret for principalID and purpose, superseding
	// any outstanding unused token for the same pair.
	Issue(ctx context.Context, principalID uuid.UUID, purpose Purpose, ttl time.Duration) (string, error)
	// Consume redeems secret at most once. Failures are auth.ErrTokenInvalid
	// (unknown, superseded or wrong purpose), auth.ErrTokenAlreadyUsed and
	// auth.ErrTokenExpired.
	Consume(ctx context.Context, secret string, purpose Purpose) (uuid.UUID, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
