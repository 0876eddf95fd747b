package account

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/emr/internal/platform/auth"
)

// Repository persists accounts. Lookups that find nothing return
// auth.ErrAccountNotFound; Create returns auth.ErrDuplicateRegistration when
// the email or username is taken.
type Repository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string, at time.Time) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SetRole(ctx context.Context, id uuid.UUID, role auth.Role) error
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}
