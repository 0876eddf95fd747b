package onetimetoken

import (
	"time"

	"github.com/google/uuid"
)

// Purpose scopes a token to one flow. A token issued for one purpose never
// redeems for another.
type Purpose string

const (
	PurposeVerifyEmail   Purpose = "verify_email"
	PurposeResetPassword Purpose = "reset_password"
)

func (p Purpose) Valid() bool {
	return p == PurposeVerifyEmail || p == PurposeResetPassword
}

// Token is a stored one-time token. UsedAt moves from nil to a timestamp once.
type Token struct {
	ID          uuid.UUID
	Purpose     Purpose
	PrincipalID uuid.UUID
	TokenHash   string
	ExpiresAt   time.Time
	UsedAt      *time.Time
	CreatedAt   time.Time
}
