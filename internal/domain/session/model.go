package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is one login lineage. RefreshHash is the SHA-256 of the current
// refresh token; the token itself is never stored.
type Session struct {
	ID          uuid.UUID `json:"id"`
	PrincipalID uuid.UUID `json:"principal_id"`
	RefreshHash string    `json:"-"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ClientInfo is the originating client of a login.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// NewSession describes a session to create. ID may be pre-allocated so that
// an access token minted before the insert can carry it.
type NewSession struct {
	ID          uuid.UUID
	PrincipalID uuid.UUID
	RefreshHash string
	Client      ClientInfo
	TTL         time.Duration
}

// RefreshMinter produces the replacement refresh token during rotation.
// auth.TokenIssuer.MintRefresh satisfies it.
type RefreshMinter func(principalID uuid.UUID) (token string, expiresAt time.Time, err error)

// Rotation is the result of a successful rotation.
type Rotation struct {
	SessionID    uuid.UUID
	PrincipalID  uuid.UUID
	RefreshToken string
	ExpiresAt    time.Time
}
