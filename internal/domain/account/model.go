package account

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/emr/internal/platform/auth"
)

// Account is the persisted principal plus its credentials.
type Account struct {
	ID                uuid.UUID  `json:"id"`
	Email             string     `json:"email"`
	Username          string     `json:"username"`
	DisplayName       string     `json:"display_name"`
	PasswordHash      string     `json:"-"`
	Role              auth.Role  `json:"role"`
	Active            bool       `json:"active"`
	EmailVerified     bool       `json:"email_verified"`
	ProfileCompleted  bool       `json:"profile_completed"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	PasswordChangedAt time.Time  `json:"password_changed_at"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
}

// Principal returns the identity carried in tokens minted for a.
func (a *Account) Principal() auth.Principal {
	return auth.Principal{
		ID:               a.ID,
		Role:             a.Role,
		Username:         a.Username,
		Active:           a.Active,
		EmailVerified:    a.EmailVerified,
		ProfileCompleted: a.ProfileCompleted,
	}
}

// NormalizeEmail lower-cases and trims an address so lookups are case-insensitive.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,100}$`)

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

// Validate normalises the request in place and checks every field. Only
// self-registrable roles may be requested.
func (r *RegisterRequest) Validate() (auth.Role, error) {
	r.Email = NormalizeEmail(r.Email)
	r.Username = strings.TrimSpace(r.Username)
	r.DisplayName = strings.TrimSpace(r.DisplayName)

	if err := validateEmail(r.Email); err != nil {
		return "", err
	}
	if !usernamePattern.MatchString(r.Username) {
		return "", auth.NewValidationError("username", "must be 3-100 letters, digits, '.', '_' or '-'")
	}
	if utf8.RuneCountInString(r.DisplayName) > 200 {
		return "", auth.NewValidationError("display_name", "must be at most 200 characters")
	}
	if err := auth.ValidatePassword(r.Password); err != nil {
		return "", err
	}

	role := auth.RolePatient
	if r.Role != "" {
		var err error
		if role, err = auth.ParseRole(r.Role); err != nil {
			return "", err
		}
	}
	if !auth.SelfRegistrable(role) {
		return "", auth.NewValidationError("role", fmt.Sprintf("%s accounts are created by an administrator", role))
	}
	return role, nil
}

func validateEmail(email string) error {
	if email == "" {
		return auth.NewValidationError("email", "is required")
	}
	if len(email) > 320 {
		return auth.NewValidationError("email", "is too long")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return auth.NewValidationError("email", "is not a valid address")
	}
	return nil
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	auth.TokenPair
	SessionID uuid.UUID `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterResponse is returned by registration, which also signs the caller in.
type RegisterResponse struct {
	Principal auth.Principal `json:"principal"`
	TokenResponse
}
