package auditevent

import (
	"time"

	"github.com/google/uuid"
)

// Action tags a security-relevant transition.
type Action string

const (
	ActionRegister              Action = "register"
	ActionLogin                 Action = "login"
	ActionLoginFailure          Action = "login_failure"
	ActionRefresh               Action = "refresh"
	ActionRefreshFailure        Action = "refresh_failure"
	ActionLogout                Action = "logout"
	ActionSessionRevoke         Action = "session_revoke"
	ActionSessionRevokeAll      Action = "session_revoke_all"
	ActionPasswordChange        Action = "password_change"
	ActionPasswordResetRequest  Action = "password_reset_request"
	ActionPasswordReset         Action = "password_reset"
	ActionEmailVerificationSent Action = "email_verification_sent"
	ActionEmailVerify           Action = "email_verify"
	ActionAccountActivate       Action = "account_activate"
	ActionAccountDeactivate     Action = "account_deactivate"
	ActionRoleChange            Action = "role_change"
	ActionAccessDenied          Action = "access_denied"
)

// Resource types referenced by audit events.
const (
	ResourceAccount = "account"
	ResourceSession = "session"
	ResourceToken   = "one_time_token"
	ResourceRoute   = "route"
)

// AuditEvent is an append-only record. PrincipalID is nil for anonymous
// failures such as a login with an unknown email.
type AuditEvent struct {
	ID          uuid.UUID              `json:"id"`
	PrincipalID *uuid.UUID             `json:"principal_id,omitempty"`
	Action      Action                 `json:"action"`
	Resource    string                 `json:"resource,omitempty"`
	ResourceID  string                 `json:"resource_id,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	IP          string                 `json:"ip,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// PrincipalRef returns a pointer to id, or nil for uuid.Nil.
func PrincipalRef(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// SearchParams filters audit events. Zero values match everything.
type SearchParams struct {
	PrincipalID *uuid.UUID
	Action      Action
	Since       *time.Time
	Until       *time.Time
}

func (p SearchParams) matches(e *AuditEvent) bool {
	if p.PrincipalID != nil && (e.PrincipalID == nil || *e.PrincipalID != *p.PrincipalID) {
		return false
	}
	if p.Action != "" && e.Action != p.Action {
		return false
	}
	if p.Since != nil && e.CreatedAt.Before(*p.Since) {
		return false
	}
	if p.Until != nil && !e.CreatedAt.Before(*p.Until) {
		return false
	}
	return true
}
