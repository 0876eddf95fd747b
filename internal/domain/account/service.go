package account

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/emr/internal/domain/auditevent"
	"github.com/ehr/emr/internal/domain/onetimetoken"
	"github.com/ehr/emr/internal/domain/session"
	"github.com/ehr/emr/internal/platform/auth"
	"github.com/ehr/emr/internal/platform/notification"
)

type auditor interface {
	Record(ctx context.Context, e auditevent.AuditEvent)
}

type mailer interface {
	SendTemplate(ctx context.Context, templateID, recipient string, data map[string]string) error
}

// TxFunc runs fn inside one transaction. Stores pick the transaction up from ctx.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Config holds the account-flow settings.
type Config struct {
	RequireVerifiedEmail bool
	VerifyEmailTTL       time.Duration
	ResetPasswordTTL     time.Duration
	AppBaseURL           string
}

// Deps are the collaborators of Service. Metrics, WithTx and Now are optional.
type Deps struct {
	Accounts Repository
	Sessions session.Store
	Revoker  *session.Service
	Tokens   onetimetoken.Store
	Issuer   *auth.TokenIssuer
	Hasher   *auth.PasswordHasher
	Audit    auditor
	Mail     mailer
	Metrics  *Metrics
	WithTx   TxFunc
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Service orchestrates the credential lifecycle: registration, login,
// refresh, logout, email verification, password reset and administration.
// Every transition is audited; audit never fails the operation.
type Service struct {
	accounts Repository
	sessions session.Store
	revoker  *session.Service
	tokens   onetimetoken.Store
	issuer   *auth.TokenIssuer
	hasher   *auth.PasswordHasher
	audit    auditor
	mail     mailer
	metrics  *Metrics
	withTx   TxFunc
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	withTx := d.WithTx
	if withTx == nil {
		withTx = func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		accounts: d.Accounts,
		sessions: d.Sessions,
		revoker:  d.Revoker,
		tokens:   d.Tokens,
		issuer:   d.Issuer,
		hasher:   d.Hasher,
		audit:    d.Audit,
		mail:     d.Mail,
		metrics:  d.Metrics,
		withTx:   withTx,
		cfg:      cfg,
		logger:   d.Logger,
		now:      now,
	}
}

// Register creates a self-service account, signs it in and mails a
// verification link.
func (s *Service) Register(ctx context.Context, req RegisterRequest, client session.ClientInfo) (*RegisterResponse, error) {
	role, err := req.Validate()
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	acct := &Account{
		Email:        req.Email,
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}
	var tokens *TokenResponse
	var verifySecret string
	err = s.withTx(ctx, func(ctx context.Context) error {
		if err := s.accounts.Create(ctx, acct); err != nil {
			return err
		}
		var err error
		if tokens, err = s.startSession(ctx, acct, client); err != nil {
			return err
		}
		verifySecret, err = s.tokens.Issue(ctx, acct.ID, onetimetoken.PurposeVerifyEmail, s.cfg.VerifyEmailTTL)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.sendLink(ctx, acct, notification.TemplateVerifyEmail, "/verify-email", verifySecret, s.cfg.VerifyEmailTTL)
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(acct.ID),
		Action:      auditevent.ActionRegister,
		Resource:    auditevent.ResourceAccount,
		ResourceID:  acct.ID.String(),
		Detail:      map[string]interface{}{"role": string(acct.Role), "session_id": tokens.SessionID.String()},
	})
	return &RegisterResponse{Principal: acct.Principal(), TokenResponse: *tokens}, nil
}

// Login checks credentials and opens a new session. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest, client session.ClientInfo) (*TokenResponse, error) {
	email := NormalizeEmail(req.Email)
	acct, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, auth.ErrAccountNotFound) {
		s.hasher.CompareDummy(req.Password)
		return nil, s.loginFailed(ctx, nil, auth.ErrInvalidCredentials, "unknown_email")
	}
	if err != nil {
		return nil, err
	}
	if !s.hasher.Compare(acct.PasswordHash, req.Password) {
		return nil, s.loginFailed(ctx, &acct.ID, auth.ErrInvalidCredentials, "wrong_password")
	}
	if !acct.Active {
		return nil, s.loginFailed(ctx, &acct.ID, auth.ErrAccountInactive, "inactive")
	}
	if s.cfg.RequireVerifiedEmail && !acct.EmailVerified {
		return nil, s.loginFailed(ctx, &acct.ID, auth.ErrAccountUnverified, "unverified")
	}

	tokens, err := s.startSession(ctx, acct, client)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.TouchLogin(ctx, acct.ID, s.now().UTC()); err != nil {
		s.logger.Warn().Err(err).Str("principal_id", acct.ID.String()).Msg("failed to record last login")
	}

	s.metrics.login("success")
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(acct.ID),
		Action:      auditevent.ActionLogin,
		Resource:    auditevent.ResourceSession,
		ResourceID:  tokens.SessionID.String(),
	})
	return tokens, nil
}

func (s *Service) loginFailed(ctx context.Context, principalID *uuid.UUID, err error, reason string) error {
	s.metrics.login(auth.Code(err))
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: principalID,
		Action:      auditevent.ActionLoginFailure,
		Resource:    auditevent.ResourceAccount,
		Detail:      map[string]interface{}{"reason": reason},
	})
	return err
}

// startSession pre-allocates the session id so the access token can carry it.
func (s *Service) startSession(ctx context.Context, acct *Account, client session.ClientInfo) (*TokenResponse, error) {
	sid := uuid.New()
	pair, err := s.issuer.Issue(acct.Principal(), sid)
	if err != nil {
		return nil, err
	}
	_, err = s.sessions.Create(ctx, session.NewSession{
		ID:          sid,
		PrincipalID: acct.ID,
		RefreshHash: auth.HashSecret(pair.RefreshToken),
		Client:      client,
		TTL:         s.issuer.RefreshTTL(),
	})
	if err != nil {
		return nil, err
	}
	return &TokenResponse{TokenPair: pair, SessionID: sid, ExpiresAt: pair.AccessExpiresAt}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// dead afterwards whether or not the caller receives the response.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	claims, err := s.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, s.refreshFailed(ctx, nil, err)
	}
	var claimed *uuid.UUID
	if id, perr := uuid.Parse(claims.Subject); perr == nil {
		claimed = &id
	}

	rot, err := s.sessions.Rotate(ctx, refreshToken, s.issuer.MintRefresh)
	if err != nil {
		return nil, s.refreshFailed(ctx, claimed, err)
	}

	acct, err := s.accounts.GetByID(ctx, rot.PrincipalID)
	if err != nil {
		return nil, s.refreshFailed(ctx, &rot.PrincipalID, err)
	}
	if !acct.Active {
		if err := s.sessions.Revoke(ctx, rot.SessionID); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
			s.logger.Error().Err(err).Str("session_id", rot.SessionID.String()).Msg("failed to revoke session of inactive account")
		}
		s.revoker.MarkRevoked(rot.SessionID)
		return nil, s.refreshFailed(ctx, &acct.ID, auth.ErrAccountInactive)
	}

	access, accessExp, err := s.issuer.MintAccess(acct.Principal(), rot.SessionID)
	if err != nil {
		return nil, err
	}

	s.metrics.refresh("success")
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(acct.ID),
		Action:      auditevent.ActionRefresh,
		Resource:    auditevent.ResourceSession,
		ResourceID:  rot.SessionID.String(),
	})
	return &TokenResponse{
		TokenPair: auth.TokenPair{
			AccessToken:      access,
			RefreshToken:     rot.RefreshToken,
			TokenType:        "Bearer",
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: rot.ExpiresAt,
		},
		SessionID: rot.SessionID,
		ExpiresAt: accessExp,
	}, nil
}

func (s *Service) refreshFailed(ctx context.Context, principalID *uuid.UUID, err error) error {
	code := auth.Code(err)
	s.metrics.refresh(code)
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: principalID,
		Action:      auditevent.ActionRefreshFailure,
		Resource:    auditevent.ResourceSession,
		Detail:      map[string]interface{}{"reason": code},
	})
	return err
}

// Logout ends the session owning refreshToken. Unknown or already-ended
// sessions are not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	sess, err := s.sessions.FindByRefreshSecret(ctx, refreshToken)
	if errors.Is(err, auth.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.revoker.Revoke(ctx, sess.PrincipalID, sess.ID, auditevent.ActionLogout)
	if errors.Is(err, auth.ErrSessionNotFound) {
		return nil
	}
	return err
}

// VerifyEmail redeems a verification token.
func (s *Service) VerifyEmail(ctx context.Context, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return auth.NewValidationError("token", "is required")
	}
	var id uuid.UUID
	err := s.withTx(ctx, func(ctx context.Context) error {
		var err error
		if id, err = s.tokens.Consume(ctx, secret, onetimetoken.PurposeVerifyEmail); err != nil {
			return err
		}
		return s.accounts.MarkEmailVerified(ctx, id)
	})
	if err != nil {
		return err
	}
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(id),
		Action:      auditevent.ActionEmailVerify,
		Resource:    auditevent.ResourceAccount,
		ResourceID:  id.String(),
	})
	return nil
}

// ResendVerification mails a fresh verification link, superseding any
// earlier one. The outcome is never revealed to the caller.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	acct, ok := s.lookupForMail(ctx, email)
	if !ok || acct.EmailVerified {
		return nil
	}
	secret, err := s.tokens.Issue(ctx, acct.ID, onetimetoken.PurposeVerifyEmail, s.cfg.VerifyEmailTTL)
	if err != nil {
		return err
	}
	s.sendLink(ctx, acct, notification.TemplateVerifyEmail, "/verify-email", secret, s.cfg.VerifyEmailTTL)
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(acct.ID),
		Action:      auditevent.ActionEmailVerificationSent,
		Resource:    auditevent.ResourceToken,
	})
	return nil
}

// ForgotPassword mails a reset link. The outcome is never revealed to the caller.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	acct, ok := s.lookupForMail(ctx, email)
	if !ok {
		return nil
	}
	secret, err := s.tokens.Issue(ctx, acct.ID, onetimetoken.PurposeResetPassword, s.cfg.ResetPasswordTTL)
	if err != nil {
		return err
	}
	s.sendLink(ctx, acct, notification.TemplatePasswordReset, "/reset-password", secret, s.cfg.ResetPasswordTTL)
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(acct.ID),
		Action:      auditevent.ActionPasswordResetRequest,
		Resource:    auditevent.ResourceToken,
	})
	return nil
}

func (s *Service) lookupForMail(ctx context.Context, email string) (*Account, bool) {
	acct, err := s.accounts.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if !errors.Is(err, auth.ErrAccountNotFound) {
			s.logger.Error().Err(err).Msg("account lookup failed")
		}
		return nil, false
	}
	return acct, acct.Active
}

// ResetPassword redeems a reset token, sets the new password and ends every
// session of the account.
func (s *Service) ResetPassword(ctx context.Context, secret, password string) error {
	if strings.TrimSpace(secret) == "" {
		return auth.NewValidationError("token", "is required")
	}
	if err := auth.ValidatePassword(password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	// The token stays redeemable unless the password change and the session
	// revocation both commit.
	var id uuid.UUID
	err = s.withTx(ctx, func(ctx context.Context) error {
		var err error
		if id, err = s.tokens.Consume(ctx, secret, onetimetoken.PurposeResetPassword); err != nil {
			return err
		}
		if err := s.accounts.UpdatePassword(ctx, id, hash, s.now().UTC()); err != nil {
			return err
		}
		_, err = s.revoker.RevokeAll(ctx, id, uuid.Nil, "password_reset")
		return err
	})
	if err != nil {
		return err
	}
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(id),
		Action:      auditevent.ActionPasswordReset,
		Resource:    auditevent.ResourceAccount,
		ResourceID:  id.String(),
	})
	return nil
}

// ChangePassword replaces the password after checking the current one. Every
// session except currentSession is ended.
func (s *Service) ChangePassword(ctx context.Context, principalID, currentSession uuid.UUID, current, next string) error {
	acct, err := s.accounts.GetByID(ctx, principalID)
	if err != nil {
		return err
	}
	if !s.hasher.Compare(acct.PasswordHash, current) {
		return auth.ErrInvalidCredentials
	}
	if err := auth.ValidatePassword(next); err != nil {
		return err
	}
	if next == current {
		return auth.NewValidationError("new_password", "must differ from the current password")
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(ctx context.Context) error {
		if err := s.accounts.UpdatePassword(ctx, principalID, hash, s.now().UTC()); err != nil {
			return err
		}
		_, err := s.revoker.RevokeAll(ctx, principalID, currentSession, "password_change")
		return err
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(principalID),
		Action:      auditevent.ActionPasswordChange,
		Resource:    auditevent.ResourceAccount,
		ResourceID:  principalID.String(),
	})
	if err := s.mail.SendTemplate(ctx, notification.TemplatePasswordChanged, acct.Email, map[string]string{
		"name": displayName(acct),
	}); err != nil {
		s.logger.Warn().Err(err).Str("principal_id", principalID.String()).Msg("password change notice not sent")
	}
	return nil
}

// Me returns the account of the authenticated principal.
func (s *Service) Me(ctx context.Context, principalID uuid.UUID) (*Account, error) {
	return s.accounts.GetByID(ctx, principalID)
}

// SetActive activates or deactivates an account. Deactivation ends every
// session. Administrators cannot deactivate themselves.
func (s *Service) SetActive(ctx context.Context, actor *auth.Principal, id uuid.UUID, active bool) error {
	if actor.ID == id && !active {
		return auth.NewValidationError("id", "cannot deactivate your own account")
	}
	if err := s.accounts.SetActive(ctx, id, active); err != nil {
		return err
	}
	action := auditevent.ActionAccountActivate
	if !active {
		action = auditevent.ActionAccountDeactivate
		if _, err := s.revoker.RevokeAll(ctx, id, uuid.Nil, "account_deactivated"); err != nil {
			return err
		}
	}
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(actor.ID),
		Action:      action,
		Resource:    auditevent.ResourceAccount,
		ResourceID:  id.String(),
	})
	return nil
}

// SetRole changes an account's role and ends its sessions, since the old
// role is embedded in every outstanding access token.
func (s *Service) SetRole(ctx context.Context, actor *auth.Principal, id uuid.UUID, roleName string) error {
	role, err := auth.ParseRole(roleName)
	if err != nil {
		return err
	}
	if actor.ID == id {
		return auth.NewValidationError("id", "cannot change your own role")
	}
	acct, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if acct.Role == role {
		return nil
	}
	if err := s.accounts.SetRole(ctx, id, role); err != nil {
		return err
	}
	if _, err := s.revoker.RevokeAll(ctx, id, uuid.Nil, "role_change"); err != nil {
		return err
	}
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(actor.ID),
		Action:      auditevent.ActionRoleChange,
		Resource:    auditevent.ResourceAccount,
		ResourceID:  id.String(),
		Detail:      map[string]interface{}{"from": string(acct.Role), "to": string(role)},
	})
	return nil
}

// PurgeExpired deletes expired sessions and one-time tokens.
func (s *Service) PurgeExpired(ctx context.Context) (sessions, tokens int64, err error) {
	if sessions, err = s.revoker.Purge(ctx); err != nil {
		return 0, 0, err
	}
	if tokens, err = s.tokens.PurgeExpired(ctx, s.now()); err != nil {
		return sessions, 0, err
	}
	return sessions, tokens, nil
}

// sendLink mails a one-time token link. Delivery failures are logged; the
// token stays valid and the caller can ask for another.
func (s *Service) sendLink(ctx context.Context, acct *Account, templateID, path, secret string, ttl time.Duration) {
	link := strings.TrimRight(s.cfg.AppBaseURL, "/") + path + "?token=" + url.QueryEscape(secret)
	err := s.mail.SendTemplate(ctx, templateID, acct.Email, map[string]string{
		"name":       displayName(acct),
		"link":       link,
		"expires_in": ttl.String(),
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("principal_id", acct.ID.String()).
			Str("template", templateID).
			Msg("failed to send email")
	}
}

func displayName(a *Account) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}
