package account

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ehr/emr/internal/domain/auditevent"
	"github.com/ehr/emr/internal/domain/onetimetoken"
	"github.com/ehr/emr/internal/domain/session"
	"github.com/ehr/emr/internal/platform/auth"
	"github.com/ehr/emr/internal/platform/notification"
)

const (
	week         = 7 * 24 * time.Hour
	goodPassword = "correct-horse-42"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []auditevent.AuditEvent
}

func (f *fakeAuditor) Record(_ context.Context, e auditevent.AuditEvent) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeAuditor) last(action auditevent.Action) (auditevent.AuditEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Action == action {
			return f.events[i], true
		}
	}
	return auditevent.AuditEvent{}, false
}

type harness struct {
	svc      *Service
	accounts Repository
	sessions session.Store
	tokens   onetimetoken.Store
	issuer   *auth.TokenIssuer
	hasher   *auth.PasswordHasher
	audit    *fakeAuditor
	mail     *notification.MockEmailSender
	revoked  *auth.SessionRevocationList
	metrics  *Metrics
	clock    *testClock
	deps     Deps
	cfg      Config
}

func newHarness(t *testing.T, requireVerified bool) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		accounts: NewMemoryRepo(clock.Now),
		sessions: session.NewMemoryStore(clock.Now),
		tokens:   onetimetoken.NewMemoryStore(clock.Now),
		issuer: auth.NewTokenIssuer(auth.TokenConfig{
			Issuer:        "emr-test",
			AccessSecret:  []byte("access-secret-for-unit-tests-0123456789"),
			RefreshSecret: []byte("refresh-secret-for-unit-tests-0123456789"),
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    week,
			Now:           clock.Now,
		}),
		hasher:  auth.NewPasswordHasher(bcrypt.MinCost),
		audit:   &fakeAuditor{},
		mail:    &notification.MockEmailSender{},
		revoked: auth.NewSessionRevocationList(),
		metrics: NewMetrics(prometheus.NewRegistry()),
		clock:   clock,
	}
	revoker := session.NewService(h.sessions, h.audit, h.revoked, 15*time.Minute, zerolog.Nop())
	h.deps = Deps{
		Accounts: h.accounts,
		Sessions: h.sessions,
		Revoker:  revoker,
		Tokens:   h.tokens,
		Issuer:   h.issuer,
		Hasher:   h.hasher,
		Audit:    h.audit,
		Mail:     notification.NewMailer(h.mail, nil),
		Metrics:  h.metrics,
		Logger:   zerolog.Nop(),
		Now:      clock.Now,
	}
	h.cfg = Config{
		RequireVerifiedEmail: requireVerified,
		VerifyEmailTTL:       24 * time.Hour,
		ResetPasswordTTL:     time.Hour,
		AppBaseURL:           "https://emr.example/",
	}
	h.svc = NewService(h.deps, h.cfg)
	return h
}

// rebuild replaces the service with one built from edited dependencies.
func (h *harness) rebuild(edit func(d *Deps)) {
	edit(&h.deps)
	h.svc = NewService(h.deps, h.cfg)
}

func (h *harness) createAccount(t *testing.T, email string, role auth.Role, verified, active bool) *Account {
	t.Helper()
	hash, err := h.hasher.Hash(goodPassword)
	if err != nil {
		t.Fatal(err)
	}
	a := &Account{
		Email:         email,
		Username:      "user-" + uuid.NewString()[:8],
		PasswordHash:  hash,
		Role:          role,
		Active:        active,
		EmailVerified: verified,
	}
	if err := h.accounts.Create(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func (h *harness) login(t *testing.T, email string) *TokenResponse {
	t.Helper()
	resp, err := h.svc.Login(context.Background(), LoginRequest{Email: email, Password: goodPassword}, session.ClientInfo{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return resp
}

var mailToken = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)

func tokenFromMail(t *testing.T, m *notification.MockEmailSender) string {
	t.Helper()
	call, ok := m.Last()
	if !ok {
		t.Fatal("expected an email")
	}
	match := mailToken.FindStringSubmatch(call.Body)
	if match == nil {
		t.Fatalf("no token link in email body %q", call.Body)
	}
	return match[1]
}

func TestLogin_RotateOnce_StaleRetryFails(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	acct := h.createAccount(t, "doc@example.test", auth.RoleDoctor, true, true)

	pair := h.login(t, "doc@example.test")
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}
	sess, err := h.sessions.Get(ctx, pair.SessionID)
	if err != nil {
		t.Fatalf("session row not created: %v", err)
	}
	if sess.PrincipalID != acct.ID {
		t.Errorf("session principal = %s, want %s", sess.PrincipalID, acct.ID)
	}
	if want := h.clock.Now().Add(week); !sess.ExpiresAt.Equal(want) {
		t.Errorf("session expires at %s, want %s", sess.ExpiresAt, want)
	}

	claims, err := h.issuer.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.SessionID != pair.SessionID.String() {
		t.Errorf("access token sid = %q, want %s", claims.SessionID, pair.SessionID)
	}

	h.clock.Advance(time.Hour)
	rotated, err := h.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if rotated.SessionID != pair.SessionID {
		t.Errorf("rotation must keep the session id")
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Error("rotation must issue a new refresh token")
	}

	if _, err := h.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("stale retry: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.svc.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("current token must still rotate: %v", err)
	}

	if got := testutil.ToFloat64(h.metrics.refreshes.WithLabelValues("success")); got != 2 {
		t.Errorf("refresh success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.refreshes.WithLabelValues("session_not_found")); got != 1 {
		t.Errorf("refresh failure count = %v, want 1", got)
	}
}

func TestRefresh_ExpiredToken(t *testing.T) {
	h := newHarness(t, true)
	h.createAccount(t, "doc@example.test", auth.RoleDoctor, true, true)
	pair := h.login(t, "doc@example.test")

	h.clock.Advance(week + time.Minute)
	if _, err := h.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	ev, ok := h.audit.last(auditevent.ActionRefreshFailure)
	if !ok {
		t.Fatal("expected refresh_failure audit event")
	}
	if ev.Detail["reason"] != "token_expired" {
		t.Errorf("reason = %v", ev.Detail["reason"])
	}
}

func TestRefresh_InactiveAccountEndsSession(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	acct := h.createAccount(t, "nurse@example.test", auth.RoleNurse, true, true)
	pair := h.login(t, "nurse@example.test")

	if err := h.accounts.SetActive(ctx, acct.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
	if _, err := h.sessions.Get(ctx, pair.SessionID); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Errorf("session must be ended, got %v", err)
	}
	if !h.revoked.IsRevoked(pair.SessionID) {
		t.Error("outstanding access tokens must be rejected")
	}
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name          string
		verified      bool
		active        bool
		email         string
		password      string
		want          error
		wantPrincipal bool
	}{
		{"unknown email", true, true, "nobody@example.test", goodPassword, auth.ErrInvalidCredentials, false},
		{"wrong password", true, true, "user@example.test", "wrong-password-1", auth.ErrInvalidCredentials, true},
		{"inactive", true, false, "user@example.test", goodPassword, auth.ErrAccountInactive, true},
		{"unverified", false, true, "user@example.test", goodPassword, auth.ErrAccountUnverified, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.createAccount(t, "user@example.test", auth.RolePatient, tt.verified, tt.active)

			_, err := h.svc.Login(context.Background(), LoginRequest{Email: tt.email, Password: tt.password}, session.ClientInfo{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			ev, ok := h.audit.last(auditevent.ActionLoginFailure)
			if !ok {
				t.Fatal("expected login_failure audit event")
			}
			if (ev.PrincipalID != nil) != tt.wantPrincipal {
				t.Errorf("principal present = %v, want %v", ev.PrincipalID != nil, tt.wantPrincipal)
			}
			if got := testutil.ToFloat64(h.metrics.logins.WithLabelValues(auth.Code(tt.want))); got != 1 {
				t.Errorf("login failure count = %v, want 1", got)
			}
		})
	}
}

func TestLogin_EmailIsCaseInsensitive(t *testing.T) {
	h := newHarness(t, true)
	h.createAccount(t, "mixed@example.test", auth.RolePatient, true, true)
	if _, err := h.svc.Login(context.Background(), LoginRequest{Email: "  MIXED@Example.test ", Password: goodPassword}, session.ClientInfo{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestLogin_UnverifiedAllowedWhenNotRequired(t *testing.T) {
	h := newHarness(t, false)
	acct := h.createAccount(t, "user@example.test", auth.RolePatient, false, true)
	h.login(t, "user@example.test")

	got, err := h.accounts.GetByID(context.Background(), acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(h.clock.Now()) {
		t.Errorf("last login not recorded: %v", got.LastLoginAt)
	}
}

func TestRegister_SignsInAndVerifiesEmail(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	resp, err := h.svc.Register(ctx, RegisterRequest{
		Email:       "New.Patient@Example.test",
		Password:    goodPassword,
		Username:    "new.patient",
		DisplayName: "New Patient",
	}, session.ClientInfo{IP: "10.0.0.9"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.Principal.Role != auth.RolePatient {
		t.Errorf("role = %s, want patient", resp.Principal.Role)
	}
	if resp.Principal.EmailVerified {
		t.Error("new account must start unverified")
	}
	if _, err := h.sessions.Get(ctx, resp.SessionID); err != nil {
		t.Errorf("registration must open a session: %v", err)
	}

	call, _ := h.mail.Last()
	if call.To != "new.patient@example.test" {
		t.Errorf("verification mailed to %q", call.To)
	}
	secret := tokenFromMail(t, h.mail)

	if err := h.svc.VerifyEmail(ctx, secret); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	acct, _ := h.accounts.GetByID(ctx, resp.Principal.ID)
	if !acct.EmailVerified {
		t.Error("account must be verified")
	}
	if err := h.svc.VerifyEmail(ctx, secret); !errors.Is(err, auth.ErrTokenAlreadyUsed) {
		t.Errorf("second verification: expected ErrTokenAlreadyUsed, got %v", err)
	}
	if _, ok := h.audit.last(auditevent.ActionEmailVerify); !ok {
		t.Error("expected email_verify audit event")
	}
}

func TestRegister_Rejects(t *testing.T) {
	valid := func() RegisterRequest {
		return RegisterRequest{Email: "p@example.test", Password: goodPassword, Username: "patient1"}
	}
	tests := []struct {
		name   string
		mutate func(*RegisterRequest)
		want   error
	}{
		{"bad email", func(r *RegisterRequest) { r.Email = "not-an-email" }, auth.ErrValidation},
		{"display-name email", func(r *RegisterRequest) { r.Email = "Pat <p@example.test>" }, auth.ErrValidation},
		{"short username", func(r *RegisterRequest) { r.Username = "ab" }, auth.ErrValidation},
		{"weak password", func(r *RegisterRequest) { r.Password = "password" }, auth.ErrValidation},
		{"unknown role", func(r *RegisterRequest) { r.Role = "superuser" }, auth.ErrValidation},
		{"staff role", func(r *RegisterRequest) { r.Role = "doctor" }, auth.ErrValidation},
		{"duplicate email", func(r *RegisterRequest) { r.Email = "TAKEN@example.test" }, auth.ErrDuplicateRegistration},
		{"duplicate username", func(r *RegisterRequest) { r.Username = "Taken" }, auth.ErrDuplicateRegistration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			if _, err := h.svc.Register(context.Background(), RegisterRequest{
				Email: "taken@example.test", Password: goodPassword, Username: "taken",
			}, session.ClientInfo{}); err != nil {
				t.Fatal(err)
			}
			req := valid()
			tt.mutate(&req)
			if _, err := h.svc.Register(context.Background(), req, session.ClientInfo{}); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRegister_ExternalRequester(t *testing.T) {
	h := newHarness(t, true)
	resp, err := h.svc.Register(context.Background(), RegisterRequest{
		Email: "insurer@example.test", Password: goodPassword, Username: "insurer", Role: "External_Requester",
	}, session.ClientInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Principal.Role != auth.RoleExternalRequester {
		t.Errorf("role = %s", resp.Principal.Role)
	}
}

func TestResendVerification_SupersedesEarlierLink(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if _, err := h.svc.Register(ctx, RegisterRequest{Email: "p@example.test", Password: goodPassword, Username: "patient1"}, session.ClientInfo{}); err != nil {
		t.Fatal(err)
	}
	first := tokenFromMail(t, h.mail)

	if err := h.svc.ResendVerification(ctx, "P@example.test"); err != nil {
		t.Fatal(err)
	}
	second := tokenFromMail(t, h.mail)
	if first == second {
		t.Fatal("resend must mail a fresh token")
	}
	if err := h.svc.VerifyEmail(ctx, first); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Errorf("superseded link: expected ErrTokenInvalid, got %v", err)
	}
	if err := h.svc.VerifyEmail(ctx, second); err != nil {
		t.Errorf("latest link: %v", err)
	}

	sent := len(h.mail.Calls())
	if err := h.svc.ResendVerification(ctx, "p@example.test"); err != nil {
		t.Fatal(err)
	}
	if len(h.mail.Calls()) != sent {
		t.Error("verified accounts must not receive another link")
	}
}

func TestForgotPassword_NoEnumeration(t *testing.T) {
	h := newHarness(t, true)
	if err := h.svc.ForgotPassword(context.Background(), "ghost@example.test"); err != nil {
		t.Fatalf("unknown email must not error, got %v", err)
	}
	if len(h.mail.Calls()) != 0 {
		t.Error("no email for unknown accounts")
	}
}

func TestResetPassword_RevokesAllSessions(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	acct := h.createAccount(t, "user@example.test", auth.RolePatient, true, true)
	s1 := h.login(t, "user@example.test")
	s2 := h.login(t, "user@example.test")

	if err := h.svc.ForgotPassword(ctx, "user@example.test"); err != nil {
		t.Fatal(err)
	}
	secret := tokenFromMail(t, h.mail)

	if err := h.svc.ResetPassword(ctx, secret, "short"); !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("weak password: expected ErrValidation, got %v", err)
	}
	if err := h.svc.ResetPassword(ctx, secret, "brand-new-pass-7"); err != nil {
		t.Fatalf("a rejected password must not burn the token: %v", err)
	}

	for _, sid := range []uuid.UUID{s1.SessionID, s2.SessionID} {
		if !h.revoked.IsRevoked(sid) {
			t.Errorf("session %s must be revoked", sid)
		}
	}
	if active, _ := h.sessions.ListActive(ctx, acct.ID); len(active) != 0 {
		t.Errorf("expected no sessions, got %d", len(active))
	}
	if _, err := h.svc.Refresh(ctx, s1.RefreshToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Errorf("old refresh token: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.svc.Login(ctx, LoginRequest{Email: "user@example.test", Password: "brand-new-pass-7"}, session.ClientInfo{}); err != nil {
		t.Errorf("login with new password: %v", err)
	}
	if err := h.svc.ResetPassword(ctx, secret, "another-pass-8"); !errors.Is(err, auth.ErrTokenAlreadyUsed) {
		t.Errorf("reused reset token: expected ErrTokenAlreadyUsed, got %v", err)
	}
}

func TestResetPassword_ExpiredToken(t *testing.T) {
	h := newHarness(t, true)
	h.createAccount(t, "user@example.test", auth.RolePatient, true, true)
	if err := h.svc.ForgotPassword(context.Background(), "user@example.test"); err != nil {
		t.Fatal(err)
	}
	secret := tokenFromMail(t, h.mail)
	h.clock.Advance(2 * time.Hour)
	if err := h.svc.ResetPassword(context.Background(), secret, "brand-new-pass-7"); !errors.Is(err, auth.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestChangePassword_KeepsCurrentSession(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	acct := h.createAccount(t, "user@example.test", auth.RolePatient, true, true)
	current := h.login(t, "user@example.test")
	other := h.login(t, "user@example.test")

	if err := h.svc.ChangePassword(ctx, acct.ID, current.SessionID, "wrong-password-1", "brand-new-pass-7"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong current password: expected ErrInvalidCredentials, got %v", err)
	}
	if err := h.svc.ChangePassword(ctx, acct.ID, current.SessionID, goodPassword, goodPassword); !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("unchanged password: expected ErrValidation, got %v", err)
	}
	if err := h.svc.ChangePassword(ctx, acct.ID, current.SessionID, goodPassword, "brand-new-pass-7"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := h.sessions.Get(ctx, current.SessionID); err != nil {
		t.Errorf("current session must survive: %v", err)
	}
	if _, err := h.sessions.Get(ctx, other.SessionID); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Errorf("other session must be revoked, got %v", err)
	}
	if call, _ := h.mail.Last(); call.Subject != "Your password was changed" {
		t.Errorf("expected change notice, got %q", call.Subject)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.createAccount(t, "user@example.test", auth.RolePatient, true, true)
	pair := h.login(t, "user@example.test")

	for i := 0; i < 2; i++ {
		if err := h.svc.Logout(ctx, pair.RefreshToken); err != nil {
			t.Fatalf("logout %d: %v", i, err)
		}
	}
	if !h.revoked.IsRevoked(pair.SessionID) {
		t.Error("access token of the ended session must be rejected")
	}
	if _, err := h.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after logout, got %v", err)
	}
	if _, ok := h.audit.last(auditevent.ActionLogout); !ok {
		t.Error("expected logout audit event")
	}
}

func TestSetActive(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	admin := h.createAccount(t, "admin@example.test", auth.RoleAdmin, true, true)
	user := h.createAccount(t, "user@example.test", auth.RoleNurse, true, true)
	pair := h.login(t, "user@example.test")
	actor := admin.Principal()

	if err := h.svc.SetActive(ctx, &actor, admin.ID, false); !errors.Is(err, auth.ErrValidation) {
		t.Errorf("self-deactivation: expected ErrValidation, got %v", err)
	}
	if err := h.svc.SetActive(ctx, &actor, uuid.New(), false); !errors.Is(err, auth.ErrAccountNotFound) {
		t.Errorf("unknown account: expected ErrAccountNotFound, got %v", err)
	}
	if err := h.svc.SetActive(ctx, &actor, user.ID, false); err != nil {
		t.Fatal(err)
	}
	if !h.revoked.IsRevoked(pair.SessionID) {
		t.Error("deactivation must revoke sessions")
	}
	if _, err := h.svc.Login(ctx, LoginRequest{Email: "user@example.test", Password: goodPassword}, session.ClientInfo{}); !errors.Is(err, auth.ErrAccountInactive) {
		t.Errorf("expected ErrAccountInactive, got %v", err)
	}

	if err := h.svc.SetActive(ctx, &actor, user.ID, true); err != nil {
		t.Fatal(err)
	}
	h.login(t, "user@example.test")
	ev, ok := h.audit.last(auditevent.ActionAccountActivate)
	if !ok || ev.ResourceID != user.ID.String() || *ev.PrincipalID != admin.ID {
		t.Errorf("unexpected activation audit: %+v", ev)
	}
}

func TestSetRole(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	admin := h.createAccount(t, "admin@example.test", auth.RoleAdmin, true, true)
	user := h.createAccount(t, "user@example.test", auth.RoleNurse, true, true)
	pair := h.login(t, "user@example.test")
	actor := admin.Principal()

	if err := h.svc.SetRole(ctx, &actor, user.ID, "wizard"); !errors.Is(err, auth.ErrValidation) {
		t.Errorf("unknown role: expected ErrValidation, got %v", err)
	}
	if err := h.svc.SetRole(ctx, &actor, admin.ID, "doctor"); !errors.Is(err, auth.ErrValidation) {
		t.Errorf("own role: expected ErrValidation, got %v", err)
	}
	if err := h.svc.SetRole(ctx, &actor, user.ID, "doctor"); err != nil {
		t.Fatal(err)
	}

	got, _ := h.accounts.GetByID(ctx, user.ID)
	if got.Role != auth.RoleDoctor {
		t.Errorf("role = %s, want doctor", got.Role)
	}
	if !h.revoked.IsRevoked(pair.SessionID) {
		t.Error("role change must revoke sessions carrying the old role")
	}
	ev, ok := h.audit.last(auditevent.ActionRoleChange)
	if !ok || ev.Detail["from"] != "nurse" || ev.Detail["to"] != "doctor" {
		t.Errorf("unexpected role_change audit: %+v", ev)
	}
}

func TestPurgeExpired(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.createAccount(t, "user@example.test", auth.RolePatient, true, true)
	h.login(t, "user@example.test")
	if err := h.svc.ForgotPassword(ctx, "user@example.test"); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(week + time.Hour)
	sessions, tokens, err := h.svc.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sessions != 1 || tokens != 1 {
		t.Errorf("purged %d sessions and %d tokens, want 1 and 1", sessions, tokens)
	}
}
