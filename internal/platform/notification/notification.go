// Package notification renders and delivers account emails: verification links
// and password reset links. Delivery itself is an external collaborator reached
// through EmailSender.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Template ids used by the account flows.
const (
	TemplateVerifyEmail     = "verify-email"
	TemplatePasswordReset   = "password-reset"
	TemplatePasswordChanged = "password-changed"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable email template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateVerifyEmail,
			Name:    "Verify Email",
			Subject: "Confirm your email address",
			Body:    "Hello {{name}}, confirm your email address by opening {{link}}. The link expires in {{expires_in}}.",
		},
		{
			ID:      TemplatePasswordReset,
			Name:    "Password Reset",
			Subject: "Password Reset Request",
			Body:    "You requested a password reset. Open {{link}} to choose a new password. The link expires in {{expires_in}}.",
		},
		{
			ID:      TemplatePasswordChanged,
			Name:    "Password Changed",
			Subject: "Your password was changed",
			Body:    "Hello {{name}}, your password was changed and all other sessions were signed out.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Mailer
// ---------------------------------------------------------------------------

// Mailer renders a template and hands the result to an EmailSender.
type Mailer struct {
	sender    EmailSender
	templates *TemplateEngine
}

// NewMailer constructs a Mailer. A nil engine gets the built-in templates.
func NewMailer(sender EmailSender, tpl *TemplateEngine) *Mailer {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Mailer{sender: sender, templates: tpl}
}

// SendTemplate renders templateID with data and emails it to recipient.
func (m *Mailer) SendTemplate(ctx context.Context, templateID, recipient string, data map[string]string) error {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	if err := m.sender.SendEmail(ctx, recipient, subject, body); err != nil {
		return fmt.Errorf("send %s email: %w", templateID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// LogSender writes emails to the log instead of delivering them. Bodies carry
// live token links, so they are only logged when IncludeBody is set.
type LogSender struct {
	Logger      zerolog.Logger
	IncludeBody bool
}

// SendEmail logs the message.
func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	ev := s.Logger.Info().Str("to", to).Str("subject", subject)
	if s.IncludeBody {
		ev = ev.Str("body", body)
	}
	ev.Msg("email queued")
	return nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Last returns the most recent call, if any.
func (m *MockEmailSender) Last() (EmailCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return EmailCall{}, false
	}
	return m.calls[len(m.calls)-1], true
}
