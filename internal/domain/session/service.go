package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/emr/internal/domain/auditevent"
	"github.com/ehr/emr/internal/platform/auth"
)

type auditor interface {
	Record(ctx context.Context, e auditevent.AuditEvent)
}

// Service ends sessions. Every path that deletes a session row also marks it
// on the revocation list so access tokens minted for it stop working before
// they expire.
type Service struct {
	store     Store
	audit     auditor
	revoked   *auth.SessionRevocationList
	accessTTL time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(store Store, audit auditor, revoked *auth.SessionRevocationList, accessTTL time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		audit:     audit,
		revoked:   revoked,
		accessTTL: accessTTL,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) List(ctx context.Context, principalID uuid.UUID) ([]*Session, error) {
	return s.store.ListActive(ctx, principalID)
}

// Revoke ends one session owned by principalID. Sessions owned by someone
// else are reported as not found.
func (s *Service) Revoke(ctx context.Context, principalID, sessionID uuid.UUID, action auditevent.Action) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.PrincipalID != principalID {
		return auth.ErrSessionNotFound
	}
	if err := s.store.Revoke(ctx, sessionID); err != nil {
		return err
	}
	s.markRevoked(sessionID)

	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(principalID),
		Action:      action,
		Resource:    auditevent.ResourceSession,
		ResourceID:  sessionID.String(),
	})
	return nil
}

// RevokeAll ends every session of principalID except keep and records why.
func (s *Service) RevokeAll(ctx context.Context, principalID, keep uuid.UUID, reason string) (int64, error) {
	ids, err := s.store.RevokeAll(ctx, principalID, keep)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.markRevoked(id)
	}
	n := int64(len(ids))

	s.logger.Info().
		Str("principal_id", principalID.String()).
		Int64("revoked", n).
		Str("reason", reason).
		Msg("sessions revoked")
	s.audit.Record(ctx, auditevent.AuditEvent{
		PrincipalID: auditevent.PrincipalRef(principalID),
		Action:      auditevent.ActionSessionRevokeAll,
		Resource:    auditevent.ResourceSession,
		Detail:      map[string]interface{}{"count": n, "reason": reason},
	})
	return n, nil
}

// MarkRevoked rejects access tokens bound to sessionID for one access TTL.
func (s *Service) MarkRevoked(sessionID uuid.UUID) {
	s.markRevoked(sessionID)
}

func (s *Service) markRevoked(sessionID uuid.UUID) {
	if s.revoked != nil {
		s.revoked.Revoke(sessionID, s.now().Add(s.accessTTL))
	}
}

// Purge deletes sessions that expired before now.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	return s.store.PurgeExpired(ctx, s.now())
}
