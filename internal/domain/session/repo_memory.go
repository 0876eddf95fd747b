package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/emr/internal/platform/auth"
)

type storeMemory struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Session
	byHash map[string]uuid.UUID
	now    func() time.Time
}

// NewMemoryStore returns a mutex-guarded Store. The mutex gives Rotate the
// same consume-once behaviour as the row lock in the Postgres store.
func NewMemoryStore(now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &storeMemory{
		byID:   make(map[uuid.UUID]*Session),
		byHash: make(map[string]uuid.UUID),
		now:    now,
	}
}

func (s *storeMemory) Create(_ context.Context, in NewSession) (uuid.UUID, error) {
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; ok {
		return uuid.Nil, fmt.Errorf("create session: duplicate id %s", id)
	}
	if _, ok := s.byHash[in.RefreshHash]; ok {
		return uuid.Nil, fmt.Errorf("create session: duplicate refresh hash")
	}
	s.byID[id] = &Session{
		ID:          id,
		PrincipalID: in.PrincipalID,
		RefreshHash: in.RefreshHash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(in.TTL),
		LastUsedAt:  now,
		IP:          in.Client.IP,
		UserAgent:   in.Client.UserAgent,
	}
	s.byHash[in.RefreshHash] = id
	return id, nil
}

func (s *storeMemory) Rotate(_ context.Context, oldToken string, mint RefreshMinter) (*Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[auth.HashSecret(oldToken)]
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	sess := s.byID[id]
	now := s.now().UTC()
	if sess.Expired(now) {
		return nil, auth.ErrTokenExpired
	}

	token, expiresAt, err := mint(sess.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	delete(s.byHash, sess.RefreshHash)
	sess.RefreshHash = auth.HashSecret(token)
	sess.ExpiresAt = expiresAt
	sess.LastUsedAt = now
	s.byHash[sess.RefreshHash] = id

	return &Rotation{SessionID: id, PrincipalID: sess.PrincipalID, RefreshToken: token, ExpiresAt: expiresAt}, nil
}

func (s *storeMemory) Revoke(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.deleteLocked(id) {
		return auth.ErrSessionNotFound
	}
	return nil
}

func (s *storeMemory) RevokeAll(_ context.Context, principalID, keep uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, sess := range s.byID {
		if sess.PrincipalID == principalID && id != keep {
			s.deleteLocked(id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *storeMemory) FindByRefreshSecret(_ context.Context, secret string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[auth.HashSecret(secret)]
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *storeMemory) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *storeMemory) ListActive(_ context.Context, principalID uuid.UUID) ([]*Session, error) {
	now := s.now().UTC()
	s.mu.Lock()
	var out []*Session
	for _, sess := range s.byID {
		if sess.PrincipalID == principalID && !sess.Expired(now) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (s *storeMemory) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.byID {
		if sess.Expired(before) {
			s.deleteLocked(id)
			n++
		}
	}
	return n, nil
}

func (s *storeMemory) deleteLocked(id uuid.UUID) bool {
	sess, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byHash, sess.RefreshHash)
	delete(s.byID, id)
	return true
}
