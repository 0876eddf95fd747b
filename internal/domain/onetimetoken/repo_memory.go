package onetimetoken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/emr/internal/platform/auth"
)

type storeMemory struct {
	mu     sync.Mutex
	byHash map[string]*Token
	now    func() time.Time
}

// NewMemoryStore returns a mutex-guarded Store.
func NewMemoryStore(now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &storeMemory{byHash: make(map[string]*Token), now: now}
}

func (s *storeMemory) Issue(_ context.Context, principalID uuid.UUID, purpose Purpose, ttl time.Duration) (string, error) {
	if !purpose.Valid() {
		return "", fmt.Errorf("issue one-time token: unknown purpose %q", purpose)
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, tok := range s.byHash {
		if tok.PrincipalID == principalID && tok.Purpose == purpose && tok.UsedAt == nil {
			delete(s.byHash, hash)
		}
	}
	hash := auth.HashSecret(secret)
	s.byHash[hash] = &Token{
		ID:          uuid.New(),
		Purpose:     purpose,
		PrincipalID: principalID,
		TokenHash:   hash,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
	return secret, nil
}

func (s *storeMemory) Consume(_ context.Context, secret string, purpose Purpose) (uuid.UUID, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byHash[auth.HashSecret(secret)]
	switch {
	case !ok || tok.Purpose != purpose:
		return uuid.Nil, auth.ErrTokenInvalid
	case tok.UsedAt != nil:
		return uuid.Nil, auth.ErrTokenAlreadyUsed
	case !now.Before(tok.ExpiresAt):
		return uuid.Nil, auth.ErrTokenExpired
	}
	tok.UsedAt = &now
	return tok.PrincipalID, nil
}

func (s *storeMemory) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, tok := range s.byHash {
		if !before.Before(tok.ExpiresAt) {
			delete(s.byHash, hash)
			n++
		}
	}
	return n, nil
}
