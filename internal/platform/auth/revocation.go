package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const revocationCleanupInterval = 5 * time.Minute

// SessionRevocationList remembers sessions ended before their access tokens
// expired. Entries only need to outlive the access token TTL; after that the
// token is rejected for expiry anyway. The list is per process.
type SessionRevocationList struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]time.Time
	now     func() time.Time
}

func NewSessionRevocationList() *SessionRevocationList {
	return &SessionRevocationList{
		entries: make(map[uuid.UUID]time.Time),
		now:     time.Now,
	}
}

// Revoke marks sessionID revoked until the given time.
func (l *SessionRevocationList) Revoke(sessionID uuid.UUID, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.entries[sessionID]; !ok || until.After(cur) {
		l.entries[sessionID] = until
	}
}

func (l *SessionRevocationList) IsRevoked(sessionID uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	until, ok := l.entries[sessionID]
	return ok && l.now().Before(until)
}

func (l *SessionRevocationList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Cleanup drops expired entries and returns how many were removed.
func (l *SessionRevocationList) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for sid, until := range l.entries {
		if !now.Before(until) {
			delete(l.entries, sid)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup periodically until ctx is cancelled.
func (l *SessionRevocationList) Run(ctx context.Context) error {
	ticker := time.NewTicker(revocationCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
