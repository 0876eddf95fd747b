package account

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/emr/internal/platform/auth"
)

type repoMemory struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Account
	now  func() time.Time
}

// NewMemoryRepo returns a mutex-guarded Repository. Returned accounts are copies.
func NewMemoryRepo(now func() time.Time) Repository {
	if now == nil {
		now = time.Now
	}
	return &repoMemory{byID: make(map[uuid.UUID]*Account), now: now}
}

func (r *repoMemory) Create(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if strings.EqualFold(existing.Email, a.Email) || strings.EqualFold(existing.Username, a.Username) {
			return auth.ErrDuplicateRegistration
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := r.now().UTC()
	a.CreatedAt, a.UpdatedAt, a.PasswordChangedAt = now, now, now
	cp := *a
	r.byID[a.ID] = &cp
	return nil
}

func (r *repoMemory) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *repoMemory) GetByEmail(_ context.Context, email string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byID {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, auth.ErrAccountNotFound
}

func (r *repoMemory) UpdatePassword(_ context.Context, id uuid.UUID, hash string, at time.Time) error {
	return r.mutate(id, func(a *Account) {
		a.PasswordHash = hash
		a.PasswordChangedAt = at
		a.UpdatedAt = at
	})
}

func (r *repoMemory) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	return r.mutate(id, func(a *Account) {
		a.EmailVerified = true
		a.UpdatedAt = r.now().UTC()
	})
}

func (r *repoMemory) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	return r.mutate(id, func(a *Account) {
		a.Active = active
		a.UpdatedAt = r.now().UTC()
	})
}

func (r *repoMemory) SetRole(_ context.Context, id uuid.UUID, role auth.Role) error {
	return r.mutate(id, func(a *Account) {
		a.Role = role
		a.UpdatedAt = r.now().UTC()
	})
}

func (r *repoMemory) TouchLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.mutate(id, func(a *Account) {
		t := at
		a.LastLoginAt = &t
	})
}

func (r *repoMemory) mutate(id uuid.UUID, fn func(*Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return auth.ErrAccountNotFound
	}
	fn(a)
	return nil
}
