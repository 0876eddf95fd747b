package auditevent

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu     sync.RWMutex
	events []*AuditEvent
}

// NewMemoryRepo returns a process-local Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{}
}

func (r *memoryRepo) Create(_ context.Context, e *AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	r.mu.Lock()
	r.events = append(r.events, &cp)
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) Search(_ context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error) {
	r.mu.RLock()
	var matched []*AuditEvent
	for _, e := range r.events {
		if params.matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
