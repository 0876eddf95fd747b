package auditevent

import (
	"context"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}
