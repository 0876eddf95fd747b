package auditevent

import (
	"context"
)

type Repository interface {
	Create(ctx context.Context, e *AuditEvent) error
	Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error)
}
