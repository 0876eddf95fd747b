package auditevent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/emr/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Create(ctx context.Context, e *AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	detail := e.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO auth_audit_event (id, principal_id, action, resource, resource_id, detail, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.PrincipalID, string(e.Action), e.Resource, e.ResourceID, raw, e.IP, e.UserAgent, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *repoPG) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if params.PrincipalID != nil {
		add("principal_id = $%d", *params.PrincipalID)
	}
	if params.Action != "" {
		add("action = $%d", string(params.Action))
	}
	if params.Since != nil {
		add("created_at >= $%d", *params.Since)
	}
	if params.Until != nil {
		add("created_at < $%d", *params.Until)
	}

	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM auth_audit_event"+filter, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	query := fmt.Sprintf(`SELECT id, principal_id, action, resource, resource_id, detail, ip, user_agent, created_at
		FROM auth_audit_event%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, filter, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit events: %w", err)
	}
	defer rows.Close()

	var items []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var action string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.PrincipalID, &action, &e.Resource, &e.ResourceID, &raw, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		e.Action = Action(action)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, 0, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
