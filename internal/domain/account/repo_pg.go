package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/emr/internal/platform/auth"
	"github.com/ehr/emr/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const accountColumns = `id, email, username, display_name, password_hash, role, active, email_verified,
	profile_completed, created_at, updated_at, password_changed_at, last_login_at`

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

func (r *repoPG) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO account (id, email, username, display_name, password_hash, role, active, email_verified, profile_completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at, password_changed_at`,
		a.ID, a.Email, a.Username, a.DisplayName, a.PasswordHash, string(a.Role),
		a.Active, a.EmailVerified, a.ProfileCompleted,
	).Scan(&a.CreatedAt, &a.UpdatedAt, &a.PasswordChangedAt)
	if db.IsUniqueViolation(err, "account_email_key") || db.IsUniqueViolation(err, "account_username_key") {
		return auth.ErrDuplicateRegistration
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.scanOne(ctx, `SELECT `+accountColumns+` FROM account WHERE id = $1`, id)
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.scanOne(ctx, `SELECT `+accountColumns+` FROM account WHERE lower(email) = lower($1)`, email)
}

func (r *repoPG) scanOne(ctx context.Context, query string, arg interface{}) (*Account, error) {
	var a Account
	var role string
	err := r.conn(ctx).QueryRow(ctx, query, arg).Scan(
		&a.ID, &a.Email, &a.Username, &a.DisplayName, &a.PasswordHash, &role, &a.Active, &a.EmailVerified,
		&a.ProfileCompleted, &a.CreatedAt, &a.UpdatedAt, &a.PasswordChangedAt, &a.LastLoginAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.Role = auth.Role(role)
	return &a, nil
}

func (r *repoPG) UpdatePassword(ctx context.Context, id uuid.UUID, hash string, at time.Time) error {
	return r.update(ctx, "update password",
		`UPDATE account SET password_hash = $2, password_changed_at = $3, updated_at = $3 WHERE id = $1`,
		id, hash, at)
}

func (r *repoPG) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, "verify email",
		`UPDATE account SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, id)
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.update(ctx, "set active",
		`UPDATE account SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
}

func (r *repoPG) SetRole(ctx context.Context, id uuid.UUID, role auth.Role) error {
	return r.update(ctx, "set role",
		`UPDATE account SET role = $2, updated_at = NOW() WHERE id = $1`, id, string(role))
}

func (r *repoPG) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(ctx, "touch login",
		`UPDATE account SET last_login_at = $2 WHERE id = $1`, id, at)
}

func (r *repoPG) update(ctx context.Context, op, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrAccountNotFound
	}
	return nil
}
