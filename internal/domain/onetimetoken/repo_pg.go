package onetimetoken

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

type storePG struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGStore returns a Store backed by the one_time_token table.
func NewPGStore(pool *pgxpool.Pool, now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &storePG{pool: pool, now: now}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *storePG) Issue(ctx context.Context, principalID uuid.UUID, purpose Purpose, ttl time.Duration) (string, error) {
	if !purpose.Valid() {
		return "", fmt.Errorf("issue one-time token: unknown purpose %q", purpose)
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()

	// The partial unique index on (principal_id, purpose) WHERE used_at IS NULL
	// makes this upsert replace the outstanding token in one statement.
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO one_time_token (id, purpose, principal_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (principal_id, purpose) WHERE used_at IS NULL
		DO UPDATE SET id = EXCLUDED.id,
		              token_hash = EXCLUDED.token_hash,
		              expires_at = EXCLUDED.expires_at,
		              created_at = EXCLUDED.created_at`,
		uuid.New(), string(purpose), principalID, auth.HashSecret(secret), now.Add(ttl), now,
	)
	if err != nil {
		return "", fmt.Errorf("issue one-time token: %w", err)
	}
	return secret, nil
}

func (s *storePG) Consume(ctx context.Context, secret string, purpose Purpose) (uuid.UUID, error) {
	hash := auth.HashSecret(secret)
	now := s.now().UTC()

	var principalID uuid.UUID
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE one_time_token SET used_at = $3
		WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING principal_id`,
		hash, string(purpose), now,
	).Scan(&principalID)
	if err == nil {
		return principalID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("consume one-time token: %w", err)
	}

	var usedAt *time.Time
	err = s.conn(ctx).QueryRow(ctx,
		`SELECT used_at FROM one_time_token WHERE token_hash = $1 AND purpose = $2`, hash, string(purpose),
	).Scan(&usedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return uuid.Nil, auth.ErrTokenInvalid
	case err != nil:
		return uuid.Nil, fmt.Errorf("classify one-time token: %w", err)
	case usedAt != nil:
		return uuid.Nil, auth.ErrTokenAlreadyUsed
	default:
		return uuid.Nil, auth.ErrTokenExpired
	}
}

func (s *storePG) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM one_time_token WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge one-time tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
