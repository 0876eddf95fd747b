package session

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
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const sessionColumns = `id, principal_id, refresh_hash, issued_at, expires_at, last_used_at, ip, user_agent`

type storePG struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGStore returns a Store backed by the auth_session table.
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

func (s *storePG) Create(ctx context.Context, in NewSession) (uuid.UUID, error) {
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now().UTC()

	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO auth_session (id, principal_id, refresh_hash, issued_at, expires_at, last_used_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $4, $6, $7)`,
		id, in.PrincipalID, in.RefreshHash, now, now.Add(in.TTL), in.Client.IP, in.Client.UserAgent,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *storePG) Rotate(ctx context.Context, oldToken string, mint RefreshMinter) (*Rotation, error) {
	hash := auth.HashSecret(oldToken)
	var out *Rotation

	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		q := s.conn(ctx)

		// A concurrent rotation holding the row lock commits a new hash; once
		// it does, this query re-evaluates against the new row and finds nothing.
		var id, principalID uuid.UUID
		var expiresAt time.Time
		err := q.QueryRow(ctx,
			`SELECT id, principal_id, expires_at FROM auth_session WHERE refresh_hash = $1 FOR UPDATE`, hash,
		).Scan(&id, &principalID, &expiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		now := s.now().UTC()
		if !now.Before(expiresAt) {
			return auth.ErrTokenExpired
		}

		token, newExpiry, err := mint(principalID)
		if err != nil {
			return fmt.Errorf("mint refresh token: %w", err)
		}

		if _, err := q.Exec(ctx,
			`UPDATE auth_session SET refresh_hash = $2, expires_at = $3, last_used_at = $4 WHERE id = $1`,
			id, auth.HashSecret(token), newExpiry, now,
		); err != nil {
			return fmt.Errorf("rotate session: %w", err)
		}

		out = &Rotation{SessionID: id, PrincipalID: principalID, RefreshToken: token, ExpiresAt: newExpiry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *storePG) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM auth_session WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrSessionNotFound
	}
	return nil
}

func (s *storePG) RevokeAll(ctx context.Context, principalID, keep uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`DELETE FROM auth_session WHERE principal_id = $1 AND id <> $2 RETURNING id`, principalID, keep)
	if err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}
	return ids, nil
}

func (s *storePG) FindByRefreshSecret(ctx context.Context, secret string) (*Session, error) {
	return s.scanOne(ctx, `SELECT `+sessionColumns+` FROM auth_session WHERE refresh_hash = $1`, auth.HashSecret(secret))
}

func (s *storePG) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.scanOne(ctx, `SELECT `+sessionColumns+` FROM auth_session WHERE id = $1`, id)
}

func (s *storePG) ListActive(ctx context.Context, principalID uuid.UUID) ([]*Session, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+sessionColumns+` FROM auth_session
		 WHERE principal_id = $1 AND expires_at > $2
		 ORDER BY last_used_at DESC`, principalID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *storePG) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM auth_session WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *storePG) scanOne(ctx context.Context, query string, arg interface{}) (*Session, error) {
	sess, err := scanSession(s.conn(ctx).QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrSessionNotFound
	}
	return sess, err
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.PrincipalID, &s.RefreshHash, &s.IssuedAt, &s.ExpiresAt, &s.LastUsedAt, &s.IP, &s.UserAgent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}
