package auth

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionAudit records login sessions in Postgres for operator visibility.
// Redis remains the authority on liveness; these rows are an audit trail.
type SessionAudit interface {
	CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error
	DeleteSession(ctx context.Context, id string) error
}

// PGSessionAudit implements SessionAudit using PostgreSQL.
type PGSessionAudit struct {
	pool *pgxpool.Pool
}

// NewSessionAudit constructs a PostgreSQL session audit store.
func NewSessionAudit(pool *pgxpool.Pool) *PGSessionAudit {
	return &PGSessionAudit{pool: pool}
}

// CreateSession persists a new login session row.
func (r *PGSessionAudit) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO login_sessions (id, user_id, created_at, expires_at, ip, ua)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		id, userID,
		pgtype.Timestamptz{Time: now, Valid: true},
		pgtype.Timestamptz{Time: expiresAt.UTC(), Valid: true},
		pgtype.Text{String: ip, Valid: ip != ""},
		pgtype.Text{String: ua, Valid: ua != ""},
	)
	return err
}

// DeleteSession removes a session row on logout.
func (r *PGSessionAudit) DeleteSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM login_sessions WHERE id = $1`, id)
	return err
}

var _ SessionAudit = (*PGSessionAudit)(nil)
