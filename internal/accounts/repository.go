package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/membergate/membergate/internal/shared"
)

// Repository defines persistence operations for account records.
type Repository interface {
	Create(ctx context.Context, email, passwordHash string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByID(ctx context.Context, id int64) (*Account, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	SetResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
	RedeemResetToken(ctx context.Context, token, passwordHash string, now time.Time) (*Account, error)
	SetPendingTwoFactorSecret(ctx context.Context, id int64, secret string) error
	EnableTwoFactor(ctx context.Context, id int64) error
	DisableTwoFactor(ctx context.Context, id int64) error
	SweepExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
}

const accountColumns = `id, email, password_hash, reset_token, reset_token_expires_at,
	two_factor_enabled, two_factor_secret, membership_status, membership_expires_at,
	created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a new account. The email unique constraint is the sole
// duplicate guard: concurrent inserts for the same address collapse into one
// success and one shared.ErrDuplicateAccount.
func (r *PGRepository) Create(ctx context.Context, email, passwordHash string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, membership_status, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING `+accountColumns,
		NormalizeEmail(email), passwordHash, MembershipActive)
	account, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, shared.ErrDuplicateAccount
		}
		return nil, fmt.Errorf("accounts: create: %w", err)
	}
	return account, nil
}

// FindByEmail fetches an account by its case-insensitive email identity.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE email = $1`, NormalizeEmail(email))
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("accounts: find by email: %w", err)
	}
	return account, nil
}

// FindByID fetches an account by id.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("accounts: find by id: %w", err)
	}
	return account, nil
}

// UpdatePassword replaces the stored hash.
func (r *PGRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("accounts: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetResetToken stores a pending reset token, replacing any prior one.
func (r *PGRepository) SetResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET reset_token = $2, reset_token_expires_at = $3, updated_at = now()
		WHERE id = $1`, id, token, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("accounts: set reset token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RedeemResetToken atomically swaps the password hash and clears the token.
// The WHERE clause is the single-use guard: a replayed redemption finds no
// matching row and reports shared.ErrInvalidOrExpiredToken.
func (r *PGRepository) RedeemResetToken(ctx context.Context, token, passwordHash string, now time.Time) (*Account, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE users
		SET password_hash = $2, reset_token = NULL, reset_token_expires_at = NULL, updated_at = now()
		WHERE reset_token = $1 AND reset_token_expires_at > $3
		RETURNING `+accountColumns,
		token, passwordHash, now.UTC())
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrInvalidOrExpiredToken
		}
		return nil, fmt.Errorf("accounts: redeem reset token: %w", err)
	}
	return account, nil
}

// SetPendingTwoFactorSecret stores an enrollment secret without enabling it.
func (r *PGRepository) SetPendingTwoFactorSecret(ctx context.Context, id int64, secret string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET two_factor_secret = $2, two_factor_enabled = FALSE, updated_at = now()
		WHERE id = $1`, id, secret)
	if err != nil {
		return fmt.Errorf("accounts: set pending 2fa secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// EnableTwoFactor activates a pending secret. The guard keeps the invariant
// that the enabled flag never exists without a secret.
func (r *PGRepository) EnableTwoFactor(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET two_factor_enabled = TRUE, updated_at = now()
		WHERE id = $1 AND two_factor_secret IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("accounts: enable 2fa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DisableTwoFactor clears both the flag and the secret.
func (r *PGRepository) DisableTwoFactor(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET two_factor_enabled = FALSE, two_factor_secret = NULL, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("accounts: disable 2fa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SweepExpiredResetTokens clears tokens whose expiry has passed. Run from the
// background worker so stale tokens do not linger in the table.
func (r *PGRepository) SweepExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET reset_token = NULL, reset_token_expires_at = NULL, updated_at = now()
		WHERE reset_token IS NOT NULL AND reset_token_expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("accounts: sweep reset tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.ResetToken,
		&a.ResetTokenExpiresAt,
		&a.TwoFactorEnabled,
		&a.TwoFactorSecret,
		&a.MembershipStatus,
		&a.MembershipExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

var _ Repository = (*PGRepository)(nil)
