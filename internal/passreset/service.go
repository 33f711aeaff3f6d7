// Package passreset issues and redeems single-use password reset tokens.
package passreset

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/membergate/membergate/internal/accounts"
	"github.com/membergate/membergate/internal/password"
	"github.com/membergate/membergate/internal/shared"
)

// TokenTTL is how long a reset token stays redeemable.
const TokenTTL = time.Hour

// tokenBytes gives 256 bits of entropy per token.
const tokenBytes = 32

// Repository is the slice of account persistence this service needs.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*accounts.Account, error)
	SetResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
	RedeemResetToken(ctx context.Context, token, passwordHash string, now time.Time) (*accounts.Account, error)
}

// Deliverer sends the reset link out of band.
type Deliverer interface {
	DeliverResetLink(ctx context.Context, to, token string) error
}

// WeakPasswordError carries the full violation list for a rejected password.
type WeakPasswordError struct {
	Violations []password.Violation
}

func (e *WeakPasswordError) Error() string {
	return "password does not meet policy: " + password.Join(e.Violations)
}

// Service wraps the reset token lifecycle.
type Service struct {
	repo      Repository
	deliverer Deliverer
	policy    password.Policy
	hasher    password.Hasher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, deliverer Deliverer, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		deliverer: deliverer,
		policy:    password.NewPolicy(),
		hasher:    password.NewHasher(),
		logger:    logger,
		now:       time.Now,
	}
}

// RequestReset issues a token for the address if an account exists. The
// outcome is identical either way so the endpoint cannot be used to probe
// which emails are registered. Only store failures propagate.
func (s *Service) RequestReset(ctx context.Context, email string) error {
	account, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}

	token, err := generateToken()
	if err != nil {
		return err
	}
	expiresAt := s.now().Add(TokenTTL)
	if err := s.repo.SetResetToken(ctx, account.ID, token, expiresAt); err != nil {
		return err
	}

	if err := s.deliverer.DeliverResetLink(ctx, account.Email, token); err != nil {
		// The token stays valid; an operator can re-send without reissuing.
		if s.logger != nil {
			s.logger.Warn("reset link delivery failed", slog.String("email", account.Email), slog.Any("error", err))
		}
	}
	return nil
}

// Redeem exchanges a valid token for a new password. The store clears the
// token in the same statement that updates the hash, so a replayed request
// finds nothing to redeem.
func (s *Service) Redeem(ctx context.Context, token, newPassword string) (*accounts.Account, error) {
	if token == "" {
		return nil, shared.ErrInvalidOrExpiredToken
	}
	if violations := s.policy.Validate(newPassword); len(violations) > 0 {
		return nil, &WeakPasswordError{Violations: violations}
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.RedeemResetToken(ctx, token, hash, s.now())
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Info("password reset redeemed", slog.Int64("user_id", account.ID))
	}
	return account, nil
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("passreset: token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
