package auth

import (
	"context"
	"errors"

	"github.com/membergate/membergate/internal/accounts"
	"github.com/membergate/membergate/internal/password"
	"github.com/membergate/membergate/internal/shared"
)

// Repository is the account lookup this service needs.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*accounts.Account, error)
}

// CodeVerifier checks a second-factor code for an account.
type CodeVerifier interface {
	Verify(ctx context.Context, userID int64, code string) (bool, error)
}

// LoginResult is the outcome of a login attempt. Account is set only on
// StatusSuccess and StatusTwoFactorRequired (the latter so the caller can
// park the pending user on the session).
type LoginResult struct {
	Status  Status
	Account *accounts.Account
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	verifier CodeVerifier
	hasher   password.Hasher
}

// NewService constructs a new Service.
func NewService(repo Repository, verifier CodeVerifier) *Service {
	return &Service{repo: repo, verifier: verifier, hasher: password.NewHasher()}
}

// Login validates credentials and, when the account has an active second
// factor, the one-time code. No session state is touched here; the transport
// layer owns that.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	account, err := s.repo.FindByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return &LoginResult{Status: StatusInvalidCredentials}, nil
		}
		return nil, err
	}
	if !s.hasher.Verify(in.Password, account.PasswordHash) {
		return &LoginResult{Status: StatusInvalidCredentials}, nil
	}

	if account.TwoFactor() == accounts.TwoFactorEnabled {
		if in.TwoFactorCode == "" {
			return &LoginResult{Status: StatusTwoFactorRequired, Account: account}, nil
		}
		ok, err := s.verifier.Verify(ctx, account.ID, in.TwoFactorCode)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &LoginResult{Status: StatusInvalidTwoFactorCode}, nil
		}
	}

	return &LoginResult{Status: StatusSuccess, Account: account}, nil
}
