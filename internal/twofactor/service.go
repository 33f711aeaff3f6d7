// Package twofactor manages TOTP enrollment and verification. Accounts move
// through three states: disabled, pending (secret issued, unconfirmed), and
// enabled. Login only challenges for a code once the state is enabled.
package twofactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/membergate/membergate/internal/accounts"
)

var (
	// ErrAlreadyEnabled indicates enrollment was attempted on an active account.
	ErrAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrNotEnrolled indicates a code operation without a stored secret.
	ErrNotEnrolled = errors.New("two-factor not enrolled")
)

// Repository is the slice of account persistence this service needs.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*accounts.Account, error)
	SetPendingTwoFactorSecret(ctx context.Context, id int64, secret string) error
	EnableTwoFactor(ctx context.Context, id int64) error
	DisableTwoFactor(ctx context.Context, id int64) error
}

// Enrollment carries the generated secret and the otpauth URI the
// authenticator app consumes, usually rendered as a QR code.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
}

// Service wraps TOTP business rules.
type Service struct {
	repo   Repository
	issuer string
	now    func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, issuer string) *Service {
	return &Service{repo: repo, issuer: issuer, now: time.Now}
}

// Enroll generates a fresh secret for the account and stores it unconfirmed.
// Re-enrolling while pending replaces the previous secret.
func (s *Service) Enroll(ctx context.Context, userID int64) (*Enrollment, error) {
	account, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account.TwoFactor() == accounts.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: account.Email,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: generate secret: %w", err)
	}

	if err := s.repo.SetPendingTwoFactorSecret(ctx, userID, key.Secret()); err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// ConfirmEnrollment verifies a code against the pending secret and, on
// success, activates the second factor.
func (s *Service) ConfirmEnrollment(ctx context.Context, userID int64, code string) (bool, error) {
	account, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	switch account.TwoFactor() {
	case accounts.TwoFactorEnabled:
		return false, ErrAlreadyEnabled
	case accounts.TwoFactorDisabled:
		return false, ErrNotEnrolled
	}

	if !s.validate(code, *account.TwoFactorSecret) {
		return false, nil
	}
	if err := s.repo.EnableTwoFactor(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}

// Verify checks a login code against the active secret.
func (s *Service) Verify(ctx context.Context, userID int64, code string) (bool, error) {
	account, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if account.TwoFactor() != accounts.TwoFactorEnabled {
		return false, ErrNotEnrolled
	}
	return s.validate(code, *account.TwoFactorSecret), nil
}

// Disable clears the secret and the enabled flag.
func (s *Service) Disable(ctx context.Context, userID int64) error {
	return s.repo.DisableTwoFactor(ctx, userID)
}

// validate accepts the current 30-second step and one step either side to
// tolerate clock skew.
func (s *Service) validate(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
