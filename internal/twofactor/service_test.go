package twofactor

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/accounts"
	"github.com/membergate/membergate/internal/shared"
)

type mockRepo struct {
	account *accounts.Account
}

func (m *mockRepo) FindByID(ctx context.Context, id int64) (*accounts.Account, error) {
	if m.account == nil || m.account.ID != id {
		return nil, shared.ErrNotFound
	}
	copy := *m.account
	return &copy, nil
}

func (m *mockRepo) SetPendingTwoFactorSecret(ctx context.Context, id int64, secret string) error {
	m.account.TwoFactorSecret = &secret
	m.account.TwoFactorEnabled = false
	return nil
}

func (m *mockRepo) EnableTwoFactor(ctx context.Context, id int64) error {
	if m.account.TwoFactorSecret == nil {
		return shared.ErrNotFound
	}
	m.account.TwoFactorEnabled = true
	return nil
}

func (m *mockRepo) DisableTwoFactor(ctx context.Context, id int64) error {
	m.account.TwoFactorSecret = nil
	m.account.TwoFactorEnabled = false
	return nil
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestEnrollGeneratesPendingSecret(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	svc := NewService(repo, "Membergate")

	enrollment, err := svc.Enroll(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.ProvisioningURI, "otpauth://totp/")
	assert.Contains(t, enrollment.ProvisioningURI, "Membergate")

	assert.Equal(t, accounts.TwoFactorPending, repo.account.TwoFactor())
}

func TestEnrollRejectsEnabledAccount(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com", TwoFactorSecret: &secret, TwoFactorEnabled: true}}
	svc := NewService(repo, "Membergate")

	_, err := svc.Enroll(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestConfirmEnrollmentActivates(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	svc := NewService(repo, "Membergate")

	enrollment, err := svc.Enroll(context.Background(), 1)
	require.NoError(t, err)

	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	svc.now = fixedClock(now)

	ok, err := svc.ConfirmEnrollment(context.Background(), 1, codeAt(t, enrollment.Secret, now))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, accounts.TwoFactorEnabled, repo.account.TwoFactor())
}

func TestConfirmEnrollmentWrongCodeStaysPending(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	svc := NewService(repo, "Membergate")

	_, err := svc.Enroll(context.Background(), 1)
	require.NoError(t, err)

	ok, err := svc.ConfirmEnrollment(context.Background(), 1, "000000")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, accounts.TwoFactorPending, repo.account.TwoFactor())
}

func TestConfirmEnrollmentWithoutSecret(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	svc := NewService(repo, "Membergate")

	_, err := svc.ConfirmEnrollment(context.Background(), 1, "123456")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestVerifySkewWindow(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com", TwoFactorSecret: &secret, TwoFactorEnabled: true}}
	svc := NewService(repo, "Membergate")

	now := time.Date(2026, 3, 14, 9, 27, 2, 0, time.UTC)
	svc.now = fixedClock(now)

	cases := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"current step", 0, true},
		{"one step behind", -30 * time.Second, true},
		{"one step ahead", 30 * time.Second, true},
		{"three steps behind", -90 * time.Second, false},
		{"three steps ahead", 90 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, err := totp.GenerateCode(secret, now.Add(tc.offset))
			require.NoError(t, err)
			ok, err := svc.Verify(context.Background(), 1, code)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestVerifyRequiresEnabled(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com", TwoFactorSecret: &secret}}
	svc := NewService(repo, "Membergate")

	_, err := svc.Verify(context.Background(), 1, "123456")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestDisableClearsState(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com", TwoFactorSecret: &secret, TwoFactorEnabled: true}}
	svc := NewService(repo, "Membergate")

	require.NoError(t, svc.Disable(context.Background(), 1))
	assert.Equal(t, accounts.TwoFactorDisabled, repo.account.TwoFactor())
}
