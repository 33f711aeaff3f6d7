package passreset

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/accounts"
	"github.com/membergate/membergate/internal/password"
	"github.com/membergate/membergate/internal/shared"
)

type mockRepo struct {
	account      *accounts.Account
	findErr      error
	setTokenErr  error
	redeemCalled int
}

func (m *mockRepo) FindByEmail(ctx context.Context, email string) (*accounts.Account, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.account == nil || m.account.Email != accounts.NormalizeEmail(email) {
		return nil, shared.ErrNotFound
	}
	copy := *m.account
	return &copy, nil
}

func (m *mockRepo) SetResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	if m.setTokenErr != nil {
		return m.setTokenErr
	}
	m.account.ResetToken = &token
	m.account.ResetTokenExpiresAt = &expiresAt
	return nil
}

// RedeemResetToken mirrors the guarded single-statement UPDATE: the token
// must match and be unexpired, and redemption clears it.
func (m *mockRepo) RedeemResetToken(ctx context.Context, token, passwordHash string, now time.Time) (*accounts.Account, error) {
	m.redeemCalled++
	if m.account == nil || m.account.ResetToken == nil || *m.account.ResetToken != token {
		return nil, shared.ErrInvalidOrExpiredToken
	}
	if m.account.ResetTokenExpiresAt == nil || !m.account.ResetTokenExpiresAt.After(now) {
		return nil, shared.ErrInvalidOrExpiredToken
	}
	m.account.PasswordHash = passwordHash
	m.account.ResetToken = nil
	m.account.ResetTokenExpiresAt = nil
	copy := *m.account
	return &copy, nil
}

type stubDeliverer struct {
	tokens []string
	to     []string
	err    error
}

func (d *stubDeliverer) DeliverResetLink(ctx context.Context, to, token string) error {
	if d.err != nil {
		return d.err
	}
	d.to = append(d.to, to)
	d.tokens = append(d.tokens, token)
	return nil
}

func newService(repo *mockRepo, deliverer *stubDeliverer) *Service {
	return NewService(repo, deliverer, nil)
}

func TestRequestResetIssuesToken(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	deliverer := &stubDeliverer{}
	svc := newService(repo, deliverer)

	require.NoError(t, svc.RequestReset(context.Background(), "A@Example.com"))

	require.NotNil(t, repo.account.ResetToken)
	require.Len(t, deliverer.tokens, 1)
	assert.Equal(t, *repo.account.ResetToken, deliverer.tokens[0])
	assert.GreaterOrEqual(t, len(deliverer.tokens[0]), 43, "token should carry at least 256 bits")
	assert.WithinDuration(t, time.Now().Add(TokenTTL), *repo.account.ResetTokenExpiresAt, time.Minute)
}

func TestRequestResetUnknownEmailIsSilent(t *testing.T) {
	repo := &mockRepo{}
	deliverer := &stubDeliverer{}
	svc := newService(repo, deliverer)

	require.NoError(t, svc.RequestReset(context.Background(), "nobody@example.com"))
	assert.Empty(t, deliverer.tokens)
}

func TestRequestResetWrappedNotFoundIsSilent(t *testing.T) {
	repo := &mockRepo{findErr: fmt.Errorf("accounts: lookup: %w", shared.ErrNotFound)}
	deliverer := &stubDeliverer{}
	svc := newService(repo, deliverer)

	require.NoError(t, svc.RequestReset(context.Background(), "nobody@example.com"))
	assert.Empty(t, deliverer.tokens)
}

func TestRequestResetStoreErrorPropagates(t *testing.T) {
	repo := &mockRepo{findErr: errors.New("connection refused")}
	svc := newService(repo, &stubDeliverer{})

	assert.Error(t, svc.RequestReset(context.Background(), "a@example.com"))
}

func TestRequestResetDeliveryFailureKeepsToken(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	deliverer := &stubDeliverer{err: errors.New("relay down")}
	svc := newService(repo, deliverer)

	require.NoError(t, svc.RequestReset(context.Background(), "a@example.com"))
	assert.NotNil(t, repo.account.ResetToken)
}

func TestRedeemHappyPathIsSingleUse(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	deliverer := &stubDeliverer{}
	svc := newService(repo, deliverer)

	require.NoError(t, svc.RequestReset(context.Background(), "a@example.com"))
	token := deliverer.tokens[0]

	account, err := svc.Redeem(context.Background(), token, "N3wSecr3t!x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.ID)
	assert.Nil(t, repo.account.ResetToken)

	hasher := password.NewHasher()
	assert.True(t, hasher.Verify("N3wSecr3t!x", repo.account.PasswordHash))

	// Replaying the same token finds nothing to redeem.
	_, err = svc.Redeem(context.Background(), token, "An0ther!pass")
	assert.ErrorIs(t, err, shared.ErrInvalidOrExpiredToken)
}

func TestRedeemExpiredToken(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	deliverer := &stubDeliverer{}
	svc := newService(repo, deliverer)

	require.NoError(t, svc.RequestReset(context.Background(), "a@example.com"))
	token := deliverer.tokens[0]

	svc.now = func() time.Time { return time.Now().Add(TokenTTL + time.Minute) }

	_, err := svc.Redeem(context.Background(), token, "N3wSecr3t!x")
	assert.ErrorIs(t, err, shared.ErrInvalidOrExpiredToken)
}

func TestRedeemUnknownToken(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	svc := newService(repo, &stubDeliverer{})

	_, err := svc.Redeem(context.Background(), "bogus", "N3wSecr3t!x")
	assert.ErrorIs(t, err, shared.ErrInvalidOrExpiredToken)
}

func TestRedeemWeakPassword(t *testing.T) {
	repo := &mockRepo{account: &accounts.Account{ID: 1, Email: "a@example.com"}}
	deliverer := &stubDeliverer{}
	svc := newService(repo, deliverer)

	require.NoError(t, svc.RequestReset(context.Background(), "a@example.com"))
	token := deliverer.tokens[0]

	_, err := svc.Redeem(context.Background(), token, "weak")
	var weak *WeakPasswordError
	require.ErrorAs(t, err, &weak)
	assert.Contains(t, weak.Violations, password.ViolationTooShort)
	assert.Equal(t, 0, repo.redeemCalled, "weak password must not consume the token")

	// The token is still redeemable with a conforming password.
	_, err = svc.Redeem(context.Background(), token, "N3wSecr3t!x")
	require.NoError(t, err)
}
