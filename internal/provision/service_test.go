package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/accounts"
	"github.com/membergate/membergate/internal/password"
	"github.com/membergate/membergate/internal/shared"
)

type mockRepo struct {
	mu       sync.Mutex
	byEmail  map[string]*accounts.Account
	nextID   int64
	createN  int
	storeErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{byEmail: make(map[string]*accounts.Account), nextID: 1}
}

func (m *mockRepo) Create(ctx context.Context, email, passwordHash string) (*accounts.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return nil, m.storeErr
	}
	m.createN++
	if _, exists := m.byEmail[email]; exists {
		return nil, shared.ErrDuplicateAccount
	}
	account := &accounts.Account{
		ID:               m.nextID,
		Email:            email,
		PasswordHash:     passwordHash,
		MembershipStatus: accounts.MembershipActive,
		CreatedAt:        time.Now(),
	}
	m.nextID++
	m.byEmail[email] = account
	copy := *account
	return &copy, nil
}

func (m *mockRepo) FindByEmail(ctx context.Context, email string) (*accounts.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.byEmail[accounts.NormalizeEmail(email)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copy := *account
	return &copy, nil
}

func (m *mockRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.byEmail {
		if account.ID == id {
			account.PasswordHash = passwordHash
			return nil
		}
	}
	return shared.ErrNotFound
}

type stubDeliverer struct {
	mu        sync.Mutex
	passwords map[string][]string
	err       error
}

func newStubDeliverer() *stubDeliverer {
	return &stubDeliverer{passwords: make(map[string][]string)}
}

func (d *stubDeliverer) DeliverCredentials(ctx context.Context, to, pw string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.passwords[to] = append(d.passwords[to], pw)
	return nil
}

type memRecorder struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemRecorder() *memRecorder {
	return &memRecorder{keys: make(map[string]bool)}
}

func (r *memRecorder) CheckAndInsert(ctx context.Context, key, module string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	r.keys[key] = true
	return nil
}

func (r *memRecorder) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

func TestProvisionCreatesAccountWithDeliverablePassword(t *testing.T) {
	repo := newMockRepo()
	deliverer := newStubDeliverer()
	svc := NewService(repo, deliverer, newMemRecorder(), nil, nil)

	result, err := svc.Provision(context.Background(), "Buyer@Example.com", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.False(t, result.AlreadyProvisioned)
	assert.Equal(t, "buyer@example.com", result.Account.Email)
	assert.Equal(t, accounts.MembershipActive, result.Account.MembershipStatus)

	delivered := deliverer.passwords["buyer@example.com"]
	require.Len(t, delivered, 1)

	hasher := password.NewHasher()
	assert.True(t, hasher.Verify(delivered[0], result.Account.PasswordHash),
		"stored hash must verify against the delivered password")
	assert.Empty(t, password.NewPolicy().Validate(delivered[0]),
		"generated password must satisfy the policy")
}

func TestProvisionRedeliveredEventIsNoOp(t *testing.T) {
	repo := newMockRepo()
	deliverer := newStubDeliverer()
	svc := NewService(repo, deliverer, newMemRecorder(), nil, nil)

	first, err := svc.Provision(context.Background(), "a@example.com", "evt_1")
	require.NoError(t, err)

	second, err := svc.Provision(context.Background(), "a@example.com", "evt_1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyProvisioned)
	require.NotNil(t, second.Account)
	assert.Equal(t, first.Account.ID, second.Account.ID)

	assert.Equal(t, 1, repo.createN, "redelivery must not attempt a second insert")
	assert.Len(t, deliverer.passwords["a@example.com"], 1, "no second password mail")
}

func TestProvisionDuplicateEmailDifferentEvent(t *testing.T) {
	repo := newMockRepo()
	deliverer := newStubDeliverer()
	svc := NewService(repo, deliverer, newMemRecorder(), nil, nil)

	_, err := svc.Provision(context.Background(), "a@example.com", "evt_1")
	require.NoError(t, err)

	result, err := svc.Provision(context.Background(), "a@example.com", "evt_2")
	require.NoError(t, err)
	assert.True(t, result.AlreadyProvisioned)
	assert.Len(t, deliverer.passwords["a@example.com"], 1)
}

func TestProvisionWithoutRecorderFallsBackToUniqueConstraint(t *testing.T) {
	repo := newMockRepo()
	deliverer := newStubDeliverer()
	svc := NewService(repo, deliverer, nil, nil, nil)

	_, err := svc.Provision(context.Background(), "a@example.com", "evt_1")
	require.NoError(t, err)
	result, err := svc.Provision(context.Background(), "a@example.com", "evt_1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyProvisioned)
}

func TestProvisionDeliveryFailureKeepsAccount(t *testing.T) {
	repo := newMockRepo()
	deliverer := newStubDeliverer()
	deliverer.err = errors.New("smtp refused")
	svc := NewService(repo, deliverer, newMemRecorder(), nil, nil)

	result, err := svc.Provision(context.Background(), "a@example.com", "evt_1")
	assert.ErrorIs(t, err, shared.ErrDeliveryFailed)
	require.NotNil(t, result)
	require.NotNil(t, result.Account)

	// The account survived and can receive a resend.
	deliverer.err = nil
	account, err := svc.ResendCredentials(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, result.Account.ID, account.ID)
	assert.Len(t, deliverer.passwords["a@example.com"], 1)
}

func TestProvisionStoreErrorReleasesEventID(t *testing.T) {
	repo := newMockRepo()
	repo.storeErr = errors.New("connection refused")
	recorder := newMemRecorder()
	svc := NewService(repo, newStubDeliverer(), recorder, nil, nil)

	_, err := svc.Provision(context.Background(), "a@example.com", "evt_1")
	require.Error(t, err)

	// A provider retry after the outage must get a clean run.
	repo.storeErr = nil
	result, err := svc.Provision(context.Background(), "a@example.com", "evt_1")
	require.NoError(t, err)
	assert.False(t, result.AlreadyProvisioned)
}

func TestProvisionConcurrentSameEmail(t *testing.T) {
	repo := newMockRepo()
	deliverer := newStubDeliverer()
	svc := NewService(repo, deliverer, nil, nil, nil)

	const attempts = 8
	results := make([]*Result, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Provision(context.Background(), "race@example.com", "")
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		if !results[i].AlreadyProvisioned {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one attempt wins the insert")
	assert.Len(t, deliverer.passwords["race@example.com"], 1)
}

func TestResendCredentialsRotatesPassword(t *testing.T) {
	repo := newMockRepo()
	deliverer := newStubDeliverer()
	svc := NewService(repo, deliverer, nil, nil, nil)

	_, err := svc.Provision(context.Background(), "a@example.com", "")
	require.NoError(t, err)
	firstHash := repo.byEmail["a@example.com"].PasswordHash

	_, err = svc.ResendCredentials(context.Background(), "a@example.com")
	require.NoError(t, err)

	require.Len(t, deliverer.passwords["a@example.com"], 2)
	assert.NotEqual(t, firstHash, repo.byEmail["a@example.com"].PasswordHash)

	hasher := password.NewHasher()
	latest := deliverer.passwords["a@example.com"][1]
	assert.True(t, hasher.Verify(latest, repo.byEmail["a@example.com"].PasswordHash))
}

func TestResendCredentialsUnknownAccount(t *testing.T) {
	svc := NewService(newMockRepo(), newStubDeliverer(), nil, nil, nil)
	_, err := svc.ResendCredentials(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
