// Package provision turns verified payment events into member accounts.
// Webhook redelivery is normal provider behavior, so every path here has to
// converge on the same end state as a single delivery.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/membergate/membergate/internal/accounts"
	"github.com/membergate/membergate/internal/password"
	"github.com/membergate/membergate/internal/shared"
)

// idempotencyModule tags recorded payment event ids.
const idempotencyModule = "provision"

// Repository is the slice of account persistence this service needs.
type Repository interface {
	Create(ctx context.Context, email, passwordHash string) (*accounts.Account, error)
	FindByEmail(ctx context.Context, email string) (*accounts.Account, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
}

// Deliverer sends the generated credentials out of band.
type Deliverer interface {
	DeliverCredentials(ctx context.Context, to, password string) error
}

// EventRecorder tracks processed payment event ids so redeliveries are
// distinguishable from first deliveries in logs.
type EventRecorder interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Metrics is the observability hook the workflow reports to.
type Metrics interface {
	CountProvisioned()
}

// Result reports the provisioning outcome.
type Result struct {
	Account *accounts.Account
	// AlreadyProvisioned marks a redelivered or duplicate event. The caller
	// should acknowledge it as success toward the payment provider.
	AlreadyProvisioned bool
}

// Service wraps the provisioning workflow.
type Service struct {
	repo      Repository
	deliverer Deliverer
	recorder  EventRecorder
	metrics   Metrics
	policy    password.Policy
	hasher    password.Hasher
	logger    *slog.Logger
}

// NewService constructs a new Service. recorder and metrics may be nil.
func NewService(repo Repository, deliverer Deliverer, recorder EventRecorder, metrics Metrics, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		deliverer: deliverer,
		recorder:  recorder,
		metrics:   metrics,
		policy:    password.NewPolicy(),
		hasher:    password.NewHasher(),
		logger:    logger,
	}
}

// Provision creates exactly one account for a completed checkout and hands
// the generated password to the mail collaborator. The caller must already
// have verified the event's authenticity.
//
// Duplicate events, whether detected by event id or by the unique email
// constraint, resolve to AlreadyProvisioned without touching the existing
// account. A delivery failure after insertion returns ErrDeliveryFailed with
// the account kept; ResendCredentials covers recovery.
func (s *Service) Provision(ctx context.Context, email, eventID string) (*Result, error) {
	email = accounts.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("provision: email required")
	}

	if s.recorder != nil && eventID != "" {
		if err := s.recorder.CheckAndInsert(ctx, eventID, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				s.logInfo("payment event redelivered", slog.String("event_id", eventID), slog.String("email", email))
				return s.duplicateResult(ctx, email)
			}
			return nil, err
		}
	}

	plaintext, err := s.policy.Generate(password.DefaultGenerateLength)
	if err != nil {
		s.releaseEvent(ctx, eventID)
		return nil, err
	}
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		s.releaseEvent(ctx, eventID)
		return nil, err
	}

	account, err := s.repo.Create(ctx, email, hash)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicateAccount) {
			// A concurrent delivery or an earlier purchase won the insert.
			s.logInfo("account already exists", slog.String("email", email), slog.String("event_id", eventID))
			return s.duplicateResult(ctx, email)
		}
		s.releaseEvent(ctx, eventID)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.CountProvisioned()
	}
	s.logInfo("account provisioned", slog.Int64("user_id", account.ID), slog.String("email", email))

	if err := s.deliverer.DeliverCredentials(ctx, account.Email, plaintext); err != nil {
		if s.logger != nil {
			s.logger.Error("credential delivery failed", slog.String("email", account.Email), slog.Any("error", err))
		}
		return &Result{Account: account}, shared.ErrDeliveryFailed
	}
	return &Result{Account: account}, nil
}

// ResendCredentials rotates the password and re-delivers it. Operator
// recovery path for accounts whose first credential mail never arrived.
func (s *Service) ResendCredentials(ctx context.Context, email string) (*accounts.Account, error) {
	account, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.policy.Generate(password.DefaultGenerateLength)
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdatePassword(ctx, account.ID, hash); err != nil {
		return nil, err
	}
	if err := s.deliverer.DeliverCredentials(ctx, account.Email, plaintext); err != nil {
		if s.logger != nil {
			s.logger.Error("credential re-delivery failed", slog.String("email", account.Email), slog.Any("error", err))
		}
		return account, shared.ErrDeliveryFailed
	}
	s.logInfo("credentials resent", slog.Int64("user_id", account.ID))
	return account, nil
}

func (s *Service) duplicateResult(ctx context.Context, email string) (*Result, error) {
	account, err := s.repo.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	return &Result{Account: account, AlreadyProvisioned: true}, nil
}

// releaseEvent frees the recorded event id so the provider's next retry can
// run the workflow again after a transient failure.
func (s *Service) releaseEvent(ctx context.Context, eventID string) {
	if s.recorder == nil || eventID == "" {
		return
	}
	if err := s.recorder.Delete(ctx, eventID); err != nil && s.logger != nil {
		s.logger.Warn("release event id", slog.String("event_id", eventID), slog.Any("error", err))
	}
}

func (s *Service) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}
