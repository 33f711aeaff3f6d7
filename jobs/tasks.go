package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/membergate/membergate/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeResetTokenSweep clears expired password reset tokens.
	TaskTypeResetTokenSweep = "auth:reset_token_sweep"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// NewResetTokenSweepTask constructs the maintenance sweep task.
func NewResetTokenSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeResetTokenSweep, nil)
}

// MailJob processes TaskTypeSendEmail tasks through the SMTP collaborator.
type MailJob struct {
	mailer mail.Mailer
	logger *slog.Logger
}

// NewMailJob constructs a MailJob.
func NewMailJob(mailer mail.Mailer, logger *slog.Logger) *MailJob {
	return &MailJob{mailer: mailer, logger: logger}
}

// Handle sends the queued message. Transport errors are returned so Asynq
// retries delivery.
func (j *MailJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if err := j.mailer.Send(ctx, mail.Message{To: payload.To, Subject: payload.Subject, Body: payload.Body}); err != nil {
		if j.logger != nil {
			j.logger.Warn("send email", slog.String("to", payload.To), slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("email sent", slog.String("to", payload.To), slog.String("subject", payload.Subject))
	}
	return nil
}

// ResetTokenSweeper clears expired reset tokens from the account store.
type ResetTokenSweeper interface {
	SweepExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
}

// ResetSweepJob runs the hourly token sweep.
type ResetSweepJob struct {
	repo   ResetTokenSweeper
	logger *slog.Logger
}

// NewResetSweepJob constructs a ResetSweepJob.
func NewResetSweepJob(repo ResetTokenSweeper, logger *slog.Logger) *ResetSweepJob {
	return &ResetSweepJob{repo: repo, logger: logger}
}

// Handle clears tokens whose expiry has passed.
func (j *ResetSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	cleared, err := j.repo.SweepExpiredResetTokens(ctx, time.Now())
	if err != nil {
		return err
	}
	if j.logger != nil && cleared > 0 {
		j.logger.Info("expired reset tokens cleared", slog.Int64("count", cleared))
	}
	return nil
}
