package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/membergate/membergate/internal/platform/httpx"
	"github.com/membergate/membergate/internal/provision"
	"github.com/membergate/membergate/internal/shared"
)

// Stripe caps event payloads well below this.
const maxPayloadBytes = 65536

// Provisioner turns a completed checkout into a member account.
type Provisioner interface {
	Provision(ctx context.Context, email, eventID string) (*provision.Result, error)
}

// WebhookHandler receives Stripe events and drives account provisioning.
type WebhookHandler struct {
	logger        *slog.Logger
	provisioner   Provisioner
	signingSecret string
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(logger *slog.Logger, provisioner Provisioner, signingSecret string) *WebhookHandler {
	return &WebhookHandler{logger: logger, provisioner: provisioner, signingSecret: signingSecret}
}

// MountRoutes registers webhook routes on the provided router.
func (h *WebhookHandler) MountRoutes(r chi.Router) {
	r.Post("/stripe", h.handleStripeEvent)
}

func (h *WebhookHandler) handleStripeEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable payload")
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.signingSecret)
	if err != nil {
		h.logger.Warn("webhook signature rejected", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "signature verification failed")
		return
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		// Acknowledge everything else so Stripe stops resending it.
		h.logger.Debug("webhook event ignored", slog.String("type", string(event.Type)))
		httpx.JSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.logger.Error("webhook payload decode", slog.String("event_id", event.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed event payload")
		return
	}
	if session.CustomerDetails == nil || session.CustomerDetails.Email == "" {
		h.logger.Error("webhook event missing customer email", slog.String("event_id", event.ID))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "missing customer email")
		return
	}

	result, err := h.provisioner.Provision(r.Context(), session.CustomerDetails.Email, event.ID)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrDeliveryFailed):
		// The account exists; credentials can be re-sent by an operator.
		// Returning 200 keeps Stripe from replaying an event that would
		// provision nothing new.
		h.logger.Error("credential delivery failed", slog.String("event_id", event.ID))
	default:
		h.logger.Error("provisioning failed", slog.String("event_id", event.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	if result != nil && result.AlreadyProvisioned {
		h.logger.Info("webhook event already processed", slog.String("event_id", event.ID))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"received": true})
}
