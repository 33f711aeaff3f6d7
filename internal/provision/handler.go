package provision

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/membergate/membergate/internal/platform/httpx"
	"github.com/membergate/membergate/internal/shared"
)

// OpsHandler exposes the manual recovery surface for operators. Requests
// authenticate with a bearer token rather than a session.
type OpsHandler struct {
	logger    *slog.Logger
	service   *Service
	token     string
	validator *validator.Validate
}

// NewOpsHandler constructs an OpsHandler. An empty token disables the routes.
func NewOpsHandler(logger *slog.Logger, service *Service, token string) *OpsHandler {
	return &OpsHandler{logger: logger, service: service, token: token, validator: validator.New()}
}

// MountRoutes registers operator routes on the provided router.
func (h *OpsHandler) MountRoutes(r chi.Router) {
	r.Post("/resend-credentials", h.handleResendCredentials)
}

type resendRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *OpsHandler) handleResendCredentials(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req resendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "a valid email is required")
		return
	}

	account, err := h.service.ResendCredentials(r.Context(), req.Email)
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no account for that email")
		case errors.Is(err, shared.ErrDeliveryFailed):
			httpx.Problem(w, http.StatusBadGateway, "Delivery Failed", "credentials rotated but could not be sent")
		default:
			h.logger.Error("resend credentials", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "email": account.Email})
}

func (h *OpsHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	supplied := r.Header.Get("Authorization")
	expected := "Bearer " + h.token
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) == 1
}
