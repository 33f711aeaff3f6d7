package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/membergate/membergate/internal/accounts"
	"github.com/membergate/membergate/internal/observability"
	"github.com/membergate/membergate/internal/passreset"
	"github.com/membergate/membergate/internal/password"
	"github.com/membergate/membergate/internal/platform/httpx"
	"github.com/membergate/membergate/internal/shared"
	"github.com/membergate/membergate/internal/twofactor"
)

// AccountDirectory provides account lookups for session-gated endpoints.
type AccountDirectory interface {
	FindByID(ctx context.Context, id int64) (*accounts.Account, error)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	directory      AccountDirectory
	audit          SessionAudit
	twoFactor      *twofactor.Service
	resets         *passreset.Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	metrics        *observability.Metrics
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance. audit and metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, directory AccountDirectory, audit SessionAudit, twoFactor *twofactor.Service, resets *passreset.Service, sessions *shared.SessionManager, csrf *shared.CSRFManager, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:         logger,
		service:        service,
		directory:      directory,
		audit:          audit,
		twoFactor:      twoFactor,
		resets:         resets,
		sessionManager: sessions,
		csrfManager:    csrf,
		metrics:        metrics,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/session", h.handleSession)
	r.Get("/user-data", h.handleUserData)
	r.Route("/2fa", func(r chi.Router) {
		r.Post("/enroll", h.handleTwoFactorEnroll)
		r.Post("/confirm", h.handleTwoFactorConfirm)
		r.Post("/disable", h.handleTwoFactorDisable)
	})
	r.Route("/reset", func(r chi.Router) {
		r.Post("/request", h.handleResetRequest)
		r.Post("/redeem", h.handleResetRedeem)
	})
}

// MountContentRoutes registers the session-gated content routes.
func (h *Handler) MountContentRoutes(r chi.Router) {
	r.Get("/protected", h.handleProtectedContent)
}

type loginRequest struct {
	Email         string `json:"email" validate:"required,email"`
	Password      string `json:"password" validate:"required"`
	TwoFactorCode string `json:"two_factor_code" validate:"omitempty,numeric,len=6"`
	RememberMe    bool   `json:"remember_me"`
}

type loginResponse struct {
	Success   bool   `json:"success"`
	Status    Status `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email and password are required")
		return
	}

	result, err := h.service.Login(r.Context(), LoginInput{
		Email:         req.Email,
		Password:      req.Password,
		TwoFactorCode: req.TwoFactorCode,
		RememberMe:    req.RememberMe,
	})
	if err != nil {
		h.logger.Error("login", slog.Any("error", err))
		h.countLogin("server_error")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	sess := shared.SessionFromContext(r.Context())
	switch result.Status {
	case StatusInvalidCredentials:
		h.countLogin(string(StatusInvalidCredentials))
		httpx.JSON(w, http.StatusUnauthorized, loginResponse{Success: false, Status: StatusInvalidCredentials})
	case StatusTwoFactorRequired:
		// Credentials checked out but no session is granted yet; the client
		// must repeat the login with a code.
		if sess != nil {
			sess.SetPendingUser(strconv.FormatInt(result.Account.ID, 10))
		}
		h.countLogin(string(StatusTwoFactorRequired))
		httpx.JSON(w, http.StatusOK, loginResponse{Success: false, Status: StatusTwoFactorRequired})
	case StatusInvalidTwoFactorCode:
		h.countLogin(string(StatusInvalidTwoFactorCode))
		httpx.JSON(w, http.StatusUnauthorized, loginResponse{Success: false, Status: StatusInvalidTwoFactorCode})
	case StatusSuccess:
		if sess == nil {
			h.logger.Error("session missing during login")
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		sess.Authenticate(strconv.FormatInt(result.Account.ID, 10), req.RememberMe)
		expiresAt := time.Now().Add(h.sessionManager.TTL())
		if req.RememberMe {
			expiresAt = time.Now().Add(h.sessionManager.RememberTTL())
		}
		if h.audit != nil {
			if err := h.audit.CreateSession(r.Context(), sess.ID, result.Account.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
				h.logger.Warn("register session", slog.Any("error", err))
			}
		}
		h.countLogin(string(StatusSuccess))
		httpx.JSON(w, http.StatusOK, loginResponse{Success: true, Status: StatusSuccess, SessionID: sess.ID})
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if h.audit != nil {
			if err := h.audit.DeleteSession(r.Context(), sess.ID); err != nil {
				h.logger.Warn("remove session", slog.Any("error", err))
			}
		}
		h.sessionManager.Destroy(sess)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"authenticated":      sess.User() != "",
		"two_factor_pending": sess.PendingUser() != "",
		"csrf_token":         csrfToken,
	})
}

type userDataResponse struct {
	Email               string     `json:"email"`
	MembershipStatus    string     `json:"membership_status"`
	MembershipExpiresAt *time.Time `json:"membership_expires_at,omitempty"`
	TwoFactorEnabled    bool       `json:"two_factor_enabled"`
	CreatedAt           time.Time  `json:"created_at"`
}

func (h *Handler) handleUserData(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	account, err := h.directory.FindByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "please log in")
			return
		}
		h.logger.Error("user data", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, userDataResponse{
		Email:               account.Email,
		MembershipStatus:    account.MembershipStatus,
		MembershipExpiresAt: account.MembershipExpiresAt,
		TwoFactorEnabled:    account.TwoFactorEnabled,
		CreatedAt:           account.CreatedAt,
	})
}

func (h *Handler) handleProtectedContent(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"content": "This is protected content",
	})
}

type enrollResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

func (h *Handler) handleTwoFactorEnroll(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	enrollment, err := h.twoFactor.Enroll(r.Context(), userID)
	if err != nil {
		if errors.Is(err, twofactor.ErrAlreadyEnabled) {
			httpx.Problem(w, http.StatusConflict, "Duplicate", "two-factor already enabled")
			return
		}
		h.logger.Error("2fa enroll", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, enrollResponse{Secret: enrollment.Secret, ProvisioningURI: enrollment.ProvisioningURI})
}

type codeRequest struct {
	Code string `json:"code" validate:"required,numeric,len=6"`
}

func (h *Handler) handleTwoFactorConfirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "a 6-digit code is required")
		return
	}
	confirmed, err := h.twoFactor.ConfirmEnrollment(r.Context(), userID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, twofactor.ErrAlreadyEnabled):
			httpx.Problem(w, http.StatusConflict, "Duplicate", "two-factor already enabled")
		case errors.Is(err, twofactor.ErrNotEnrolled):
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "enrollment has not been started")
		default:
			h.logger.Error("2fa confirm", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	if !confirmed {
		httpx.JSON(w, http.StatusBadRequest, map[string]any{"success": false, "status": "invalid_code"})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := h.twoFactor.Disable(r.Context(), userID); err != nil {
		h.logger.Error("2fa disable", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true})
}

type resetRequestBody struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestBody
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "a valid email is required")
		return
	}
	if err := h.resets.RequestReset(r.Context(), req.Email); err != nil {
		h.logger.Error("reset request", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	// Identical response whether or not the account exists.
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "If that account exists, reset instructions have been sent.",
	})
}

type resetRedeemBody struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

func (h *Handler) handleResetRedeem(w http.ResponseWriter, r *http.Request) {
	var req resetRedeemBody
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "token and new_password are required")
		return
	}
	if _, err := h.resets.Redeem(r.Context(), req.Token, req.NewPassword); err != nil {
		var weak *passreset.WeakPasswordError
		switch {
		case errors.As(err, &weak):
			httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
				"success":    false,
				"status":     "weak_password",
				"violations": describeViolations(weak.Violations),
			})
		case errors.Is(err, shared.ErrInvalidOrExpiredToken):
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid or expired token")
		default:
			h.logger.Error("reset redeem", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true})
}

// requireUser resolves the authenticated user id or writes a 401.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.User() == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "please log in")
		return 0, false
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "please log in")
		return 0, false
	}
	return id, true
}

func (h *Handler) countLogin(outcome string) {
	if h.metrics != nil {
		h.metrics.CountLogin(outcome)
	}
}

func describeViolations(violations []password.Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = password.Describe(v)
	}
	return out
}
