package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/internal/shared"
)

func newMiddlewareRouter(t *testing.T) (*chi.Mux, *shared.SessionManager, *shared.CSRFManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := shared.NewSessionManager(client, "membergate_session", "test-secret", time.Hour, 30*24*time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")

	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		SessionManager: sessions,
		CSRFManager:    csrf,
		CSRFExempt:     []string{"/webhooks/"},
	}) {
		r.Use(mw)
	}
	ok := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
	r.Get("/ping", ok)
	r.Post("/submit", ok)
	r.Post("/webhooks/stripe", ok)

	return r, sessions, csrf
}

func TestMiddlewareSessionCookieIssued(t *testing.T) {
	router, sessions, _ := newMiddlewareRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	res := http.Response{Header: rec.Header()}
	var sessionID string
	for _, c := range res.Cookies() {
		if c.Name == sessions.CookieName() {
			sessionID = c.Value
		}
	}
	require.NotEmpty(t, sessionID)

	stored, err := sessions.Fetch(context.Background(), sessionID)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestMiddlewareCSRFRejectsUntokenedPost(t *testing.T) {
	router, _, _ := newMiddlewareRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddlewareCSRFAcceptsSessionToken(t *testing.T) {
	router, sessions, csrf := newMiddlewareRouter(t)

	// Prime a session with a token the way GET /auth/session would.
	sess, err := sessions.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	token, err := csrf.EnsureToken(context.Background(), sess)
	require.NoError(t, err)
	require.NoError(t, sessions.Commit(context.Background(), httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), sess))

	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(&http.Cookie{Name: sessions.CookieName(), Value: sess.ID})
	req.Header.Set(shared.CSRFHeader, token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A forged token on the same session is still refused.
	forged := httptest.NewRequest(http.MethodPost, "/submit", nil)
	forged.AddCookie(&http.Cookie{Name: sessions.CookieName(), Value: sess.ID})
	forged.Header.Set(shared.CSRFHeader, "forged")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, forged)
	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestMiddlewareCSRFExemptPrefix(t *testing.T) {
	router, _, _ := newMiddlewareRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareGetBypassesCSRF(t *testing.T) {
	router, _, _ := newMiddlewareRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
