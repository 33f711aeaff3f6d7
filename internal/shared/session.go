package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionManager orchestrates cookie based sessions backed by Redis.
//
// Two expiry policies exist per session. The default is a rolling window: the
// Redis TTL is refreshed on every commit and the cookie carries no Expires
// attribute, so it dies with the client. A remembered session instead gets a
// fixed long lifetime chosen once at authentication time.
type SessionManager struct {
	client      *redis.Client
	cookieName  string
	ttl         time.Duration
	rememberTTL time.Duration
	secure      bool
	secret      []byte
}

// Session holds per-request session data.
type Session struct {
	ID            string
	values        map[string]string
	userID        string
	pendingUserID string
	remember      bool
	manager       *SessionManager
	isNew         bool
	dirty         bool
	destroyed     bool
}

type sessionPayload struct {
	Values        map[string]string `json:"values"`
	UserID        string            `json:"user_id"`
	PendingUserID string            `json:"pending_user_id,omitempty"`
	Remember      bool              `json:"remember,omitempty"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, secret string, ttl, rememberTTL time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:      client,
		cookieName:  cookieName,
		ttl:         ttl,
		rememberTTL: rememberTTL,
		secure:      secure,
		secret:      []byte(secret),
	}
}

// Load loads or creates a new session for request.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}
	sess, err := sm.Fetch(ctx, cookie.Value)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = sm.newSession()
		sess.ID = cookie.Value
		sess.isNew = true
	}
	return sess, nil
}

// Fetch retrieves a stored session by id. A nil session and nil error means
// the id is unknown or expired.
func (sm *SessionManager) Fetch(ctx context.Context, id string) (*Session, error) {
	payload, err := sm.client.Get(ctx, sm.redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}

	sess := sm.newSession()
	sess.ID = id
	sess.values = stored.Values
	sess.userID = stored.UserID
	sess.pendingUserID = stored.PendingUserID
	sess.remember = stored.Remember
	sess.isNew = false
	sess.dirty = false
	return sess, nil
}

// Commit persists the session and writes cookie headers as needed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}

	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteStrictMode,
		})
		return nil
	}

	if sess.isNew && sess.ID == "" {
		sess.ID = sm.generateSessionID()
	}

	ttl := sm.lifetime(sess)
	if sess.dirty || sess.isNew {
		payload := sessionPayload{Values: sess.values, UserID: sess.userID, PendingUserID: sess.pendingUserID, Remember: sess.remember}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := sm.client.Set(ctx, sm.redisKey(sess.ID), data, ttl).Err(); err != nil {
			return err
		}
		sess.dirty = false
	} else if !sess.remember {
		// Sliding window: refresh the store expiry on activity.
		if err := sm.client.Expire(ctx, sm.redisKey(sess.ID), ttl).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}

	if sess.ID != "" {
		cookie := &http.Cookie{
			Name:     sm.cookieName,
			Value:    sess.ID,
			Path:     "/",
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteStrictMode,
		}
		if sess.remember {
			cookie.Expires = time.Now().Add(sm.rememberTTL)
			cookie.MaxAge = int(sm.rememberTTL / time.Second)
		}
		http.SetCookie(w, cookie)
	}

	return nil
}

// Touch extends a rolling session's expiry window. Remembered sessions keep
// their fixed lifetime, so touching them is a no-op.
func (sm *SessionManager) Touch(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	sess, err := sm.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil || sess.remember {
		return nil
	}
	err = sm.client.Expire(ctx, sm.redisKey(id), sm.lifetime(sess)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
}

// TTL exposes the configured rolling session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// RememberTTL exposes the fixed lifetime for remembered sessions.
func (sm *SessionManager) RememberTTL() time.Duration {
	return sm.rememberTTL
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// Session helpers

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.values == nil {
		return ""
	}
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if s.values == nil {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

// Authenticate promotes the session to a logged-in state and selects its
// expiry policy. Any pending second-factor marker is cleared.
func (s *Session) Authenticate(userID string, remember bool) {
	s.userID = userID
	s.pendingUserID = ""
	s.remember = remember
	s.dirty = true
}

// User returns the current user ID, empty until authenticated.
func (s *Session) User() string {
	return s.userID
}

// SetPendingUser records a credentials-verified user awaiting a second factor.
// The session is not authenticated until the code check passes.
func (s *Session) SetPendingUser(id string) {
	s.pendingUserID = id
	s.dirty = true
}

// PendingUser returns the user awaiting second-factor verification.
func (s *Session) PendingUser() string {
	return s.pendingUserID
}

// Remembered reports whether the session uses the fixed long expiry.
func (s *Session) Remembered() bool {
	return s.remember
}

func (sm *SessionManager) lifetime(sess *Session) time.Duration {
	if sess.remember {
		return sm.rememberTTL
	}
	return sm.ttl
}

func (sm *SessionManager) newSession() *Session {
	return &Session{
		ID:      sm.generateSessionID(),
		values:  make(map[string]string),
		manager: sm,
		isNew:   true,
		dirty:   true,
	}
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

func (sm *SessionManager) generateSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	if len(sm.secret) > 0 {
		for i := range b {
			b[i] ^= sm.secret[i%len(sm.secret)]
		}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
