package shared

import "context"

// Unexported key type keeps other packages from colliding with the session
// value; they go through the two helpers below.
type sessionContextKey struct{}

// ContextWithSession attaches the request session to ctx. The session
// middleware is the only writer.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the request session, or nil outside the
// middleware chain.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}
