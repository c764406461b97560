package session

import "context"

type sessionKey struct{}

// WithSession records the session on the context so layers below the
// loop (tool approval, ask_user) can reach its rendezvous without a
// direct reference.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session recorded by WithSession.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
