// Package session carries the per-request principal produced by the
// authentication and configuration gates.
package session

import (
	"context"

	"golang.org/x/oauth2"
)

// Session is built once per request and threaded to every handler. Token is
// nil when the principal has no credentials on file.
type Session struct {
	UserID string
	Token  *oauth2.Token
	Data   map[string]string
}

type contextKey struct{}

func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the request session, or nil outside a gated handler.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}

// HasRefreshToken reports whether the credentials can be refreshed without
// asking the user again.
func (s *Session) HasRefreshToken() bool {
	return s != nil && s.Token != nil && s.Token.RefreshToken != ""
}
