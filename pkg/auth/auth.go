// Package auth extracts the caller's identity from inbound requests. The
// identity provider owns sessions; this package only verifies what it
// issued.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

var (
	// ErrNoCredentials is returned when a request carries no token at all.
	ErrNoCredentials = errors.New("no credentials")

	// ErrInvalidToken is returned when a token is present but fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

// SessionCookie is read when no Authorization header is present.
const SessionCookie = "__session"

// Authenticator turns a request into an Identity.
type Authenticator interface {
	Authenticate(r *http.Request) (subsync.Identity, error)
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id subsync.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by Middleware.
func IdentityFromContext(ctx context.Context) (subsync.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(subsync.Identity)
	if !ok || id.Subject == "" {
		return subsync.Identity{}, false
	}
	return id, true
}

// SubjectFromContext is IdentityFromContext(ctx).Subject, or "".
func SubjectFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Subject
}

// bearerToken reads "Authorization: Bearer <token>", falling back to the
// session cookie.
func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(token), nil
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrNoCredentials
}
