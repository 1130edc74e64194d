package auth

import (
	"net/http"
	"strings"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Header names read by HeaderAuthenticator.
const (
	HeaderSubject = "X-Auth-Subject"
	HeaderEmail   = "X-Auth-Email"
	HeaderName    = "X-Auth-Name"
)

// HeaderAuthenticator trusts identity headers set by an authenticating
// reverse proxy. Only use it behind such a proxy.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (subsync.Identity, error) {
	sub := strings.TrimSpace(r.Header.Get(HeaderSubject))
	if sub == "" {
		return subsync.Identity{}, ErrNoCredentials
	}
	return subsync.Identity{
		Subject: sub,
		Email:   strings.TrimSpace(r.Header.Get(HeaderEmail)),
		Name:    strings.TrimSpace(r.Header.Get(HeaderName)),
	}, nil
}
