package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// OIDCAuthenticator verifies ID tokens issued by an OpenID Connect provider.
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator discovers issuer's keys and returns an authenticator
// that accepts tokens for clientID.
func NewOIDCAuthenticator(ctx context.Context, issuer, clientID string) (*OIDCAuthenticator, error) {
	if issuer == "" || clientID == "" {
		return nil, errors.New("oidc issuer and client id are required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover oidc provider: %w", err)
	}
	return &OIDCAuthenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// NewOIDCAuthenticatorWithKeySet builds an authenticator without discovery.
func NewOIDCAuthenticatorWithKeySet(issuer, clientID string, keySet oidc.KeySet) *OIDCAuthenticator {
	return &OIDCAuthenticator{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: clientID}),
	}
}

// Authenticate implements Authenticator.
func (a *OIDCAuthenticator) Authenticate(r *http.Request) (subsync.Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return subsync.Identity{}, err
	}
	token, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		return subsync.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := token.Claims(&claims); err != nil {
		return subsync.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return subsync.Identity{Subject: token.Subject, Email: claims.Email, Name: claims.Name}, nil
}
