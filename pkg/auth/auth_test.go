package auth_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

func requestWithToken(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestJWTAuthenticator(t *testing.T) {
	authn, err := auth.NewJWTAuthenticator("test-secret", "subsync")
	require.NoError(t, err)

	now := time.Now()
	valid, err := authn.IssueToken(subsync.Identity{Subject: "user_abc", Email: "abc@example.com"}, time.Hour, now)
	require.NoError(t, err)

	id, err := authn.Authenticate(requestWithToken(valid))
	require.NoError(t, err)
	assert.Equal(t, "user_abc", id.Subject)
	assert.Equal(t, "abc@example.com", id.Email)

	_, err = authn.Authenticate(requestWithToken(""))
	assert.ErrorIs(t, err, auth.ErrNoCredentials)

	expired, err := authn.IssueToken(subsync.Identity{Subject: "user_abc"}, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = authn.Authenticate(requestWithToken(expired))
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	other, err := auth.NewJWTAuthenticator("other-secret", "subsync")
	require.NoError(t, err)
	forged, err := other.IssueToken(subsync.Identity{Subject: "user_abc"}, time.Hour, now)
	require.NoError(t, err)
	_, err = authn.Authenticate(requestWithToken(forged))
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	r := requestWithToken("")
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = authn.Authenticate(r)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestJWTAuthenticator_SessionCookie(t *testing.T) {
	authn, err := auth.NewJWTAuthenticator("test-secret", "")
	require.NoError(t, err)
	token, err := authn.IssueToken(subsync.Identity{Subject: "user_cookie"}, time.Hour, time.Now())
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	r.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: token})

	id, err := authn.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user_cookie", id.Subject)
}

func TestOIDCAuthenticator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	const issuer = "https://auth.example.com"
	authn := auth.NewOIDCAuthenticatorWithKeySet(issuer, "subsync-web",
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}})

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		require.NoError(t, err)
		return token
	}
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":   issuer,
			"aud":   "subsync-web",
			"sub":   "user_oidc",
			"email": "oidc@example.com",
			"name":  "Oidc User",
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(time.Hour).Unix(),
		}
	}

	id, err := authn.Authenticate(requestWithToken(sign(base())))
	require.NoError(t, err)
	assert.Equal(t, subsync.Identity{Subject: "user_oidc", Email: "oidc@example.com", Name: "Oidc User"}, id)

	wrongAudience := base()
	wrongAudience["aud"] = "someone-else"
	_, err = authn.Authenticate(requestWithToken(sign(wrongAudience)))
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	expired := base()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err = authn.Authenticate(requestWithToken(sign(expired)))
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestHeaderAuthenticator(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := auth.HeaderAuthenticator{}.Authenticate(r)
	assert.ErrorIs(t, err, auth.ErrNoCredentials)

	r.Header.Set(auth.HeaderSubject, " user_proxy ")
	r.Header.Set(auth.HeaderEmail, "proxy@example.com")
	id, err := auth.HeaderAuthenticator{}.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user_proxy", id.Subject)
	assert.Equal(t, "proxy@example.com", id.Email)
}

func TestMiddleware(t *testing.T) {
	var seen subsync.Identity
	var seenOK bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, seenOK = auth.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := auth.Middleware(auth.HeaderAuthenticator{}, nil)(next)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, seenOK, "anonymous requests carry no identity")

	r.Header.Set(auth.HeaderSubject, "user_abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.True(t, seenOK)
	assert.Equal(t, "user_abc", seen.Subject)
}

func TestMiddleware_RejectsInvalidToken(t *testing.T) {
	authn, err := auth.NewJWTAuthenticator("test-secret", "")
	require.NoError(t, err)

	called := false
	handler := auth.Middleware(authn, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithToken("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestRequireIdentity(t *testing.T) {
	handler := auth.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(auth.WithIdentity(r.Context(), subsync.Identity{Subject: "user_abc"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentityFromContext_Empty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := auth.IdentityFromContext(auth.WithIdentity(r.Context(), subsync.Identity{}))
	assert.False(t, ok)
}
