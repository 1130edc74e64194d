package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Middleware authenticates every request. Requests without credentials pass
// through anonymously; requests with credentials that fail verification are
// rejected with 401.
func Middleware(authn Authenticator, logger subsync.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authn.Authenticate(r)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			case errors.Is(err, ErrNoCredentials):
				next.ServeHTTP(w, r)
			default:
				logger.Warn("Authentication failed",
					subsync.Field{Key: "path", Value: r.URL.Path},
					subsync.Field{Key: "error", Value: err.Error()},
				)
				writeUnauthorized(w)
			}
		})
	}
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Not authenticated"})
}
