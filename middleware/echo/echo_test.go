package echo

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

// Test helper to create a status service with seeded subscriptions
func setupStatus(t *testing.T) *subsync.StatusService {
	t.Helper()

	storage := memory.New()
	identity, err := subsync.NewIdentityResolver(storage, nil)
	if err != nil {
		t.Fatalf("Failed to create identity resolver: %v", err)
	}
	status, err := subsync.NewStatusService(identity, storage, nil)
	if err != nil {
		t.Fatalf("Failed to create status service: %v", err)
	}
	storagetest.Seed(t, storage, "user_active", subsync.StatusActive)
	storagetest.Seed(t, storage, "user_canceled", subsync.StatusCanceled)
	return status
}

func serve(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequireEntitlement(t *testing.T) {
	e := echo.New()
	e.GET("/dashboard", func(c echo.Context) error {
		return c.String(http.StatusOK, "dashboard")
	}, RequireEntitlement(Config{
		Status:    setupStatus(t),
		GetUserID: FromHeader("X-User-ID"),
	}))

	tests := []struct {
		name     string
		userID   string
		wantCode int
	}{
		{"active", "user_active", http.StatusOK},
		{"canceled", "user_canceled", http.StatusPaymentRequired},
		{"anonymous", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(e, tt.userID); rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestRequireEntitlement_FromContextValue(t *testing.T) {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", c.Request().Header.Get("X-User-ID"))
			return next(c)
		}
	})
	e.GET("/dashboard", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, RequireEntitlement(Config{
		Status:     setupStatus(t),
		GetUserID:  FromContext("UserID"),
		SignInURL:  "/sign-in",
		PricingURL: "/pricing",
	}))

	if rec := serve(e, "user_active"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	rec := serve(e, "")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/sign-in" {
		t.Errorf("Expected redirect to /sign-in, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestRequireEntitlement_FromIdentity(t *testing.T) {
	e := echo.New()
	e.Use(echo.WrapMiddleware(auth.Middleware(auth.HeaderAuthenticator{}, nil)))
	e.GET("/dashboard", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, RequireEntitlement(Config{Status: setupStatus(t)}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set(auth.HeaderSubject, "user_active")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
