package gin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

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
	storagetest.Seed(t, storage, "user_pastdue", subsync.StatusPastDue)
	return status
}

func setupRouter(cfg Config) *gongin.Engine {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("UserID", id)
		}
		c.Next()
	})
	r.GET("/dashboard", RequireEntitlement(cfg), func(c *gongin.Context) {
		c.String(http.StatusOK, "dashboard")
	})
	return r
}

func TestRequireEntitlement(t *testing.T) {
	router := setupRouter(Config{
		Status:    setupStatus(t),
		GetUserID: FromContext("UserID"),
	})

	tests := []struct {
		name     string
		userID   string
		wantCode int
	}{
		{"active", "user_active", http.StatusOK},
		{"past due", "user_pastdue", http.StatusPaymentRequired},
		{"anonymous", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestRequireEntitlement_Redirects(t *testing.T) {
	router := setupRouter(Config{
		Status:     setupStatus(t),
		GetUserID:  FromHeader("X-User-ID"),
		SignInURL:  "/sign-in",
		PricingURL: "/pricing",
	})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("X-User-ID", "user_pastdue")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/pricing" {
		t.Errorf("Expected redirect to /pricing, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}
