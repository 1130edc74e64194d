package fiber

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

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

func setupApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if id := c.Get("X-User-ID"); id != "" {
			c.Locals("UserID", id)
		}
		return c.Next()
	})
	app.Get("/dashboard", RequireEntitlement(cfg), func(c *fiber.Ctx) error {
		return c.SendString("dashboard")
	})
	return app
}

func TestRequireEntitlement(t *testing.T) {
	app := setupApp(Config{
		Status:    setupStatus(t),
		GetUserID: FromContext("UserID"),
	})

	tests := []struct {
		name     string
		userID   string
		wantCode int
	}{
		{"active", "user_active", fiber.StatusOK},
		{"canceled", "user_canceled", fiber.StatusPaymentRequired},
		{"unknown", "user_unknown", fiber.StatusPaymentRequired},
		{"anonymous", "", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, resp.StatusCode)
			}
		})
	}
}

func TestRequireEntitlement_Redirects(t *testing.T) {
	app := setupApp(Config{
		Status:     setupStatus(t),
		GetUserID:  FromHeader("X-User-ID"),
		SignInURL:  "/sign-in",
		PricingURL: "/pricing",
	})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("X-User-ID", "user_canceled")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusFound || resp.Header.Get("Location") != "/pricing" {
		t.Errorf("Expected redirect to /pricing, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestRequireEntitlement_PanicsWithoutExtractor(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic without GetUserID")
		}
	}()
	RequireEntitlement(Config{Status: setupStatus(t)})
}
