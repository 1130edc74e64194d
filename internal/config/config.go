// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Storage drivers accepted in STORAGE_DRIVER.
const (
	DriverMemory    = "memory"
	DriverFirestore = "firestore"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverSQLite    = "sqlite"
)

// Webhook signature schemes accepted in WEBHOOK_SCHEME.
const (
	SchemeStripe = "stripe"
	SchemeSvix   = "svix"
)

// Authentication modes accepted in AUTH_MODE.
const (
	AuthOIDC   = "oidc"
	AuthJWT    = "jwt"
	AuthHeader = "header"
)

// Config holds all configuration for the service.
type Config struct {
	Port        int
	FrontendURL string

	StorageDriver      string
	StorageCache       string // "redis" puts Redis in front of a durable driver
	FirestoreProjectID string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	SQLitePath         string

	BillingProvider  string
	BillingSecretKey string
	WebhookSecret    string
	WebhookScheme    string
	WebhookRateLimit int // requests per minute per IP, 0 disables

	AuthMode     string
	OIDCIssuer   string
	OIDCClientID string
	JWTSecret    string
	JWTIssuer    string

	LogLevel         zerolog.Level
	MetricsNamespace string
}

// BillingConfigured reports whether outbound billing calls are possible. Without
// a secret the service serves fallback plans and refuses checkout.
func (c *Config) BillingConfigured() bool {
	return c.BillingSecretKey != ""
}

// WebhookConfigured reports whether inbound webhooks can be verified.
func (c *Config) WebhookConfigured() bool {
	return c.WebhookSecret != ""
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("WEBHOOK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(strings.ToLower(envOrDefault("LOG_LEVEL", "info")))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		Port:               port,
		FrontendURL:        strings.TrimRight(envOrDefault("FRONTEND_URL", "http://localhost:5173"), "/"),
		StorageDriver:      strings.ToLower(envOrDefault("STORAGE_DRIVER", DriverMemory)),
		StorageCache:       strings.ToLower(envValue("STORAGE_CACHE")),
		FirestoreProjectID: envValue("FIRESTORE_PROJECT_ID"),
		DatabaseURL:        envValue("DATABASE_URL"),
		RedisAddr:          envValue("REDIS_ADDR"),
		RedisPassword:      envValue("REDIS_PASSWORD"),
		SQLitePath:         envOrDefault("SQLITE_PATH", "subsync.db"),
		BillingProvider:    strings.ToLower(envOrDefault("BILLING_PROVIDER", "stripe")),
		BillingSecretKey:   envValue("BILLING_SECRET_KEY"),
		WebhookSecret:      envValue("WEBHOOK_SECRET"),
		WebhookScheme:      strings.ToLower(envOrDefault("WEBHOOK_SCHEME", SchemeStripe)),
		WebhookRateLimit:   rateLimit,
		AuthMode:           strings.ToLower(envOrDefault("AUTH_MODE", AuthOIDC)),
		OIDCIssuer:         envValue("OIDC_ISSUER"),
		OIDCClientID:       envValue("OIDC_CLIENT_ID"),
		JWTSecret:          envValue("JWT_SECRET"),
		JWTIssuer:          envValue("JWT_ISSUER"),
		LogLevel:           level,
		MetricsNamespace:   envOrDefault("METRICS_NAMESPACE", "subsync"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	parsed, err := url.Parse(c.FrontendURL)
	if err != nil {
		return fmt.Errorf("FRONTEND_URL must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("FRONTEND_URL must use http or https scheme")
	}

	var missing []string
	switch c.StorageDriver {
	case DriverMemory:
	case DriverFirestore:
		if c.FirestoreProjectID == "" {
			missing = append(missing, "FIRESTORE_PROJECT_ID")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER %q is not one of memory, firestore, postgres, redis, sqlite", c.StorageDriver)
	}

	switch c.StorageCache {
	case "":
	case DriverRedis:
		if c.StorageDriver == DriverMemory || c.StorageDriver == DriverRedis {
			return fmt.Errorf("STORAGE_CACHE=redis needs a durable STORAGE_DRIVER, got %q", c.StorageDriver)
		}
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
	default:
		return fmt.Errorf("STORAGE_CACHE %q is not supported", c.StorageCache)
	}

	if c.BillingProvider != "stripe" {
		return fmt.Errorf("BILLING_PROVIDER %q is not supported", c.BillingProvider)
	}
	if c.WebhookScheme != SchemeStripe && c.WebhookScheme != SchemeSvix {
		return fmt.Errorf("WEBHOOK_SCHEME %q is not one of stripe, svix", c.WebhookScheme)
	}
	if c.WebhookRateLimit < 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT must not be negative, got %d", c.WebhookRateLimit)
	}

	switch c.AuthMode {
	case AuthOIDC:
		if c.OIDCIssuer == "" {
			missing = append(missing, "OIDC_ISSUER")
		}
		if c.OIDCClientID == "" {
			missing = append(missing, "OIDC_CLIENT_ID")
		}
	case AuthJWT:
		if c.JWTSecret == "" {
			missing = append(missing, "JWT_SECRET")
		}
	case AuthHeader:
	default:
		return fmt.Errorf("AUTH_MODE %q is not one of oidc, jwt, header", c.AuthMode)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// isPlaceholder matches template values such as "your_stripe_secret_key_here".
func isPlaceholder(v string) bool {
	lower := strings.ToLower(v)
	return strings.HasPrefix(lower, "your_") && strings.HasSuffix(lower, "_here")
}

// envValue returns the trimmed variable, treating placeholders as unset.
func envValue(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if isPlaceholder(v) {
		return ""
	}
	return v
}

func envOrDefault(key, fallback string) string {
	if v := envValue(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := envValue(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}
