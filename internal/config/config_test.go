package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "FRONTEND_URL", "STORAGE_DRIVER", "STORAGE_CACHE", "FIRESTORE_PROJECT_ID",
	"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "SQLITE_PATH", "BILLING_PROVIDER",
	"BILLING_SECRET_KEY", "WEBHOOK_SECRET", "WEBHOOK_SCHEME", "WEBHOOK_RATE_LIMIT",
	"AUTH_MODE", "OIDC_ISSUER", "OIDC_CLIENT_ID", "JWT_SECRET", "JWT_ISSUER",
	"LOG_LEVEL", "METRICS_NAMESPACE",
}

// setEnv clears every known variable, then applies env.
func setEnv(t *testing.T, env map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, map[string]string{"AUTH_MODE": "header"})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "http://localhost:5173", cfg.FrontendURL)
	assert.Equal(t, DriverMemory, cfg.StorageDriver)
	assert.Equal(t, SchemeStripe, cfg.WebhookScheme)
	assert.Equal(t, 120, cfg.WebhookRateLimit)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
	assert.Equal(t, "subsync", cfg.MetricsNamespace)
	assert.False(t, cfg.BillingConfigured())
	assert.False(t, cfg.WebhookConfigured())
}

func TestLoad_PlaceholdersCountAsUnset(t *testing.T) {
	setEnv(t, map[string]string{
		"AUTH_MODE":          "header",
		"BILLING_SECRET_KEY": "your_stripe_secret_key_here",
		"WEBHOOK_SECRET":     "YOUR_WEBHOOK_SECRET_HERE",
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.BillingConfigured())
	assert.False(t, cfg.WebhookConfigured())
}

func TestLoad_FullConfig(t *testing.T) {
	setEnv(t, map[string]string{
		"PORT":               "9000",
		"FRONTEND_URL":       "https://app.example.com/",
		"STORAGE_DRIVER":     "Postgres",
		"STORAGE_CACHE":      "redis",
		"DATABASE_URL":       "postgres://localhost/subsync",
		"REDIS_ADDR":         "localhost:6379",
		"BILLING_SECRET_KEY": "sk_test_123",
		"WEBHOOK_SECRET":     "whsec_123",
		"WEBHOOK_SCHEME":     "svix",
		"AUTH_MODE":          "jwt",
		"JWT_SECRET":         "secret",
		"LOG_LEVEL":          "DEBUG",
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "https://app.example.com", cfg.FrontendURL)
	assert.Equal(t, DriverPostgres, cfg.StorageDriver)
	assert.Equal(t, DriverRedis, cfg.StorageCache)
	assert.Equal(t, SchemeSvix, cfg.WebhookScheme)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.True(t, cfg.BillingConfigured())
	assert.True(t, cfg.WebhookConfigured())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "bad port",
			env:     map[string]string{"AUTH_MODE": "header", "PORT": "abc"},
			wantErr: "PORT must be a valid integer",
		},
		{
			name:    "port out of range",
			env:     map[string]string{"AUTH_MODE": "header", "PORT": "70000"},
			wantErr: "PORT must be between 1 and 65535",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"AUTH_MODE": "header", "STORAGE_DRIVER": "mongo"},
			wantErr: "STORAGE_DRIVER",
		},
		{
			name:    "postgres without url",
			env:     map[string]string{"AUTH_MODE": "header", "STORAGE_DRIVER": "postgres"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "cache over memory",
			env:     map[string]string{"AUTH_MODE": "header", "STORAGE_CACHE": "redis", "REDIS_ADDR": "x:1"},
			wantErr: "durable STORAGE_DRIVER",
		},
		{
			name:    "oidc without issuer",
			env:     map[string]string{},
			wantErr: "OIDC_ISSUER, OIDC_CLIENT_ID",
		},
		{
			name:    "jwt without secret",
			env:     map[string]string{"AUTH_MODE": "jwt"},
			wantErr: "JWT_SECRET",
		},
		{
			name:    "unknown scheme",
			env:     map[string]string{"AUTH_MODE": "header", "WEBHOOK_SCHEME": "hmac"},
			wantErr: "WEBHOOK_SCHEME",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"AUTH_MODE": "header", "LOG_LEVEL": "loud"},
			wantErr: "LOG_LEVEL",
		},
		{
			name:    "bad frontend url",
			env:     map[string]string{"AUTH_MODE": "header", "FRONTEND_URL": "ftp://example.com"},
			wantErr: "FRONTEND_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, isPlaceholder("your_key_here"))
	assert.False(t, isPlaceholder("sk_live_your_here"))
	assert.False(t, isPlaceholder(""))
}
