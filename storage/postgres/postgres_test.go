package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

// setupTestStorage connects to POSTGRES_TEST_DSN and empties every table.
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	config := DefaultConfig()
	config.ConnectionString = dsn

	storage, err := New(ctx, config)
	if err != nil {
		t.Skipf("Skipping test: failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(storage.Close)

	if err := storage.truncate(ctx); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	return storage
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subsync.Storage {
		return setupTestStorage(t)
	})
}

func TestStorage_MigrateIsIdempotent(t *testing.T) {
	storage := setupTestStorage(t)
	if err := storage.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestNew_RequiresConnectionString(t *testing.T) {
	if _, err := New(context.Background(), DefaultConfig()); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}
