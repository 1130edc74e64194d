package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(context.Background(), Config{Path: filepath.Join(t.TempDir(), "subsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subsync.Storage {
		return newTestStorage(t)
	})
}

func TestStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subsync.db")

	s, err := New(ctx, Config{Path: path})
	require.NoError(t, err)
	sub := storagetest.Seed(t, s, "user_42", subsync.StatusActive)
	require.NoError(t, s.Close())

	reopened, err := New(ctx, Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetSubscription(ctx, sub.ProviderSubscriptionID)
	require.NoError(t, err)
	storagetest.AssertSubscriptionEqual(t, sub, got)
}

func TestStorage_PreservesSubSecondTimestamps(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	at := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))
	ev := &subsync.WebhookEvent{ID: "evt_1", Type: "unparseable", CreatedAt: at, Payload: []byte("not json")}
	require.NoError(t, s.AppendWebhookEvent(ctx, ev))
	require.Error(t, s.AppendWebhookEvent(ctx, ev), "duplicate event ID")

	got, err := s.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(at), "CreatedAt = %v", got.CreatedAt)
	assert.Equal(t, "not json", string(got.Payload))
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
