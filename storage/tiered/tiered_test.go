package tiered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

// failingHot rejects every write, standing in for an unreachable cache.
type failingHot struct {
	*memory.Storage
}

var errCacheDown = errors.New("cache down")

func (f failingHot) CreateUser(context.Context, *subsync.User) error { return errCacheDown }

func (f failingHot) InsertSubscription(context.Context, *subsync.Subscription) error {
	return errCacheDown
}

func (f failingHot) PatchSubscription(context.Context, string, *subsync.SubscriptionPatch) (*subsync.Subscription, error) {
	return nil, errCacheDown
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subsync.Storage {
		s, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		require.NoError(t, err)
		return s
	})
}

// --- Read-Through Strategy Tests ---

func TestStorage_GetSubscription_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	sub := storagetest.NewSubscription("sub_1", "user_1")
	require.NoError(t, cold.InsertSubscription(ctx, sub))

	got, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	storagetest.AssertSubscriptionEqual(t, sub, got)

	// Hot was repaired from Cold.
	cached, err := hot.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	storagetest.AssertSubscriptionEqual(t, sub, cached)
}

func TestStorage_GetUser_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	require.NoError(t, cold.CreateUser(ctx, storagetest.NewUser("user_1")))

	_, err := storage.GetUser(ctx, "user_1")
	require.NoError(t, err)
	_, err = hot.GetUser(ctx, "user_1")
	assert.NoError(t, err)

	_, err = storage.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, subsync.ErrUserNotFound)
}

// --- Write-Through Strategy Tests ---

func TestStorage_PatchSubscription_RepairsStaleHot(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	require.NoError(t, cold.InsertSubscription(ctx, storagetest.NewSubscription("sub_1", "user_1")))
	stale := storagetest.NewSubscription("sub_1", "user_1")
	stale.Amount = 1
	stale.CanceledAt = &time.Time{}
	require.NoError(t, hot.InsertSubscription(ctx, stale))

	status := subsync.StatusPastDue
	patched, err := storage.PatchSubscription(ctx, "sub_1", &subsync.SubscriptionPatch{
		Status:    &status,
		UpdatedAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	cached, err := hot.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	storagetest.AssertSubscriptionEqual(t, patched, cached)
}

func TestStorage_PatchSubscription_FillsMissingHot(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	require.NoError(t, cold.InsertSubscription(ctx, storagetest.NewSubscription("sub_1", "user_1")))

	status := subsync.StatusCanceled
	patched, err := storage.PatchSubscription(ctx, "sub_1", &subsync.SubscriptionPatch{Status: &status})
	require.NoError(t, err)

	cached, err := hot.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, cached.Status)
	storagetest.AssertSubscriptionEqual(t, patched, cached)
}

func TestStorage_CacheErrorsDoNotFailWrites(t *testing.T) {
	var cacheErrs []error
	cold := memory.New()
	storage, _ := New(Config{
		Hot:          failingHot{memory.New()},
		Cold:         cold,
		OnCacheError: func(err error) { cacheErrs = append(cacheErrs, err) },
	})
	ctx := context.Background()

	require.NoError(t, storage.CreateUser(ctx, storagetest.NewUser("user_1")))
	require.NoError(t, storage.InsertSubscription(ctx, storagetest.NewSubscription("sub_1", "user_1")))
	status := subsync.StatusPastDue
	_, err := storage.PatchSubscription(ctx, "sub_1", &subsync.SubscriptionPatch{Status: &status})
	require.NoError(t, err)

	got, err := cold.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusPastDue, got.Status)

	require.Len(t, cacheErrs, 3)
	for _, err := range cacheErrs {
		assert.ErrorIs(t, err, errCacheDown)
	}
}

// --- Cold-Only Strategy Tests ---

func TestStorage_ListsReadCold(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	require.NoError(t, hot.InsertSubscription(ctx, storagetest.NewSubscription("sub_hot_only", "user_1")))
	require.NoError(t, cold.InsertSubscription(ctx, storagetest.NewSubscription("sub_1", "user_1")))

	subs, err := storage.ListSubscriptionsByUser(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_1", subs[0].ProviderSubscriptionID)

	require.NoError(t, storage.AppendWebhookEvent(ctx, &subsync.WebhookEvent{ID: "evt_1", Type: "t"}))
	_, err = cold.GetWebhookEvent(ctx, "evt_1")
	assert.NoError(t, err)
	_, err = hot.GetWebhookEvent(ctx, "evt_1")
	assert.ErrorIs(t, err, subsync.ErrEventNotFound)
}
