// Package storagetest holds the behavioral contract every subsync.Storage
// backend must satisfy. Backend test files call Run with a factory that
// returns an empty, isolated storage.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Factory returns an empty storage for one subtest.
type Factory func(t *testing.T) subsync.Storage

// base is truncated to whole seconds so every backend round-trips it exactly.
var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract suite.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()
	t.Run("Users", func(t *testing.T) { testUsers(t, newStorage(t)) })
	t.Run("ConcurrentCreateUser", func(t *testing.T) { testConcurrentCreateUser(t, newStorage(t)) })
	t.Run("RenameUser", func(t *testing.T) { testRenameUser(t, newStorage(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStorage(t)) })
	t.Run("PatchSubscription", func(t *testing.T) { testPatchSubscription(t, newStorage(t)) })
	t.Run("ReassignSubscriptions", func(t *testing.T) { testReassign(t, newStorage(t)) })
	t.Run("WebhookEvents", func(t *testing.T) { testWebhookEvents(t, newStorage(t)) })
}

// NewUser returns a user fixture.
func NewUser(token string) *subsync.User {
	return &subsync.User{
		ID:              "id-" + token,
		TokenIdentifier: token,
		Email:           token + "@example.com",
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

// Seed stores a user for token, unless present, and one subscription with
// the given status. The subscription ID is "sub_<token>_<status>".
func Seed(t *testing.T, s subsync.Storage, token string, status subsync.Status) *subsync.Subscription {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateUser(ctx, NewUser(token)); err != nil && !errors.Is(err, subsync.ErrUserExists) {
		t.Fatalf("CreateUser failed: %v", err)
	}
	sub := NewSubscription(fmt.Sprintf("sub_%s_%s", token, status), token)
	sub.Status = status
	if err := s.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("InsertSubscription failed: %v", err)
	}
	return sub
}

// NewSubscription returns an active subscription fixture.
func NewSubscription(id, userID string) *subsync.Subscription {
	started := base.Add(-time.Hour)
	return &subsync.Subscription{
		ProviderSubscriptionID: id,
		UserID:                 userID,
		Status:                 subsync.StatusActive,
		PriceID:                "price_" + id,
		CustomerID:             "cus_" + userID,
		Amount:                 900,
		Currency:               "usd",
		Interval:               "month",
		CurrentPeriodStart:     base,
		CurrentPeriodEnd:       base.AddDate(0, 1, 0),
		StartedAt:              &started,
		Metadata:               map[string]string{"userId": userID},
		CreatedAt:              base,
		UpdatedAt:              base,
	}
}

func testUsers(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "user_missing")
	require.ErrorIs(t, err, subsync.ErrUserNotFound)

	require.NoError(t, s.CreateUser(ctx, NewUser("user_b")))
	require.NoError(t, s.CreateUser(ctx, NewUser("user_a")))
	err = s.CreateUser(ctx, NewUser("user_a"))
	require.ErrorIs(t, err, subsync.ErrUserExists)

	got, err := s.GetUser(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, "id-user_a", got.ID)
	assert.Equal(t, "user_a@example.com", got.Email)
	assert.True(t, got.CreatedAt.Equal(base), "CreatedAt = %v", got.CreatedAt)

	later := base.Add(time.Minute)
	updated, err := s.UpdateUserProfile(ctx, "user_a", "new@example.com", "Ada", later)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", updated.Email)
	assert.Equal(t, "Ada", updated.Name)
	assert.True(t, updated.UpdatedAt.Equal(later))

	_, err = s.UpdateUserProfile(ctx, "user_missing", "x", "y", later)
	require.ErrorIs(t, err, subsync.ErrUserNotFound)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "user_a", users[0].TokenIdentifier)
	assert.Equal(t, "user_b", users[1].TokenIdentifier)
}

func testConcurrentCreateUser(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	const workers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := NewUser("user_race")
			u.ID = fmt.Sprintf("id-%d", i)
			err := s.CreateUser(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, subsync.ErrUserExists):
				conflicts++
			default:
				t.Errorf("CreateUser: unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
}

func testRenameUser(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser("user|42")))
	require.NoError(t, s.CreateUser(ctx, NewUser("taken")))

	require.ErrorIs(t, s.RenameUser(ctx, "user|42", "taken"), subsync.ErrUserExists)
	require.ErrorIs(t, s.RenameUser(ctx, "nobody", "fresh"), subsync.ErrUserNotFound)

	require.NoError(t, s.RenameUser(ctx, "user|42", "42"))
	_, err := s.GetUser(ctx, "user|42")
	require.ErrorIs(t, err, subsync.ErrUserNotFound)
	got, err := s.GetUser(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", got.TokenIdentifier)
	assert.Equal(t, "id-user|42", got.ID)
}

func testSubscriptions(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	_, err := s.GetSubscription(ctx, "sub_missing")
	require.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	sub := NewSubscription("sub_1", "user_42")
	require.NoError(t, s.InsertSubscription(ctx, sub))
	require.ErrorIs(t, s.InsertSubscription(ctx, NewSubscription("sub_1", "user_42")), subsync.ErrSubscriptionExists)
	require.NoError(t, s.InsertSubscription(ctx, NewSubscription("sub_2", "user_42")))
	require.NoError(t, s.InsertSubscription(ctx, NewSubscription("sub_3", "user_7")))

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	AssertSubscriptionEqual(t, sub, got)

	subs, err := s.ListSubscriptionsByUser(ctx, "user_42")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	subs, err = s.ListSubscriptionsByUser(ctx, "user_nobody")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func testPatchSubscription(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	status := subsync.StatusPastDue
	_, err := s.PatchSubscription(ctx, "sub_missing", &subsync.SubscriptionPatch{Status: &status})
	require.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	require.NoError(t, s.InsertSubscription(ctx, NewSubscription("sub_1", "user_42")))

	later := base.Add(time.Hour)
	canceled := base.Add(30 * time.Minute)
	patched, err := s.PatchSubscription(ctx, "sub_1", &subsync.SubscriptionPatch{
		Status:     &status,
		CanceledAt: &canceled,
		UpdatedAt:  later,
	})
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusPastDue, patched.Status)
	assert.Equal(t, int64(900), patched.Amount, "unspecified fields keep their value")
	assert.Equal(t, "usd", patched.Currency)
	require.NotNil(t, patched.CanceledAt)
	assert.True(t, patched.CanceledAt.Equal(canceled))
	assert.True(t, patched.UpdatedAt.Equal(later))

	// Re-applying the same patch changes nothing, UpdatedAt included.
	again, err := s.PatchSubscription(ctx, "sub_1", &subsync.SubscriptionPatch{
		Status:     &status,
		CanceledAt: &canceled,
		UpdatedAt:  later.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, again.UpdatedAt.Equal(later), "no-op patch moved UpdatedAt to %v", again.UpdatedAt)

	cleared, err := s.PatchSubscription(ctx, "sub_1", &subsync.SubscriptionPatch{
		ClearCanceledAt: true,
		Metadata:        map[string]string{"userId": "user_42", "plan": "pro"},
		UpdatedAt:       later.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Nil(t, cleared.CanceledAt)
	assert.Equal(t, "pro", cleared.Metadata["plan"])

	stored, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	AssertSubscriptionEqual(t, cleared, stored)
}

func testReassign(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	require.NoError(t, s.InsertSubscription(ctx, NewSubscription("sub_1", "user|42")))
	require.NoError(t, s.InsertSubscription(ctx, NewSubscription("sub_2", "user|42")))
	require.NoError(t, s.InsertSubscription(ctx, NewSubscription("sub_3", "other")))

	moved, err := s.ReassignSubscriptions(ctx, "user|42", "42")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	subs, err := s.ListSubscriptionsByUser(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	subs, err = s.ListSubscriptionsByUser(ctx, "user|42")
	require.NoError(t, err)
	assert.Empty(t, subs)

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "42", got.UserID)
}

func testWebhookEvents(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	_, err := s.GetWebhookEvent(ctx, "missing")
	require.ErrorIs(t, err, subsync.ErrEventNotFound)

	types := []string{"subscription.created", "invoice.payment_failed", "subscription.created"}
	for i, typ := range types {
		ev := &subsync.WebhookEvent{
			ID:              fmt.Sprintf("evt_%d", i),
			Type:            typ,
			Provider:        "stripe",
			ProviderEventID: fmt.Sprintf("pe_%d", i),
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
			Payload:         json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
		require.NoError(t, s.AppendWebhookEvent(ctx, ev))
	}

	got, err := s.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "invoice.payment_failed", got.Type)
	assert.Equal(t, "pe_1", got.ProviderEventID)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))

	all, err := s.ListWebhookEvents(ctx, subsync.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "evt_2", all[0].ID, "newest first")
	assert.Equal(t, "evt_0", all[2].ID)

	created, err := s.ListWebhookEvents(ctx, subsync.EventFilter{Type: "subscription.created", Limit: 1})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "evt_2", created[0].ID)

	recent, err := s.ListWebhookEvents(ctx, subsync.EventFilter{Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

// AssertSubscriptionEqual compares subscriptions field by field, using
// time.Equal for timestamps.
func AssertSubscriptionEqual(t *testing.T, want, got *subsync.Subscription) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ProviderSubscriptionID, got.ProviderSubscriptionID)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.PriceID, got.PriceID)
	assert.Equal(t, want.CustomerID, got.CustomerID)
	assert.Equal(t, want.Amount, got.Amount)
	assert.Equal(t, want.Currency, got.Currency)
	assert.Equal(t, want.Interval, got.Interval)
	assert.Equal(t, want.CancelAtPeriodEnd, got.CancelAtPeriodEnd)
	assert.Equal(t, want.Metadata, got.Metadata)
	assertTimeEqual(t, "CurrentPeriodStart", &want.CurrentPeriodStart, &got.CurrentPeriodStart)
	assertTimeEqual(t, "CurrentPeriodEnd", &want.CurrentPeriodEnd, &got.CurrentPeriodEnd)
	assertTimeEqual(t, "StartedAt", want.StartedAt, got.StartedAt)
	assertTimeEqual(t, "CanceledAt", want.CanceledAt, got.CanceledAt)
	assertTimeEqual(t, "EndedAt", want.EndedAt, got.EndedAt)
	assertTimeEqual(t, "UpdatedAt", &want.UpdatedAt, &got.UpdatedAt)
}

func assertTimeEqual(t *testing.T, name string, want, got *time.Time) {
	t.Helper()
	if want == nil || got == nil {
		assert.Equal(t, want == nil, got == nil, "%s: want %v, got %v", name, want, got)
		return
	}
	assert.True(t, want.Equal(*got), "%s: want %v, got %v", name, *want, *got)
}
