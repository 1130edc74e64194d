package subsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

// failingStorage fails every subscription lookup.
type failingStorage struct {
	*memory.Storage
}

func (s *failingStorage) ListSubscriptionsByUser(_ context.Context, _ string) ([]*subsync.Subscription, error) {
	return nil, errors.New("connection refused")
}

func newTestStatusService(t *testing.T, storage subsync.Storage) *subsync.StatusService {
	t.Helper()
	identity, err := subsync.NewIdentityResolver(storage, nil)
	if err != nil {
		t.Fatalf("NewIdentityResolver failed: %v", err)
	}
	svc, err := subsync.NewStatusService(identity, storage, nil)
	if err != nil {
		t.Fatalf("NewStatusService failed: %v", err)
	}
	return svc
}

func seedSubscription(t *testing.T, storage subsync.Storage, token string, status subsync.Status) {
	t.Helper()
	ctx := context.Background()
	if err := storage.CreateUser(ctx, storagetest.NewUser(token)); err != nil && !errors.Is(err, subsync.ErrUserExists) {
		t.Fatalf("CreateUser failed: %v", err)
	}
	sub := storagetest.NewSubscription("sub_"+token+"_"+string(status), token)
	sub.Status = status
	if err := storage.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("InsertSubscription failed: %v", err)
	}
}

func TestStatusService_HasActiveEntitlement(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	if err := storage.CreateUser(ctx, storagetest.NewUser("user_nosub")); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	seedSubscription(t, storage, "user_active", subsync.StatusActive)
	seedSubscription(t, storage, "user_pastdue", subsync.StatusPastDue)
	seedSubscription(t, storage, "user_canceled", subsync.StatusCanceled)
	seedSubscription(t, storage, "user_mixed", subsync.StatusCanceled)
	seedSubscription(t, storage, "user_mixed", subsync.StatusActive)

	svc := newTestStatusService(t, storage)

	tests := []struct {
		subject string
		want    bool
	}{
		{"", false},
		{"user_unknown", false},
		{"user_nosub", false},
		{"user_pastdue", false},
		{"user_canceled", false},
		{"user_active", true},
		{"user_mixed", true},
	}
	for _, tt := range tests {
		if got := svc.HasActiveEntitlement(ctx, tt.subject); got != tt.want {
			t.Errorf("HasActiveEntitlement(%q) = %v, want %v", tt.subject, got, tt.want)
		}
	}

	users, _ := storage.ListUsers(ctx)
	if len(users) != 5 {
		t.Errorf("status checks must not create users, have %d", len(users))
	}
}

func TestStatusService_StorageFailureDenies(t *testing.T) {
	storage := &failingStorage{Storage: memory.New()}
	seedSubscription(t, storage.Storage, "user_active", subsync.StatusActive)

	svc := newTestStatusService(t, storage)
	if svc.HasActiveEntitlement(context.Background(), "user_active") {
		t.Error("expected false when the store fails")
	}
}

func TestStatusService_LegacyID(t *testing.T) {
	storage := memory.New()
	seedSubscription(t, storage, "user|77", subsync.StatusActive)
	svc := newTestStatusService(t, storage)

	if !svc.HasActiveEntitlementByLegacyID(context.Background(), "77") {
		t.Error("expected the legacy user|77 record to be found")
	}
	if svc.HasActiveEntitlementByLegacyID(context.Background(), "78") {
		t.Error("expected false for an unknown raw id")
	}
}

func TestStatusService_CurrentSubscription(t *testing.T) {
	storage := memory.New()
	seedSubscription(t, storage, "user_1", subsync.StatusPastDue)
	svc := newTestStatusService(t, storage)
	ctx := context.Background()

	sub, err := svc.CurrentSubscription(ctx, "user_1")
	if err != nil {
		t.Fatalf("CurrentSubscription failed: %v", err)
	}
	if sub == nil || sub.Status != subsync.StatusPastDue {
		t.Errorf("got %+v, want past_due subscription", sub)
	}

	sub, err = svc.CurrentSubscription(ctx, "user_none")
	if err != nil || sub != nil {
		t.Errorf("got %+v, %v; want nil, nil", sub, err)
	}
}

func TestStatusService_RedirectAfterAuth(t *testing.T) {
	storage := memory.New()
	seedSubscription(t, storage, "user_active", subsync.StatusActive)
	seedSubscription(t, storage, "user_pastdue", subsync.StatusPastDue)
	svc := newTestStatusService(t, storage)
	ctx := context.Background()

	for subject, want := range map[string]string{
		"":             "/sign-in",
		"user_active":  "/dashboard",
		"user_pastdue": "/pricing",
		"user_unknown": "/pricing",
		"active":       "/dashboard",
		"pastdue":      "/pricing",
	} {
		if got := svc.RedirectAfterAuth(ctx, subject); got != want {
			t.Errorf("RedirectAfterAuth(%q) = %s, want %s", subject, got, want)
		}
	}
}

func TestSubscriptionStore_FindByUserTieBreak(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()
	store := subsync.NewSubscriptionStore(storage, nil)

	older := storagetest.NewSubscription("sub_a", "user_1")
	newer := storagetest.NewSubscription("sub_b", "user_1")
	newer.CurrentPeriodEnd = newer.CurrentPeriodEnd.Add(24 * time.Hour)
	for _, s := range []*subsync.Subscription{older, newer} {
		if err := storage.InsertSubscription(ctx, s); err != nil {
			t.Fatalf("InsertSubscription failed: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		got, err := store.FindByUser(ctx, "user_1")
		if err != nil {
			t.Fatalf("FindByUser failed: %v", err)
		}
		if got.ProviderSubscriptionID != "sub_b" {
			t.Fatalf("FindByUser picked %s, want sub_b (later period end)", got.ProviderSubscriptionID)
		}
	}

	got, err := store.FindByUser(ctx, "user_2")
	if err != nil || got != nil {
		t.Errorf("FindByUser(user_2) = %+v, %v; want nil, nil", got, err)
	}
}
