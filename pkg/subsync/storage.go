package subsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Storage defines the interface for user, subscription and audit persistence.
// Implementations translate driver errors into the sentinel errors of this
// package.
type Storage interface {
	// GetUser retrieves a user by token identifier.
	// Returns ErrUserNotFound if absent.
	GetUser(ctx context.Context, tokenIdentifier string) (*User, error)

	// CreateUser inserts a user. It must fail with ErrUserExists when the token
	// identifier is already taken, atomically with the insert (unique
	// constraint, create-only write or compare-and-swap).
	CreateUser(ctx context.Context, user *User) error

	// UpdateUserProfile replaces email and name of an existing user.
	UpdateUserProfile(ctx context.Context, tokenIdentifier, email, name string, at time.Time) (*User, error)

	// ListUsers returns all users ordered by token identifier.
	ListUsers(ctx context.Context) ([]*User, error)

	// RenameUser moves a user to a new token identifier.
	// Returns ErrUserExists if the new identifier is taken.
	RenameUser(ctx context.Context, oldToken, newToken string) error

	// GetSubscription retrieves a subscription by provider subscription ID.
	// Returns ErrSubscriptionNotFound if absent.
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// ListSubscriptionsByUser returns every subscription owned by userID, in
	// no particular order.
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]*Subscription, error)

	// InsertSubscription stores a new subscription.
	// Returns ErrSubscriptionExists on a duplicate provider subscription ID.
	InsertSubscription(ctx context.Context, sub *Subscription) error

	// PatchSubscription merges patch into the stored record atomically and
	// returns the result. Nothing is written when the merge changes nothing.
	// Returns ErrSubscriptionNotFound if absent.
	PatchSubscription(ctx context.Context, providerSubscriptionID string, patch *SubscriptionPatch) (*Subscription, error)

	// ReassignSubscriptions moves every subscription of fromUserID to toUserID
	// and returns how many were moved.
	ReassignSubscriptions(ctx context.Context, fromUserID, toUserID string) (int, error)

	// AppendWebhookEvent adds an entry to the audit log.
	AppendWebhookEvent(ctx context.Context, ev *WebhookEvent) error

	// GetWebhookEvent retrieves one audit log entry.
	// Returns ErrEventNotFound if absent.
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)

	// ListWebhookEvents returns audit log entries newest first.
	ListWebhookEvents(ctx context.Context, filter EventFilter) ([]*WebhookEvent, error)
}

// SubscriptionStore is the lookup surface over subscription records.
type SubscriptionStore struct {
	storage Storage
	metrics Metrics
}

// NewSubscriptionStore wraps storage. A nil metrics disables instrumentation.
func NewSubscriptionStore(storage Storage, metrics Metrics) *SubscriptionStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &SubscriptionStore{storage: storage, metrics: metrics}
}

// FindByUser returns the authoritative subscription of userID, or nil.
// When a user owns several subscriptions the winner is chosen by
// PickAuthoritative.
func (s *SubscriptionStore) FindByUser(ctx context.Context, userID string) (*Subscription, error) {
	start := time.Now()
	subs, err := s.storage.ListSubscriptionsByUser(ctx, userID)
	s.metrics.RecordStorageOperation("list_subscriptions_by_user", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for user: %w", err)
	}
	return PickAuthoritative(subs), nil
}

// FindByProviderID returns the subscription with the given provider ID, or nil.
func (s *SubscriptionStore) FindByProviderID(ctx context.Context, id string) (*Subscription, error) {
	start := time.Now()
	sub, err := s.storage.GetSubscription(ctx, id)
	s.metrics.RecordStorageOperation("get_subscription", time.Since(start), err)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Insert stores a new subscription.
func (s *SubscriptionStore) Insert(ctx context.Context, sub *Subscription) error {
	start := time.Now()
	err := s.storage.InsertSubscription(ctx, sub)
	s.metrics.RecordStorageOperation("insert_subscription", time.Since(start), err)
	return err
}

// Patch merges patch into the subscription with the given provider ID.
func (s *SubscriptionStore) Patch(ctx context.Context, id string, patch *SubscriptionPatch) (*Subscription, error) {
	start := time.Now()
	sub, err := s.storage.PatchSubscription(ctx, id, patch)
	s.metrics.RecordStorageOperation("patch_subscription", time.Since(start), err)
	return sub, err
}

// PickAuthoritative chooses one subscription out of several owned by the same
// user: highest status (active, past_due, canceled), then latest period end,
// then latest start, then greatest provider ID. It returns nil for an empty
// slice and does not reorder its input.
func PickAuthoritative(subs []*Subscription) *Subscription {
	if len(subs) == 0 {
		return nil
	}
	sorted := make([]*Subscription, len(subs))
	copy(sorted, subs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return outranks(sorted[i], sorted[j])
	})
	return sorted[0]
}

func outranks(a, b *Subscription) bool {
	if ra, rb := a.Status.rank(), b.Status.rank(); ra != rb {
		return ra > rb
	}
	if !a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) {
		return a.CurrentPeriodEnd.After(b.CurrentPeriodEnd)
	}
	as, bs := timeOrZero(a.StartedAt), timeOrZero(b.StartedAt)
	if !as.Equal(bs) {
		return as.After(bs)
	}
	return a.ProviderSubscriptionID > b.ProviderSubscriptionID
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
