// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// cache (Hot) in front of a durable store (Cold).
//
// Strategies per operation:
//   - Write-Through: every mutation lands in Cold first, then mirrors the
//     Cold result into Hot.
//   - Read-Through: point lookups (GetUser, GetSubscription) try Hot, fall
//     back to Cold and repair Hot.
//   - Cold-Only: list queries and the webhook audit log, since Hot may hold
//     only part of the data.
//
// Hot has no expiry, so every writer of Cold must go through the same tiered
// store and share the same Hot (typically one Redis in front of Postgres).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory)
	Hot subsync.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold subsync.Storage

	// OnCacheError is called when a Hot write fails after Cold succeeded.
	// Essential for monitoring consistency drift.
	OnCacheError func(error)
}

// Storage implements subsync.Storage as a Hot/Cold pair
type Storage struct {
	hot  subsync.Storage
	cold subsync.Storage
	conf Config
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	return &Storage{hot: config.Hot, cold: config.Cold, conf: config}, nil
}

func (s *Storage) cacheError(op string, err error) {
	if err != nil && s.conf.OnCacheError != nil {
		s.conf.OnCacheError(fmt.Errorf("tiered %s: %w", op, err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetUser implements subsync.Storage with read-through strategy.
func (s *Storage) GetUser(ctx context.Context, tokenIdentifier string) (*subsync.User, error) {
	if u, err := s.hot.GetUser(ctx, tokenIdentifier); err == nil {
		return u, nil
	}

	u, err := s.cold.GetUser(ctx, tokenIdentifier)
	if err != nil {
		return nil, err
	}
	if err := s.hot.CreateUser(ctx, u); err != nil && !errors.Is(err, subsync.ErrUserExists) {
		s.cacheError("user fill", err)
	}
	return u, nil
}

// GetSubscription implements subsync.Storage with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (*subsync.Subscription, error) {
	if sub, err := s.hot.GetSubscription(ctx, providerSubscriptionID); err == nil {
		return sub, nil
	}

	sub, err := s.cold.GetSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.hot.InsertSubscription(ctx, sub); err != nil && !errors.Is(err, subsync.ErrSubscriptionExists) {
		s.cacheError("subscription fill", err)
	}
	return sub, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// CreateUser implements subsync.Storage with write-through strategy.
func (s *Storage) CreateUser(ctx context.Context, user *subsync.User) error {
	if err := s.cold.CreateUser(ctx, user); err != nil {
		return err
	}
	if err := s.hot.CreateUser(ctx, user); err != nil && !errors.Is(err, subsync.ErrUserExists) {
		s.cacheError("create user", err)
	}
	return nil
}

// UpdateUserProfile implements subsync.Storage with write-through strategy.
func (s *Storage) UpdateUserProfile(ctx context.Context, tokenIdentifier, email, name string,
	at time.Time) (*subsync.User, error) {
	u, err := s.cold.UpdateUserProfile(ctx, tokenIdentifier, email, name, at)
	if err != nil {
		return nil, err
	}
	if _, err := s.hot.UpdateUserProfile(ctx, tokenIdentifier, email, name, at); err != nil {
		if errors.Is(err, subsync.ErrUserNotFound) {
			err = s.hot.CreateUser(ctx, u)
		}
		s.cacheError("update user", err)
	}
	return u, nil
}

// RenameUser implements subsync.Storage with write-through strategy.
func (s *Storage) RenameUser(ctx context.Context, oldToken, newToken string) error {
	if err := s.cold.RenameUser(ctx, oldToken, newToken); err != nil {
		return err
	}
	if err := s.hot.RenameUser(ctx, oldToken, newToken); err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
		s.cacheError("rename user", err)
	}
	return nil
}

// InsertSubscription implements subsync.Storage with write-through strategy.
func (s *Storage) InsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if err := s.cold.InsertSubscription(ctx, sub); err != nil {
		return err
	}
	if err := s.hot.InsertSubscription(ctx, sub); err != nil && !errors.Is(err, subsync.ErrSubscriptionExists) {
		s.cacheError("insert subscription", err)
	}
	return nil
}

// PatchSubscription implements subsync.Storage with write-through strategy.
// Hot receives the whole Cold result, which also repairs a stale entry.
func (s *Storage) PatchSubscription(ctx context.Context, providerSubscriptionID string,
	patch *subsync.SubscriptionPatch) (*subsync.Subscription, error) {
	sub, err := s.cold.PatchSubscription(ctx, providerSubscriptionID, patch)
	if err != nil {
		return nil, err
	}
	_, err = s.hot.PatchSubscription(ctx, providerSubscriptionID, fullPatch(sub))
	if errors.Is(err, subsync.ErrSubscriptionNotFound) {
		err = s.hot.InsertSubscription(ctx, sub)
	}
	s.cacheError("patch subscription", err)
	return sub, nil
}

// ReassignSubscriptions implements subsync.Storage with write-through strategy.
func (s *Storage) ReassignSubscriptions(ctx context.Context, fromUserID, toUserID string) (int, error) {
	moved, err := s.cold.ReassignSubscriptions(ctx, fromUserID, toUserID)
	if err != nil {
		return 0, err
	}
	if _, err := s.hot.ReassignSubscriptions(ctx, fromUserID, toUserID); err != nil {
		s.cacheError("reassign subscriptions", err)
	}
	return moved, nil
}

// --- Strategy: Cold-Only ---

// ListUsers implements subsync.Storage.
func (s *Storage) ListUsers(ctx context.Context) ([]*subsync.User, error) {
	return s.cold.ListUsers(ctx)
}

// ListSubscriptionsByUser implements subsync.Storage.
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	return s.cold.ListSubscriptionsByUser(ctx, userID)
}

// AppendWebhookEvent implements subsync.Storage.
func (s *Storage) AppendWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	return s.cold.AppendWebhookEvent(ctx, ev)
}

// GetWebhookEvent implements subsync.Storage.
func (s *Storage) GetWebhookEvent(ctx context.Context, id string) (*subsync.WebhookEvent, error) {
	return s.cold.GetWebhookEvent(ctx, id)
}

// ListWebhookEvents implements subsync.Storage.
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.EventFilter) ([]*subsync.WebhookEvent, error) {
	return s.cold.ListWebhookEvents(ctx, filter)
}

// fullPatch sets every patchable field to the value held by sub.
func fullPatch(sub *subsync.Subscription) *subsync.SubscriptionPatch {
	return &subsync.SubscriptionPatch{
		Status:             &sub.Status,
		PriceID:            &sub.PriceID,
		CustomerID:         &sub.CustomerID,
		Amount:             &sub.Amount,
		Currency:           &sub.Currency,
		Interval:           &sub.Interval,
		CurrentPeriodStart: &sub.CurrentPeriodStart,
		CurrentPeriodEnd:   &sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  &sub.CancelAtPeriodEnd,
		StartedAt:          sub.StartedAt,
		CanceledAt:         sub.CanceledAt,
		EndedAt:            sub.EndedAt,
		ClearCanceledAt:    sub.CanceledAt == nil,
		ClearEndedAt:       sub.EndedAt == nil,
		Metadata:           sub.Metadata,
		UpdatedAt:          sub.UpdatedAt,
	}
}
