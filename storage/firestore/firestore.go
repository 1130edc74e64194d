// Package firestore provides a Firestore implementation of the subsync.Storage interface.
// Users, subscriptions and webhook events live in three top-level collections. Document
// IDs are the path-escaped natural keys, so token identifiers containing '/' stay valid.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	usersCollection         string
	subscriptionsCollection string
	eventsCollection        string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for user records
	// Default: "users"
	UsersCollection string

	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "subscriptions"
	SubscriptionsCollection string

	// EventsCollection is the Firestore collection for the webhook audit log
	// Default: "webhookEvents"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "webhookEvents"
	}

	return &Storage{
		client:                  client,
		usersCollection:         config.UsersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
	}, nil
}

type userDoc struct {
	ID              string    `firestore:"id"`
	TokenIdentifier string    `firestore:"tokenIdentifier"`
	Email           string    `firestore:"email"`
	Name            string    `firestore:"name"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func (d *userDoc) toUser() *subsync.User {
	return &subsync.User{
		ID:              d.ID,
		TokenIdentifier: d.TokenIdentifier,
		Email:           d.Email,
		Name:            d.Name,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func newUserDoc(u *subsync.User) *userDoc {
	return &userDoc{
		ID:              u.ID,
		TokenIdentifier: u.TokenIdentifier,
		Email:           u.Email,
		Name:            u.Name,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

type subscriptionDoc struct {
	ProviderSubscriptionID string            `firestore:"providerSubscriptionId"`
	UserID                 string            `firestore:"userId"`
	Status                 string            `firestore:"status"`
	PriceID                string            `firestore:"priceId"`
	CustomerID             string            `firestore:"customerId"`
	Amount                 int64             `firestore:"amount"`
	Currency               string            `firestore:"currency"`
	Interval               string            `firestore:"interval"`
	CurrentPeriodStart     time.Time         `firestore:"currentPeriodStart"`
	CurrentPeriodEnd       time.Time         `firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd      bool              `firestore:"cancelAtPeriodEnd"`
	StartedAt              *time.Time        `firestore:"startedAt,omitempty"`
	CanceledAt             *time.Time        `firestore:"canceledAt,omitempty"`
	EndedAt                *time.Time        `firestore:"endedAt,omitempty"`
	Metadata               map[string]string `firestore:"metadata,omitempty"`
	CreatedAt              time.Time         `firestore:"createdAt"`
	UpdatedAt              time.Time         `firestore:"updatedAt"`
}

func newSubscriptionDoc(sub *subsync.Subscription) *subscriptionDoc {
	return &subscriptionDoc{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		UserID:                 sub.UserID,
		Status:                 string(sub.Status),
		PriceID:                sub.PriceID,
		CustomerID:             sub.CustomerID,
		Amount:                 sub.Amount,
		Currency:               sub.Currency,
		Interval:               sub.Interval,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		StartedAt:              sub.StartedAt,
		CanceledAt:             sub.CanceledAt,
		EndedAt:                sub.EndedAt,
		Metadata:               sub.Metadata,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
}

func (d *subscriptionDoc) toSubscription() *subsync.Subscription {
	return &subsync.Subscription{
		ProviderSubscriptionID: d.ProviderSubscriptionID,
		UserID:                 d.UserID,
		Status:                 subsync.Status(d.Status),
		PriceID:                d.PriceID,
		CustomerID:             d.CustomerID,
		Amount:                 d.Amount,
		Currency:               d.Currency,
		Interval:               d.Interval,
		CurrentPeriodStart:     d.CurrentPeriodStart,
		CurrentPeriodEnd:       d.CurrentPeriodEnd,
		CancelAtPeriodEnd:      d.CancelAtPeriodEnd,
		StartedAt:              d.StartedAt,
		CanceledAt:             d.CanceledAt,
		EndedAt:                d.EndedAt,
		Metadata:               d.Metadata,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
}

type eventDoc struct {
	ID              string    `firestore:"id"`
	Type            string    `firestore:"type"`
	Provider        string    `firestore:"provider"`
	ProviderEventID string    `firestore:"providerEventId"`
	CreatedAt       time.Time `firestore:"createdAt"`
	Payload         []byte    `firestore:"payload"`
}

func (d *eventDoc) toEvent() *subsync.WebhookEvent {
	return &subsync.WebhookEvent{
		ID:              d.ID,
		Type:            d.Type,
		Provider:        d.Provider,
		ProviderEventID: d.ProviderEventID,
		CreatedAt:       d.CreatedAt,
		Payload:         d.Payload,
	}
}

// GetUser implements subsync.Storage
func (s *Storage) GetUser(ctx context.Context, tokenIdentifier string) (*subsync.User, error) {
	snap, err := s.userDoc(tokenIdentifier).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return doc.toUser(), nil
}

// CreateUser implements subsync.Storage
func (s *Storage) CreateUser(ctx context.Context, user *subsync.User) error {
	if user == nil || user.TokenIdentifier == "" {
		return fmt.Errorf("invalid user")
	}

	_, err := s.userDoc(user.TokenIdentifier).Create(ctx, newUserDoc(user))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return subsync.ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateUserProfile implements subsync.Storage
func (s *Storage) UpdateUserProfile(ctx context.Context, tokenIdentifier, email, name string,
	at time.Time) (*subsync.User, error) {
	ref := s.userDoc(tokenIdentifier)
	var doc userDoc

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		doc.Email = email
		doc.Name = name
		doc.UpdatedAt = at
		return tx.Update(ref, []firestore.Update{
			{Path: "email", Value: email},
			{Path: "name", Value: name},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return doc.toUser(), nil
}

// ListUsers implements subsync.Storage
func (s *Storage) ListUsers(ctx context.Context) ([]*subsync.User, error) {
	iter := s.client.Collection(s.usersCollection).
		OrderBy("tokenIdentifier", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*subsync.User
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		var doc userDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode user %s: %w", snap.Ref.ID, err)
		}
		out = append(out, doc.toUser())
	}
	return out, nil
}

// RenameUser implements subsync.Storage. The document moves to the new key
// inside one transaction.
func (s *Storage) RenameUser(ctx context.Context, oldToken, newToken string) error {
	oldRef, newRef := s.userDoc(oldToken), s.userDoc(newToken)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(oldRef)
		if err != nil {
			return err
		}
		var doc userDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}

		if _, err := tx.Get(newRef); err == nil {
			return subsync.ErrUserExists
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		doc.TokenIdentifier = newToken
		if err := tx.Create(newRef, &doc); err != nil {
			return err
		}
		return tx.Delete(oldRef)
	})
	switch {
	case errors.Is(err, subsync.ErrUserExists):
		return err
	case status.Code(err) == codes.NotFound:
		return subsync.ErrUserNotFound
	case status.Code(err) == codes.AlreadyExists:
		return subsync.ErrUserExists
	case err != nil:
		return fmt.Errorf("failed to rename user: %w", err)
	}
	return nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (*subsync.Subscription, error) {
	snap, err := s.subscriptionDoc(providerSubscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return doc.toSubscription(), nil
}

// ListSubscriptionsByUser implements subsync.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Documents(ctx)
	defer iter.Stop()

	var out []*subsync.Subscription
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		var doc subscriptionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode subscription %s: %w", snap.Ref.ID, err)
		}
		out = append(out, doc.toSubscription())
	}
	return out, nil
}

// InsertSubscription implements subsync.Storage
func (s *Storage) InsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.subscriptionDoc(sub.ProviderSubscriptionID).Create(ctx, newSubscriptionDoc(sub))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return subsync.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// PatchSubscription implements subsync.Storage
func (s *Storage) PatchSubscription(ctx context.Context, providerSubscriptionID string,
	patch *subsync.SubscriptionPatch) (*subsync.Subscription, error) {
	ref := s.subscriptionDoc(providerSubscriptionID)
	var result *subsync.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc subscriptionDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}

		result = doc.toSubscription()
		if !result.Apply(patch) {
			return nil
		}
		return tx.Update(ref, subscriptionUpdates(result))
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to patch subscription: %w", err)
	}
	return result, nil
}

// subscriptionUpdates lists every mutable field. Unset optional fields are
// removed from the document.
func subscriptionUpdates(sub *subsync.Subscription) []firestore.Update {
	optional := func(t *time.Time) any {
		if t == nil {
			return firestore.Delete
		}
		return *t
	}
	var metadata any = firestore.Delete
	if sub.Metadata != nil {
		metadata = sub.Metadata
	}
	return []firestore.Update{
		{Path: "status", Value: string(sub.Status)},
		{Path: "priceId", Value: sub.PriceID},
		{Path: "customerId", Value: sub.CustomerID},
		{Path: "amount", Value: sub.Amount},
		{Path: "currency", Value: sub.Currency},
		{Path: "interval", Value: sub.Interval},
		{Path: "currentPeriodStart", Value: sub.CurrentPeriodStart},
		{Path: "currentPeriodEnd", Value: sub.CurrentPeriodEnd},
		{Path: "cancelAtPeriodEnd", Value: sub.CancelAtPeriodEnd},
		{Path: "startedAt", Value: optional(sub.StartedAt)},
		{Path: "canceledAt", Value: optional(sub.CanceledAt)},
		{Path: "endedAt", Value: optional(sub.EndedAt)},
		{Path: "metadata", Value: metadata},
		{Path: "updatedAt", Value: sub.UpdatedAt},
	}
}

// ReassignSubscriptions implements subsync.Storage
func (s *Storage) ReassignSubscriptions(ctx context.Context, fromUserID, toUserID string) (int, error) {
	query := s.client.Collection(s.subscriptionsCollection).Where("userId", "==", fromUserID)
	moved := 0

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		moved = len(snaps)
		for _, snap := range snaps {
			if err := tx.Update(snap.Ref, []firestore.Update{{Path: "userId", Value: toUserID}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reassign subscriptions: %w", err)
	}
	return moved, nil
}

// AppendWebhookEvent implements subsync.Storage
func (s *Storage) AppendWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid webhook event")
	}

	_, err := s.eventDoc(ev.ID).Create(ctx, &eventDoc{
		ID:              ev.ID,
		Type:            ev.Type,
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		CreatedAt:       ev.CreatedAt,
		Payload:         ev.Payload,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("webhook event %s already recorded", ev.ID)
		}
		return fmt.Errorf("failed to append webhook event: %w", err)
	}
	return nil
}

// GetWebhookEvent implements subsync.Storage
func (s *Storage) GetWebhookEvent(ctx context.Context, id string) (*subsync.WebhookEvent, error) {
	snap, err := s.eventDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}

	var doc eventDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return doc.toEvent(), nil
}

// ListWebhookEvents implements subsync.Storage. Filtering on type together
// with the time order needs a composite index on (type, createdAt desc).
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.EventFilter) ([]*subsync.WebhookEvent, error) {
	query := s.client.Collection(s.eventsCollection).Query
	if filter.Type != "" {
		query = query.Where("type", "==", filter.Type)
	}
	if !filter.Since.IsZero() {
		query = query.Where("createdAt", ">=", filter.Since)
	}
	query = query.OrderBy("createdAt", firestore.Desc)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*subsync.WebhookEvent
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list webhook events: %w", err)
		}
		var doc eventDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode webhook event %s: %w", snap.Ref.ID, err)
		}
		out = append(out, doc.toEvent())
	}
	return out, nil
}

// Close closes the underlying Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) userDoc(tokenIdentifier string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(docID(tokenIdentifier))
}

func (s *Storage) subscriptionDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(docID(id))
}

func (s *Storage) eventDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(docID(id))
}

// docID escapes a natural key for use as a document ID.
func docID(key string) string {
	return url.PathEscape(key)
}
