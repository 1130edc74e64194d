// Package memory provides an in-memory implementation of the subsync.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	users         map[string]*subsync.User
	subscriptions map[string]*subsync.Subscription
	events        []*subsync.WebhookEvent
	eventIndex    map[string]int
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*subsync.User),
		subscriptions: make(map[string]*subsync.Subscription),
		eventIndex:    make(map[string]int),
	}
}

// GetUser implements subsync.Storage
func (s *Storage) GetUser(_ context.Context, tokenIdentifier string) (*subsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[tokenIdentifier]
	if !ok {
		return nil, subsync.ErrUserNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// CreateUser implements subsync.Storage
func (s *Storage) CreateUser(_ context.Context, user *subsync.User) error {
	if user == nil || user.TokenIdentifier == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.TokenIdentifier]; exists {
		return subsync.ErrUserExists
	}
	userCopy := *user
	s.users[user.TokenIdentifier] = &userCopy
	return nil
}

// UpdateUserProfile implements subsync.Storage
func (s *Storage) UpdateUserProfile(_ context.Context, tokenIdentifier, email, name string,
	at time.Time) (*subsync.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[tokenIdentifier]
	if !ok {
		return nil, subsync.ErrUserNotFound
	}
	u.Email = email
	u.Name = name
	u.UpdatedAt = at
	userCopy := *u
	return &userCopy, nil
}

// ListUsers implements subsync.Storage
func (s *Storage) ListUsers(_ context.Context) ([]*subsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subsync.User, 0, len(s.users))
	for _, u := range s.users {
		userCopy := *u
		out = append(out, &userCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenIdentifier < out[j].TokenIdentifier })
	return out, nil
}

// RenameUser implements subsync.Storage
func (s *Storage) RenameUser(_ context.Context, oldToken, newToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[oldToken]
	if !ok {
		return subsync.ErrUserNotFound
	}
	if _, taken := s.users[newToken]; taken {
		return subsync.ErrUserExists
	}
	delete(s.users, oldToken)
	u.TokenIdentifier = newToken
	s.users[newToken] = u
	return nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(_ context.Context, providerSubscriptionID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// ListSubscriptionsByUser implements subsync.Storage
func (s *Storage) ListSubscriptionsByUser(_ context.Context, userID string) ([]*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub.Clone())
		}
	}
	return out, nil
}

// InsertSubscription implements subsync.Storage
func (s *Storage) InsertSubscription(_ context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ProviderSubscriptionID]; exists {
		return subsync.ErrSubscriptionExists
	}
	s.subscriptions[sub.ProviderSubscriptionID] = sub.Clone()
	return nil
}

// PatchSubscription implements subsync.Storage
func (s *Storage) PatchSubscription(_ context.Context, providerSubscriptionID string,
	patch *subsync.SubscriptionPatch) (*subsync.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	sub.Apply(patch)
	return sub.Clone(), nil
}

// ReassignSubscriptions implements subsync.Storage
func (s *Storage) ReassignSubscriptions(_ context.Context, fromUserID, toUserID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, sub := range s.subscriptions {
		if sub.UserID == fromUserID {
			sub.UserID = toUserID
			moved++
		}
	}
	return moved, nil
}

// AppendWebhookEvent implements subsync.Storage
func (s *Storage) AppendWebhookEvent(_ context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid webhook event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.eventIndex[ev.ID]; exists {
		return fmt.Errorf("webhook event %s already recorded", ev.ID)
	}
	evCopy := *ev
	evCopy.Payload = append([]byte(nil), ev.Payload...)
	s.eventIndex[ev.ID] = len(s.events)
	s.events = append(s.events, &evCopy)
	return nil
}

// GetWebhookEvent implements subsync.Storage
func (s *Storage) GetWebhookEvent(_ context.Context, id string) (*subsync.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.eventIndex[id]
	if !ok {
		return nil, subsync.ErrEventNotFound
	}
	evCopy := *s.events[i]
	return &evCopy, nil
}

// ListWebhookEvents implements subsync.Storage
func (s *Storage) ListWebhookEvents(_ context.Context, filter subsync.EventFilter) ([]*subsync.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.WebhookEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if !filter.Matches(ev) {
			continue
		}
		evCopy := *ev
		out = append(out, &evCopy)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
