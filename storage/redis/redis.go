// Package redis provides a Redis implementation of the subsync.Storage interface.
// Records are JSON strings. Creates go through Lua scripts so that a record and its
// index entry appear together, and read-modify-write paths use WATCH transactions.
//
// All keys of one store share a prefix. On Redis Cluster, wrap the prefix in a hash
// tag (for example "{subsync}:") so scripts and transactions stay on one slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// MaxRetries bounds how often an optimistic transaction is retried after
	// a concurrent write to a watched key (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "subsync:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts used for atomic creates
func (s *Storage) loadScripts() {
	// Store a record only if its key is free, and index it in a set.
	s.scripts["createIndexed"] = redis.NewScript(`
		if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
			redis.call('SADD', KEYS[2], ARGV[2])
			return 1
		end
		return 0
	`)

	// Store an audit entry only if its ID is new, and index it by time.
	s.scripts["appendEvent"] = redis.NewScript(`
		if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
			redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
			return 1
		end
		return 0
	`)
}

// eventRecord stores the payload as bytes because audit entries may hold
// bodies that are not valid JSON.
type eventRecord struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Provider        string    `json:"provider,omitempty"`
	ProviderEventID string    `json:"providerEventId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	Payload         []byte    `json:"payload"`
}

// GetUser implements subsync.Storage
func (s *Storage) GetUser(ctx context.Context, tokenIdentifier string) (*subsync.User, error) {
	var u subsync.User
	if err := s.getJSON(ctx, s.client, s.userKey(tokenIdentifier), &u); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, subsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// CreateUser implements subsync.Storage
func (s *Storage) CreateUser(ctx context.Context, user *subsync.User) error {
	if user == nil || user.TokenIdentifier == "" {
		return fmt.Errorf("invalid user")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	created, err := s.scripts["createIndexed"].Run(ctx, s.client,
		[]string{s.userKey(user.TokenIdentifier), s.usersKey()},
		data, user.TokenIdentifier).Int()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if created == 0 {
		return subsync.ErrUserExists
	}
	return nil
}

// UpdateUserProfile implements subsync.Storage
func (s *Storage) UpdateUserProfile(ctx context.Context, tokenIdentifier, email, name string,
	at time.Time) (*subsync.User, error) {
	key := s.userKey(tokenIdentifier)
	var updated subsync.User

	err := s.withRetry(ctx, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			if err := s.getJSON(ctx, tx, key, &updated); err != nil {
				return err
			}
			updated.Email = email
			updated.Name = name
			updated.UpdatedAt = at
			data, err := json.Marshal(&updated)
			if err != nil {
				return fmt.Errorf("failed to marshal user: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
	})
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return &updated, nil
}

// ListUsers implements subsync.Storage
func (s *Storage) ListUsers(ctx context.Context) ([]*subsync.User, error) {
	tokens, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	keys := make([]string, len(tokens))
	for i, token := range tokens {
		keys[i] = s.userKey(token)
	}

	var out []*subsync.User
	err = s.mgetJSON(ctx, keys, func(raw []byte) error {
		var u subsync.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		out = append(out, &u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenIdentifier < out[j].TokenIdentifier })
	return out, nil
}

// RenameUser implements subsync.Storage
func (s *Storage) RenameUser(ctx context.Context, oldToken, newToken string) error {
	oldKey, newKey := s.userKey(oldToken), s.userKey(newToken)

	err := s.withRetry(ctx, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			var u subsync.User
			if err := s.getJSON(ctx, tx, oldKey, &u); err != nil {
				return err
			}
			taken, err := tx.Exists(ctx, newKey).Result()
			if err != nil {
				return err
			}
			if taken > 0 {
				return subsync.ErrUserExists
			}

			u.TokenIdentifier = newToken
			data, err := json.Marshal(&u)
			if err != nil {
				return fmt.Errorf("failed to marshal user: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, newKey, data, 0)
				pipe.Del(ctx, oldKey)
				pipe.SRem(ctx, s.usersKey(), oldToken)
				pipe.SAdd(ctx, s.usersKey(), newToken)
				return nil
			})
			return err
		}, oldKey, newKey)
	})
	switch {
	case errors.Is(err, redis.Nil):
		return subsync.ErrUserNotFound
	case errors.Is(err, subsync.ErrUserExists):
		return err
	case err != nil:
		return fmt.Errorf("failed to rename user: %w", err)
	}
	return nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	if err := s.getJSON(ctx, s.client, s.subscriptionKey(providerSubscriptionID), &sub); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptionsByUser implements subsync.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.userSubscriptionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subscriptionKey(id)
	}

	var out []*subsync.Subscription
	err = s.mgetJSON(ctx, keys, func(raw []byte) error {
		var sub subsync.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return err
		}
		out = append(out, &sub)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

// InsertSubscription implements subsync.Storage
func (s *Storage) InsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	created, err := s.scripts["createIndexed"].Run(ctx, s.client,
		[]string{s.subscriptionKey(sub.ProviderSubscriptionID), s.userSubscriptionsKey(sub.UserID)},
		data, sub.ProviderSubscriptionID).Int()
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	if created == 0 {
		return subsync.ErrSubscriptionExists
	}
	return nil
}

// PatchSubscription implements subsync.Storage
func (s *Storage) PatchSubscription(ctx context.Context, providerSubscriptionID string,
	patch *subsync.SubscriptionPatch) (*subsync.Subscription, error) {
	key := s.subscriptionKey(providerSubscriptionID)
	var sub subsync.Subscription

	err := s.withRetry(ctx, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			sub = subsync.Subscription{}
			if err := s.getJSON(ctx, tx, key, &sub); err != nil {
				return err
			}
			if !sub.Apply(patch) {
				return nil
			}
			data, err := json.Marshal(&sub)
			if err != nil {
				return fmt.Errorf("failed to marshal subscription: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
	})
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to patch subscription: %w", err)
	}
	return &sub, nil
}

// ReassignSubscriptions implements subsync.Storage
func (s *Storage) ReassignSubscriptions(ctx context.Context, fromUserID, toUserID string) (int, error) {
	fromKey, toKey := s.userSubscriptionsKey(fromUserID), s.userSubscriptionsKey(toUserID)
	if fromUserID == toUserID {
		n, err := s.client.SCard(ctx, fromKey).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to reassign subscriptions: %w", err)
		}
		return int(n), nil
	}
	moved := 0

	err := s.withRetry(ctx, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			ids, err := tx.SMembers(ctx, fromKey).Result()
			if err != nil {
				return err
			}
			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = s.subscriptionKey(id)
			}
			if len(keys) > 0 {
				if err := tx.Watch(ctx, keys...).Err(); err != nil {
					return err
				}
			}

			updates := make(map[string][]byte, len(ids))
			for i, id := range ids {
				var sub subsync.Subscription
				if err := s.getJSON(ctx, tx, keys[i], &sub); err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					return err
				}
				sub.UserID = toUserID
				data, err := json.Marshal(&sub)
				if err != nil {
					return fmt.Errorf("failed to marshal subscription: %w", err)
				}
				updates[id] = data
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for id, data := range updates {
					pipe.Set(ctx, s.subscriptionKey(id), data, 0)
					pipe.SAdd(ctx, toKey, id)
				}
				pipe.Del(ctx, fromKey)
				return nil
			})
			if err == nil {
				moved = len(updates)
			}
			return err
		}, fromKey, toKey)
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
	data, err := json.Marshal(eventRecord{
		ID:              ev.ID,
		Type:            ev.Type,
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		CreatedAt:       ev.CreatedAt,
		Payload:         ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}

	created, err := s.scripts["appendEvent"].Run(ctx, s.client,
		[]string{s.eventKey(ev.ID), s.eventsKey()},
		data, ev.ID, ev.CreatedAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to append webhook event: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("webhook event %s already recorded", ev.ID)
	}
	return nil
}

// GetWebhookEvent implements subsync.Storage
func (s *Storage) GetWebhookEvent(ctx context.Context, id string) (*subsync.WebhookEvent, error) {
	var rec eventRecord
	if err := s.getJSON(ctx, s.client, s.eventKey(id), &rec); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, subsync.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return rec.toEvent(), nil
}

// ListWebhookEvents implements subsync.Storage. The time index has
// millisecond scores, so Since is re-checked on the decoded entries.
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.EventFilter) ([]*subsync.WebhookEvent, error) {
	minScore := "-inf"
	if !filter.Since.IsZero() {
		minScore = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.eventsKey(), &redis.ZRangeBy{
		Min: minScore,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.eventKey(id)
	}

	var out []*subsync.WebhookEvent
	err = s.mgetJSON(ctx, keys, func(raw []byte) error {
		var rec eventRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		ev := rec.toEvent()
		if filter.Matches(ev) {
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *eventRecord) toEvent() *subsync.WebhookEvent {
	return &subsync.WebhookEvent{
		ID:              r.ID,
		Type:            r.Type,
		Provider:        r.Provider,
		ProviderEventID: r.ProviderEventID,
		CreatedAt:       r.CreatedAt,
		Payload:         r.Payload,
	}
}

// withRetry reruns fn while its WATCH transaction loses a race.
func (s *Storage) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < s.config.MaxRetries; i++ {
		if err = fn(); !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// getter is satisfied by the client and by *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON reads key and decodes it into dst. A missing key yields redis.Nil.
func (s *Storage) getJSON(ctx context.Context, c getter, key string, dst any) error {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// mgetJSON fetches keys in one round trip and calls decode for each present value.
func (s *Storage) mgetJSON(ctx context.Context, keys []string, decode func([]byte) error) error {
	if len(keys) == 0 {
		return nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if err := decode([]byte(str)); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
	}
	return nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) userKey(tokenIdentifier string) string {
	return s.config.KeyPrefix + "user:" + tokenIdentifier
}

func (s *Storage) usersKey() string {
	return s.config.KeyPrefix + "users"
}

func (s *Storage) subscriptionKey(id string) string {
	return s.config.KeyPrefix + "subscription:" + id
}

func (s *Storage) userSubscriptionsKey(userID string) string {
	return s.config.KeyPrefix + "user_subscriptions:" + userID
}

func (s *Storage) eventKey(id string) string {
	return s.config.KeyPrefix + "webhook_event:" + id
}

func (s *Storage) eventsKey() string {
	return s.config.KeyPrefix + "webhook_events"
}
