// Package postgres provides a PostgreSQL implementation of the subsync.Storage interface.
// Creates rely on unique keys with ON CONFLICT DO NOTHING, and subscription patches
// run inside a transaction holding SELECT FOR UPDATE on the row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Storage implements subsync.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates missing tables and indexes in New.
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		token_identifier TEXT PRIMARY KEY,
		id               TEXT NOT NULL,
		email            TEXT NOT NULL DEFAULT '',
		name             TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		provider_subscription_id TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL,
		status                   TEXT NOT NULL,
		price_id                 TEXT NOT NULL DEFAULT '',
		customer_id              TEXT NOT NULL DEFAULT '',
		amount                   BIGINT NOT NULL DEFAULT 0,
		currency                 TEXT NOT NULL DEFAULT '',
		billing_interval         TEXT NOT NULL DEFAULT '',
		current_period_start     TIMESTAMPTZ NOT NULL,
		current_period_end       TIMESTAMPTZ NOT NULL,
		cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
		started_at               TIMESTAMPTZ,
		canceled_at              TIMESTAMPTZ,
		ended_at                 TIMESTAMPTZ,
		metadata                 JSONB,
		created_at               TIMESTAMPTZ NOT NULL,
		updated_at               TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS subscriptions_user_id_idx ON subscriptions (user_id)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		seq               BIGSERIAL,
		id                TEXT PRIMARY KEY,
		type              TEXT NOT NULL,
		provider          TEXT NOT NULL DEFAULT '',
		provider_event_id TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		payload           BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_events_created_at_idx ON webhook_events (created_at DESC, seq DESC)`,
}

// Migrate creates the tables and indexes if they do not exist yet
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// truncate empties every table. Tests use it between runs.
func (s *Storage) truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE users, subscriptions, webhook_events`)
	return err
}

const userColumns = `id, token_identifier, email, name, created_at, updated_at`

func scanUser(row pgx.Row) (*subsync.User, error) {
	var u subsync.User
	if err := row.Scan(&u.ID, &u.TokenIdentifier, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser implements subsync.Storage
func (s *Storage) GetUser(ctx context.Context, tokenIdentifier string) (*subsync.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE token_identifier = $1`, tokenIdentifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// CreateUser implements subsync.Storage
func (s *Storage) CreateUser(ctx context.Context, user *subsync.User) error {
	if user == nil || user.TokenIdentifier == "" {
		return fmt.Errorf("invalid user")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (token_identifier) DO NOTHING`,
		user.ID, user.TokenIdentifier, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrUserExists
	}
	return nil
}

// UpdateUserProfile implements subsync.Storage
func (s *Storage) UpdateUserProfile(ctx context.Context, tokenIdentifier, email, name string,
	at time.Time) (*subsync.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET email = $2, name = $3, updated_at = $4
			WHERE token_identifier = $1
			RETURNING `+userColumns,
		tokenIdentifier, email, name, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return u, nil
}

// ListUsers implements subsync.Storage
func (s *Storage) ListUsers(ctx context.Context) ([]*subsync.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY token_identifier`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*subsync.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return out, nil
}

// RenameUser implements subsync.Storage
func (s *Storage) RenameUser(ctx context.Context, oldToken, newToken string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET token_identifier = $2 WHERE token_identifier = $1`, oldToken, newToken)
	if isUniqueViolation(err) {
		return subsync.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to rename user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrUserNotFound
	}
	return nil
}

const subscriptionColumns = `provider_subscription_id, user_id, status, price_id, customer_id,
	amount, currency, billing_interval, current_period_start, current_period_end,
	cancel_at_period_end, started_at, canceled_at, ended_at, metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var (
		sub      subsync.Subscription
		status   string
		metadata []byte
	)
	err := row.Scan(
		&sub.ProviderSubscriptionID,
		&sub.UserID,
		&status,
		&sub.PriceID,
		&sub.CustomerID,
		&sub.Amount,
		&sub.Currency,
		&sub.Interval,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.StartedAt,
		&sub.CanceledAt,
		&sub.EndedAt,
		&metadata,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = subsync.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &sub, nil
}

func subscriptionArgs(sub *subsync.Subscription) ([]any, error) {
	var metadata []byte
	if sub.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	return []any{
		sub.ProviderSubscriptionID, sub.UserID, string(sub.Status), sub.PriceID, sub.CustomerID,
		sub.Amount, sub.Currency, sub.Interval, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.StartedAt, sub.CanceledAt, sub.EndedAt, metadata,
		sub.CreatedAt, sub.UpdatedAt,
	}, nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptionsByUser implements subsync.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subsync.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

// InsertSubscription implements subsync.Storage
func (s *Storage) InsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}
	args, err := subscriptionArgs(sub)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (provider_subscription_id) DO NOTHING`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrSubscriptionExists
	}
	return nil
}

// PatchSubscription implements subsync.Storage. The row stays locked from
// read to write, so concurrent patches of one subscription serialize.
func (s *Storage) PatchSubscription(ctx context.Context, providerSubscriptionID string,
	patch *subsync.SubscriptionPatch) (*subsync.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE provider_subscription_id = $1
			FOR UPDATE`,
		providerSubscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription for update: %w", err)
	}

	if !sub.Apply(patch) {
		return sub, nil
	}

	args, err := subscriptionArgs(sub)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE subscriptions SET
				user_id = $2, status = $3, price_id = $4, customer_id = $5,
				amount = $6, currency = $7, billing_interval = $8,
				current_period_start = $9, current_period_end = $10,
				cancel_at_period_end = $11, started_at = $12, canceled_at = $13, ended_at = $14,
				metadata = $15, created_at = $16, updated_at = $17
			WHERE provider_subscription_id = $1`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, nil
}

// ReassignSubscriptions implements subsync.Storage
func (s *Storage) ReassignSubscriptions(ctx context.Context, fromUserID, toUserID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET user_id = $2 WHERE user_id = $1`, fromUserID, toUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign subscriptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const eventColumns = `id, type, provider, provider_event_id, created_at, payload`

func scanEvent(row pgx.Row) (*subsync.WebhookEvent, error) {
	var (
		ev      subsync.WebhookEvent
		payload []byte
	)
	if err := row.Scan(&ev.ID, &ev.Type, &ev.Provider, &ev.ProviderEventID, &ev.CreatedAt, &payload); err != nil {
		return nil, err
	}
	ev.Payload = payload
	return &ev, nil
}

// AppendWebhookEvent implements subsync.Storage
func (s *Storage) AppendWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid webhook event")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.Type, ev.Provider, ev.ProviderEventID, ev.CreatedAt, []byte(ev.Payload))
	if isUniqueViolation(err) {
		return fmt.Errorf("webhook event %s already recorded", ev.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to append webhook event: %w", err)
	}
	return nil
}

// GetWebhookEvent implements subsync.Storage
func (s *Storage) GetWebhookEvent(ctx context.Context, id string) (*subsync.WebhookEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return ev, nil
}

// ListWebhookEvents implements subsync.Storage
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.EventFilter) ([]*subsync.WebhookEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var out []*subsync.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
