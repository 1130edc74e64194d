// Package sqlite provides a single-file SQLite implementation of the subsync.Storage
// interface for single-node deployments. It uses the pure-Go modernc.org/sqlite driver
// and the same table layout as the postgres adapter. Timestamps are stored as Unix
// nanoseconds in UTC.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage on top of database/sql
type Storage struct {
	db *sql.DB
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file. ":memory:" is accepted for throwaway stores.
	Path string

	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
}

// New opens (and creates if needed) the database at config.Path
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	dsn := config.Path + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds()),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Storage{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	token_identifier TEXT PRIMARY KEY,
	id               TEXT NOT NULL,
	email            TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	provider_subscription_id TEXT PRIMARY KEY,
	user_id                  TEXT NOT NULL,
	status                   TEXT NOT NULL,
	price_id                 TEXT NOT NULL DEFAULT '',
	customer_id              TEXT NOT NULL DEFAULT '',
	amount                   INTEGER NOT NULL DEFAULT 0,
	currency                 TEXT NOT NULL DEFAULT '',
	billing_interval         TEXT NOT NULL DEFAULT '',
	current_period_start     INTEGER NOT NULL,
	current_period_end       INTEGER NOT NULL,
	cancel_at_period_end     INTEGER NOT NULL DEFAULT 0,
	started_at               INTEGER,
	canceled_at              INTEGER,
	ended_at                 INTEGER,
	metadata                 TEXT,
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);

CREATE TABLE IF NOT EXISTS webhook_events (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	type              TEXT NOT NULL,
	provider          TEXT NOT NULL DEFAULT '',
	provider_event_id TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	payload           BLOB
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_created_at ON webhook_events(created_at);
CREATE INDEX IF NOT EXISTS idx_webhook_events_type ON webhook_events(type);
`

// Migrate creates the tables and indexes if they do not exist yet
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, token_identifier, email, name, created_at, updated_at`

func scanUser(row scanner) (*subsync.User, error) {
	var (
		u                subsync.User
		created, updated int64
	)
	if err := row.Scan(&u.ID, &u.TokenIdentifier, &u.Email, &u.Name, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

// GetUser implements subsync.Storage
func (s *Storage) GetUser(ctx context.Context, tokenIdentifier string) (*subsync.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE token_identifier = ?`, tokenIdentifier))
	if errors.Is(err, sql.ErrNoRows) {
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (token_identifier) DO NOTHING`,
		user.ID, user.TokenIdentifier, user.Email, user.Name,
		toNanos(user.CreatedAt), toNanos(user.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return existsIfUnaffected(res, subsync.ErrUserExists)
}

// UpdateUserProfile implements subsync.Storage
func (s *Storage) UpdateUserProfile(ctx context.Context, tokenIdentifier, email, name string,
	at time.Time) (*subsync.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`UPDATE users SET email = ?, name = ?, updated_at = ?
			WHERE token_identifier = ?
			RETURNING `+userColumns,
		email, name, toNanos(at), tokenIdentifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return u, nil
}

// ListUsers implements subsync.Storage
func (s *Storage) ListUsers(ctx context.Context) ([]*subsync.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY token_identifier`)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var taken int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE token_identifier = ?`, newToken).Scan(&taken); err != nil {
		return fmt.Errorf("failed to check target token: %w", err)
	}
	if taken > 0 {
		return subsync.ErrUserExists
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET token_identifier = ? WHERE token_identifier = ?`, newToken, oldToken)
	if err != nil {
		return fmt.Errorf("failed to rename user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to rename user: %w", err)
	} else if n == 0 {
		return subsync.ErrUserNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

const subscriptionColumns = `provider_subscription_id, user_id, status, price_id, customer_id,
	amount, currency, billing_interval, current_period_start, current_period_end,
	cancel_at_period_end, started_at, canceled_at, ended_at, metadata, created_at, updated_at`

func scanSubscription(row scanner) (*subsync.Subscription, error) {
	var (
		sub                      subsync.Subscription
		status                   string
		periodStart, periodEnd   int64
		started, canceled, ended sql.NullInt64
		metadata                 sql.NullString
		created, updated         int64
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
		&periodStart,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&started,
		&canceled,
		&ended,
		&metadata,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = subsync.Status(status)
	sub.CurrentPeriodStart = fromNanos(periodStart)
	sub.CurrentPeriodEnd = fromNanos(periodEnd)
	sub.StartedAt = timePtr(started)
	sub.CanceledAt = timePtr(canceled)
	sub.EndedAt = timePtr(ended)
	sub.CreatedAt = fromNanos(created)
	sub.UpdatedAt = fromNanos(updated)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &sub, nil
}

func subscriptionArgs(sub *subsync.Subscription) ([]any, error) {
	var metadata sql.NullString
	if sub.Metadata != nil {
		raw, err := json.Marshal(sub.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	return []any{
		sub.ProviderSubscriptionID, sub.UserID, string(sub.Status), sub.PriceID, sub.CustomerID,
		sub.Amount, sub.Currency, sub.Interval,
		toNanos(sub.CurrentPeriodStart), toNanos(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd,
		nullableNanos(sub.StartedAt), nullableNanos(sub.CanceledAt), nullableNanos(sub.EndedAt),
		metadata, toNanos(sub.CreatedAt), toNanos(sub.UpdatedAt),
	}, nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptionsByUser implements subsync.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID)
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (provider_subscription_id) DO NOTHING`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return existsIfUnaffected(res, subsync.ErrSubscriptionExists)
}

// PatchSubscription implements subsync.Storage
func (s *Storage) PatchSubscription(ctx context.Context, providerSubscriptionID string,
	patch *subsync.SubscriptionPatch) (*subsync.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	sub, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if !sub.Apply(patch) {
		return sub, nil
	}

	args, err := subscriptionArgs(sub)
	if err != nil {
		return nil, err
	}
	// The key goes last to match the WHERE placeholder.
	args = append(args[1:], args[0])
	_, err = tx.ExecContext(ctx,
		`UPDATE subscriptions SET
				user_id = ?, status = ?, price_id = ?, customer_id = ?,
				amount = ?, currency = ?, billing_interval = ?,
				current_period_start = ?, current_period_end = ?,
				cancel_at_period_end = ?, started_at = ?, canceled_at = ?, ended_at = ?,
				metadata = ?, created_at = ?, updated_at = ?
			WHERE provider_subscription_id = ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, nil
}

// ReassignSubscriptions implements subsync.Storage
func (s *Storage) ReassignSubscriptions(ctx context.Context, fromUserID, toUserID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET user_id = ? WHERE user_id = ?`, toUserID, fromUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reassign subscriptions: %w", err)
	}
	return int(n), nil
}

const eventColumns = `id, type, provider, provider_event_id, created_at, payload`

func scanEvent(row scanner) (*subsync.WebhookEvent, error) {
	var (
		ev      subsync.WebhookEvent
		created int64
		payload []byte
	)
	if err := row.Scan(&ev.ID, &ev.Type, &ev.Provider, &ev.ProviderEventID, &created, &payload); err != nil {
		return nil, err
	}
	ev.CreatedAt = fromNanos(created)
	ev.Payload = payload
	return &ev, nil
}

// AppendWebhookEvent implements subsync.Storage
func (s *Storage) AppendWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid webhook event")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.Provider, ev.ProviderEventID, toNanos(ev.CreatedAt), []byte(ev.Payload))
	if err != nil {
		return fmt.Errorf("failed to append webhook event: %w", err)
	}
	if err := existsIfUnaffected(res, nil); err != nil {
		return fmt.Errorf("webhook event %s already recorded", ev.ID)
	}
	return nil
}

// GetWebhookEvent implements subsync.Storage
func (s *Storage) GetWebhookEvent(ctx context.Context, id string) (*subsync.WebhookEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(filter.Since))
	}

	query := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// existsIfUnaffected returns conflict when an ON CONFLICT DO NOTHING insert
// wrote no row.
func existsIfUnaffected(res sql.Result, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if conflict == nil {
			conflict = errors.New("row already exists")
		}
		return conflict
	}
	return nil
}
