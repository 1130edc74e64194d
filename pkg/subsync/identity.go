package subsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultIdentifierFormats are the token identifier layouts the identity
// provider has used over time. The first entry is canonical.
var DefaultIdentifierFormats = []string{"%s", "user_%s", "user|%s"}

// IdentityConfig holds configuration for the IdentityResolver.
type IdentityConfig struct {
	// Formats are identifier templates with exactly one %s, tried in order by
	// ResolveByLegacyFormats. Formats[0] is the canonical layout used by
	// MigrateLegacyIdentifiers.
	// Default: DefaultIdentifierFormats
	Formats []string

	// Logger for resolver events (optional)
	Logger Logger

	// Metrics for resolution outcomes (optional)
	Metrics Metrics

	// Now returns the current time (optional, for tests)
	Now func() time.Time
}

// IdentityResolver maps identity provider subjects to local users. It is the
// only writer of user records.
type IdentityResolver struct {
	storage Storage
	formats []string
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewIdentityResolver creates a resolver over storage.
func NewIdentityResolver(storage Storage, cfg *IdentityConfig) (*IdentityResolver, error) {
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if cfg == nil {
		cfg = &IdentityConfig{}
	}
	formats := cfg.Formats
	if len(formats) == 0 {
		formats = DefaultIdentifierFormats
	}
	for _, f := range formats {
		if err := validateFormat(f); err != nil {
			return nil, err
		}
	}
	r := &IdentityResolver{
		storage: storage,
		formats: append([]string(nil), formats...),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

func validateFormat(f string) error {
	if strings.Count(f, "%") != 1 || strings.Count(f, "%s") != 1 {
		return fmt.Errorf("%w: %q", ErrInvalidFormat, f)
	}
	return nil
}

func applyFormat(format, raw string) string {
	return strings.Replace(format, "%s", raw, 1)
}

// Lookup returns the user with the exact token identifier, or nil.
func (r *IdentityResolver) Lookup(ctx context.Context, subject string) (*User, error) {
	if subject == "" {
		return nil, nil
	}
	user, err := r.storage.GetUser(ctx, subject)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Resolve finds the user for subject, creating it when absent. Concurrent
// calls for the same subject return the same user.
func (r *IdentityResolver) Resolve(ctx context.Context, subject string) (*User, error) {
	return r.Upsert(ctx, Identity{Subject: subject})
}

// Upsert finds or creates the user for id.Subject and refreshes its email and
// name when id carries different non-empty values.
func (r *IdentityResolver) Upsert(ctx context.Context, id Identity) (*User, error) {
	if id.Subject == "" {
		return nil, ErrEmptySubject
	}

	user, err := r.storage.GetUser(ctx, id.Subject)
	switch {
	case err == nil:
		r.metrics.RecordIdentityResolution("found")
	case errors.Is(err, ErrUserNotFound):
		user, err = r.create(ctx, id)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return r.refreshProfile(ctx, user, id)
}

func (r *IdentityResolver) create(ctx context.Context, id Identity) (*User, error) {
	now := r.now().UTC()
	user := &User{
		ID:              uuid.NewString(),
		TokenIdentifier: id.Subject,
		Email:           id.Email,
		Name:            id.Name,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := r.storage.CreateUser(ctx, user)
	if err == nil {
		r.metrics.RecordIdentityResolution("created")
		r.logger.Info("User created", Field{"token_identifier", id.Subject})
		return user, nil
	}
	if !errors.Is(err, ErrUserExists) {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// Lost the race against a concurrent creator; the stored row wins.
	existing, err := r.storage.GetUser(ctx, id.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to get user after conflict: %w", err)
	}
	r.metrics.RecordIdentityResolution("found")
	return existing, nil
}

func (r *IdentityResolver) refreshProfile(ctx context.Context, user *User, id Identity) (*User, error) {
	email, name := user.Email, user.Name
	if id.Email != "" {
		email = id.Email
	}
	if id.Name != "" {
		name = id.Name
	}
	if email == user.Email && name == user.Name {
		return user, nil
	}
	updated, err := r.storage.UpdateUserProfile(ctx, user.TokenIdentifier, email, name, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to update user profile: %w", err)
	}
	return updated, nil
}

// ResolveByLegacyFormats tries every configured identifier format for rawID
// and returns the first user found, or nil. It never writes.
func (r *IdentityResolver) ResolveByLegacyFormats(ctx context.Context, rawID string) (*User, error) {
	if rawID == "" {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(r.formats))
	for i, f := range r.formats {
		candidate := applyFormat(f, rawID)
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}

		user, err := r.storage.GetUser(ctx, candidate)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get user %q: %w", candidate, err)
		}
		if i == 0 {
			r.metrics.RecordIdentityResolution("found")
		} else {
			r.metrics.RecordIdentityResolution("legacy")
			r.logger.Warn("User matched by legacy identifier format",
				Field{"format", f},
				Field{"token_identifier", candidate},
			)
		}
		return user, nil
	}
	r.metrics.RecordIdentityResolution("miss")
	return nil, nil
}

// IdentifierMigration describes one renamed (or conflicting) user.
type IdentifierMigration struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Subscriptions int    `json:"subscriptions"`
}

// MigrationReport summarizes a MigrateLegacyIdentifiers run.
type MigrationReport struct {
	DryRun    bool                  `json:"dryRun"`
	Scanned   int                   `json:"scanned"`
	Migrated  []IdentifierMigration `json:"migrated"`
	Conflicts []IdentifierMigration `json:"conflicts"`
}

// MigrateLegacyIdentifiers rewrites every user whose token identifier has the
// legacyFormat layout into the canonical layout and moves its subscriptions
// along. Users whose canonical identifier is already taken are reported as
// conflicts and left alone. With dryRun nothing is written.
func (r *IdentityResolver) MigrateLegacyIdentifiers(ctx context.Context, legacyFormat string, dryRun bool) (*MigrationReport, error) {
	if err := validateFormat(legacyFormat); err != nil {
		return nil, err
	}
	canonical := r.formats[0]
	if legacyFormat == canonical {
		return nil, fmt.Errorf("%w: %q is already canonical", ErrInvalidFormat, legacyFormat)
	}
	prefix, suffix, _ := strings.Cut(legacyFormat, "%s")

	users, err := r.storage.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	report := &MigrationReport{DryRun: dryRun, Scanned: len(users)}
	for _, u := range users {
		token := u.TokenIdentifier
		if len(token) <= len(prefix)+len(suffix) ||
			!strings.HasPrefix(token, prefix) || !strings.HasSuffix(token, suffix) {
			continue
		}
		raw := token[len(prefix) : len(token)-len(suffix)]
		m := IdentifierMigration{From: token, To: applyFormat(canonical, raw)}
		if m.To == m.From {
			continue
		}

		subs, err := r.storage.ListSubscriptionsByUser(ctx, token)
		if err != nil {
			return report, fmt.Errorf("failed to list subscriptions of %q: %w", token, err)
		}
		m.Subscriptions = len(subs)

		if _, err := r.storage.GetUser(ctx, m.To); err == nil {
			report.Conflicts = append(report.Conflicts, m)
			continue
		} else if !errors.Is(err, ErrUserNotFound) {
			return report, fmt.Errorf("failed to get user %q: %w", m.To, err)
		}

		if dryRun {
			report.Migrated = append(report.Migrated, m)
			continue
		}
		if err := r.storage.RenameUser(ctx, m.From, m.To); err != nil {
			if errors.Is(err, ErrUserExists) {
				report.Conflicts = append(report.Conflicts, m)
				continue
			}
			return report, fmt.Errorf("failed to rename user %q: %w", m.From, err)
		}
		moved, err := r.storage.ReassignSubscriptions(ctx, m.From, m.To)
		if err != nil {
			return report, fmt.Errorf("failed to reassign subscriptions of %q: %w", m.From, err)
		}
		m.Subscriptions = moved
		report.Migrated = append(report.Migrated, m)
		r.logger.Info("Migrated legacy identifier",
			Field{"from", m.From},
			Field{"to", m.To},
			Field{"subscriptions", moved},
		)
	}
	return report, nil
}
