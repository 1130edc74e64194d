package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

var (
	replayEventID string
	replayType    string
	replaySince   time.Duration
	replayLimit   int

	legacyFormat string
	dryRun       bool

	tokenSubject string
	tokenEmail   string
	tokenName    string
	tokenTTL     time.Duration
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Print the plan catalog as JSON",
	Long:  `Print the plans the pricing page would show, including whether the fallback catalog was used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(cmd.OutOrStdout(), a.Catalog.ListPlans(cmd.Context()))
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users with their current subscription status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return listUsers(cmd.Context(), a.Storage, cmd.OutOrStdout())
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-apply recorded webhook events",
	Long: `Re-apply webhook events from the audit log to the subscription records.
Events are applied oldest first. Replaying an event that is already reflected
in the records changes nothing.`,
	Example: `  # Replay a single audit entry
  subsync replay --event 01JN3ZK2Q8X5V7W9Y0A1B2C3D4

  # Replay every cancellation of the last day
  subsync replay --type customer.subscription.deleted --since 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayEventID == "" && replayType == "" && replaySince <= 0 {
			return errors.New("one of --event, --type or --since is required")
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		filter := subsync.EventFilter{Type: replayType, Limit: replayLimit}
		if replaySince > 0 {
			filter.Since = time.Now().Add(-replaySince)
		}
		_, err = replayEvents(cmd.Context(), a.Storage, a.Reconciler, replayEventID, filter, cmd.OutOrStdout())
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate-identifiers",
	Short: "Rewrite legacy token identifiers into the canonical format",
	Example: `  # Preview the migration of "user|<id>" identifiers
  subsync migrate-identifiers --legacy-format 'user|%s' --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Identity.MigrateLegacyIdentifiers(cmd.Context(), legacyFormat, dryRun)
		if report != nil {
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
		}
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed session token for local testing",
	Long:  `Issue an HS256 token accepted when AUTH_MODE=jwt. Intended for development and smoke tests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is required to issue tokens")
		}
		authn, err := auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return err
		}
		token, err := authn.IssueToken(subsync.Identity{
			Subject: tokenSubject,
			Email:   tokenEmail,
			Name:    tokenName,
		}, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayEventID, "event", "", "audit log ID of a single event to replay")
	replayCmd.Flags().StringVar(&replayType, "type", "", "only replay events of this provider type")
	replayCmd.Flags().DurationVar(&replaySince, "since", 0, "only replay events recorded within this window (e.g. 24h)")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "maximum number of events to replay (0 = no limit)")

	migrateCmd.Flags().StringVar(&legacyFormat, "legacy-format", "", `legacy identifier layout with one %s, e.g. "user|%s"`)
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	_ = migrateCmd.MarkFlagRequired("legacy-format")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "token subject (the user's token identifier)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "name claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}

// replaySummary counts what a replay run did.
type replaySummary struct {
	Applied int
	Skipped int
	Failed  int
}

// replayEvents applies the audit entry eventID, or every entry matching
// filter, in the order they were recorded. Entries whose payload does not
// parse are skipped. A failing entry does not stop the run; the first error
// is returned at the end.
func replayEvents(ctx context.Context, storage subsync.Storage, reconciler *subsync.Reconciler,
	eventID string, filter subsync.EventFilter, out io.Writer) (replaySummary, error) {
	var (
		summary replaySummary
		events  []*subsync.WebhookEvent
	)
	if eventID != "" {
		ev, err := storage.GetWebhookEvent(ctx, eventID)
		if err != nil {
			return summary, fmt.Errorf("failed to get event %q: %w", eventID, err)
		}
		events = []*subsync.WebhookEvent{ev}
	} else {
		listed, err := storage.ListWebhookEvents(ctx, filter)
		if err != nil {
			return summary, fmt.Errorf("failed to list events: %w", err)
		}
		events = listed
		// Listed newest first.
		slices.Reverse(events)
	}

	var firstErr error
	for _, stored := range events {
		ev, err := subsync.ParseEvent(stored.Payload)
		if err != nil {
			summary.Skipped++
			fmt.Fprintf(out, "%s\t%s\tskipped: %v\n", stored.ID, stored.Type, err)
			continue
		}
		outcome, err := reconciler.Apply(ctx, ev)
		if err != nil {
			summary.Failed++
			fmt.Fprintf(out, "%s\t%s\tfailed: %v\n", stored.ID, stored.Type, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		summary.Applied++
		fmt.Fprintf(out, "%s\t%s\t%s\t%s -> %s\n", stored.ID, stored.Type, outcome.Action,
			statusLabel(outcome.From), statusLabel(outcome.To))
	}
	fmt.Fprintf(out, "applied=%d skipped=%d failed=%d\n", summary.Applied, summary.Skipped, summary.Failed)
	return summary, firstErr
}

type userRow struct {
	TokenIdentifier string         `json:"tokenIdentifier"`
	Email           string         `json:"email,omitempty"`
	Status          subsync.Status `json:"status"`
	Subscriptions   int            `json:"subscriptions"`
}

func listUsers(ctx context.Context, storage subsync.Storage, out io.Writer) error {
	users, err := storage.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		subs, err := storage.ListSubscriptionsByUser(ctx, u.TokenIdentifier)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions of %q: %w", u.TokenIdentifier, err)
		}
		row := userRow{TokenIdentifier: u.TokenIdentifier, Email: u.Email, Subscriptions: len(subs)}
		if sub := subsync.PickAuthoritative(subs); sub != nil {
			row.Status = sub.Status
		}
		rows = append(rows, row)
	}
	return printJSON(out, rows)
}

func statusLabel(s subsync.Status) string {
	if s == subsync.StatusNone {
		return "none"
	}
	return string(s)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
