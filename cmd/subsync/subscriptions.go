package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

var (
	subUser     string
	subID       string
	subStatus   string
	subPrice    string
	subAmount   int64
	subCurrency string
	subInterval string
)

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Inspect and edit subscription records",
}

var subscriptionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a subscription for a user, or set the status of an existing one",
	Long: `Write a subscription record directly, bypassing the billing provider.
Intended for support fixes and development. When --id names an existing
subscription its status is set instead.`,
	Example: `  # Grant a development subscription
  subsync subscriptions create --user user_abc --status active --price price_pro --amount 900`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		sub, err := createSubscription(cmd.Context(), a.Storage, subscriptionRequest{
			UserID:   subUser,
			ID:       subID,
			Status:   subStatus,
			PriceID:  subPrice,
			Amount:   subAmount,
			Currency: subCurrency,
			Interval: subInterval,
		}, time.Now().UTC())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sub)
	},
}

var subscriptionsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a user and every subscription they own",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return showUser(cmd.Context(), a.Storage, subUser, cmd.OutOrStdout())
	},
}

func init() {
	f := subscriptionsCreateCmd.Flags()
	f.StringVar(&subUser, "user", "", "token identifier of the owner")
	f.StringVar(&subID, "id", "", "provider subscription ID (generated when empty)")
	f.StringVar(&subStatus, "status", string(subsync.StatusActive), "status: active, past_due or canceled")
	f.StringVar(&subPrice, "price", "", "price ID")
	f.Int64Var(&subAmount, "amount", 0, "amount in minor units")
	f.StringVar(&subCurrency, "currency", "usd", "ISO currency code")
	f.StringVar(&subInterval, "interval", "month", "billing interval: month or year")
	_ = subscriptionsCreateCmd.MarkFlagRequired("user")

	subscriptionsShowCmd.Flags().StringVar(&subUser, "user", "", "token identifier of the user")
	_ = subscriptionsShowCmd.MarkFlagRequired("user")

	subscriptionsCmd.AddCommand(subscriptionsCreateCmd, subscriptionsShowCmd)
}

type subscriptionRequest struct {
	UserID   string
	ID       string
	Status   string
	PriceID  string
	Amount   int64
	Currency string
	Interval string
}

// createSubscription inserts a subscription owned by an existing user. If a
// subscription with the requested ID exists, only its status changes; moving
// it to active clears the cancellation stamps.
func createSubscription(ctx context.Context, storage subsync.Storage, req subscriptionRequest, now time.Time) (*subsync.Subscription, error) {
	status, err := subsync.NormalizeStatus(req.Status)
	if err != nil {
		return nil, err
	}
	if _, err := storage.GetUser(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("failed to get user %q: %w", req.UserID, err)
	}

	id := req.ID
	if id == "" {
		id = "sub_admin_" + ulid.Make().String()
	}
	end := now.AddDate(0, 1, 0)
	if req.Interval == "year" {
		end = now.AddDate(1, 0, 0)
	}
	sub := &subsync.Subscription{
		ProviderSubscriptionID: id,
		UserID:                 req.UserID,
		Status:                 status,
		PriceID:                req.PriceID,
		Amount:                 req.Amount,
		Currency:               req.Currency,
		Interval:               req.Interval,
		CurrentPeriodStart:     now,
		CurrentPeriodEnd:       end,
		StartedAt:              &now,
		Metadata:               map[string]string{"source": "admin"},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if status == subsync.StatusCanceled {
		sub.CanceledAt = &now
		sub.EndedAt = &now
	}

	store := subsync.NewSubscriptionStore(storage, nil)
	err = store.Insert(ctx, sub)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, subsync.ErrSubscriptionExists) {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	patch := &subsync.SubscriptionPatch{Status: &status, UpdatedAt: now}
	switch status {
	case subsync.StatusActive:
		patch.StartedAt = &now
		patch.ClearCanceledAt = true
		patch.ClearEndedAt = true
	case subsync.StatusCanceled:
		patch.CanceledAt = &now
		patch.EndedAt = &now
	}
	return store.Patch(ctx, id, patch)
}

type userDetail struct {
	User          *subsync.User           `json:"user"`
	Subscriptions []*subsync.Subscription `json:"subscriptions"`
	Authoritative string                  `json:"authoritative,omitempty"`
}

func showUser(ctx context.Context, storage subsync.Storage, token string, out io.Writer) error {
	user, err := storage.GetUser(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to get user %q: %w", token, err)
	}
	subs, err := storage.ListSubscriptionsByUser(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions of %q: %w", token, err)
	}
	detail := userDetail{User: user, Subscriptions: subs}
	if sub := subsync.PickAuthoritative(subs); sub != nil {
		detail.Authoritative = sub.ProviderSubscriptionID
	}
	return printJSON(out, detail)
}
