// Package subsync keeps local user and subscription records in step with a
// billing provider. Webhook events drive a small status state machine, and
// the resulting records answer entitlement checks for protected routes.
package subsync

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Status is the billing status of a subscription. The zero value means the
// user has no subscription.
type Status string

const (
	StatusNone     Status = ""
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// NormalizeStatus maps a provider status string onto the three local states.
func NormalizeStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "trialing":
		return StatusActive, nil
	case "past_due", "unpaid", "incomplete", "paused":
		return StatusPastDue, nil
	case "canceled", "cancelled", "incomplete_expired", "ended", "expired":
		return StatusCanceled, nil
	default:
		return StatusNone, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// rank orders statuses for picking the authoritative subscription of a user.
func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 3
	case StatusPastDue:
		return 2
	case StatusCanceled:
		return 1
	default:
		return 0
	}
}

// User is the local record of an authenticated person.
type User struct {
	ID              string    `json:"id"`
	TokenIdentifier string    `json:"tokenIdentifier"`
	Email           string    `json:"email,omitempty"`
	Name            string    `json:"name,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Identity is what an authenticator extracted from a request.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// Subscription mirrors one provider subscription. UserID holds the owner's
// TokenIdentifier.
type Subscription struct {
	ProviderSubscriptionID string            `json:"providerSubscriptionId"`
	UserID                 string            `json:"userId"`
	Status                 Status            `json:"status"`
	PriceID                string            `json:"priceId,omitempty"`
	CustomerID             string            `json:"customerId,omitempty"`
	Amount                 int64             `json:"amount"`
	Currency               string            `json:"currency"`
	Interval               string            `json:"interval"`
	CurrentPeriodStart     time.Time         `json:"currentPeriodStart"`
	CurrentPeriodEnd       time.Time         `json:"currentPeriodEnd"`
	CancelAtPeriodEnd      bool              `json:"cancelAtPeriodEnd"`
	StartedAt              *time.Time        `json:"startedAt,omitempty"`
	CanceledAt             *time.Time        `json:"canceledAt,omitempty"`
	EndedAt                *time.Time        `json:"endedAt,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.StartedAt = cloneTime(s.StartedAt)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.EndedAt = cloneTime(s.EndedAt)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// SubscriptionPatch is a partial update. Nil fields keep their stored value.
type SubscriptionPatch struct {
	Status             *Status
	PriceID            *string
	CustomerID         *string
	Amount             *int64
	Currency           *string
	Interval           *string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool
	StartedAt          *time.Time
	CanceledAt         *time.Time
	EndedAt            *time.Time
	ClearCanceledAt    bool
	ClearEndedAt       bool
	Metadata           map[string]string

	// UpdatedAt is stamped on the record only when the patch changes it.
	UpdatedAt time.Time
}

// Apply merges the patch into s and reports whether any field changed.
//
//nolint:gocyclo // one branch per patchable field
func (s *Subscription) Apply(p *SubscriptionPatch) bool {
	if p == nil {
		return false
	}
	changed := false
	if p.Status != nil && *p.Status != s.Status {
		s.Status = *p.Status
		changed = true
	}
	changed = setString(&s.PriceID, p.PriceID) || changed
	changed = setString(&s.CustomerID, p.CustomerID) || changed
	changed = setString(&s.Currency, p.Currency) || changed
	changed = setString(&s.Interval, p.Interval) || changed
	if p.Amount != nil && *p.Amount != s.Amount {
		s.Amount = *p.Amount
		changed = true
	}
	if p.CurrentPeriodStart != nil && !p.CurrentPeriodStart.Equal(s.CurrentPeriodStart) {
		s.CurrentPeriodStart = *p.CurrentPeriodStart
		changed = true
	}
	if p.CurrentPeriodEnd != nil && !p.CurrentPeriodEnd.Equal(s.CurrentPeriodEnd) {
		s.CurrentPeriodEnd = *p.CurrentPeriodEnd
		changed = true
	}
	if p.CancelAtPeriodEnd != nil && *p.CancelAtPeriodEnd != s.CancelAtPeriodEnd {
		s.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
		changed = true
	}
	changed = setTime(&s.StartedAt, p.StartedAt, false) || changed
	changed = setTime(&s.CanceledAt, p.CanceledAt, p.ClearCanceledAt) || changed
	changed = setTime(&s.EndedAt, p.EndedAt, p.ClearEndedAt) || changed
	if p.Metadata != nil && !maps.Equal(p.Metadata, s.Metadata) {
		s.Metadata = maps.Clone(p.Metadata)
		changed = true
	}
	if changed && !p.UpdatedAt.IsZero() {
		s.UpdatedAt = p.UpdatedAt
	}
	return changed
}

func setString(dst *string, v *string) bool {
	if v == nil || *v == *dst {
		return false
	}
	*dst = *v
	return true
}

func setTime(dst **time.Time, v *time.Time, reset bool) bool {
	if reset {
		if *dst == nil {
			return false
		}
		*dst = nil
		return true
	}
	if v == nil {
		return false
	}
	if *dst != nil && (*dst).Equal(*v) {
		return false
	}
	t := *v
	*dst = &t
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// WebhookEvent is one entry of the append-only audit log.
type WebhookEvent struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Provider        string          `json:"provider,omitempty"`
	ProviderEventID string          `json:"providerEventId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	Payload         json.RawMessage `json:"payload"`
}

// EventFilter narrows ListWebhookEvents. Zero fields match everything.
type EventFilter struct {
	Type  string
	Since time.Time
	Limit int
}

// Matches reports whether ev passes the type and time filters.
func (f EventFilter) Matches(ev *WebhookEvent) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
