package subsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind is the provider-neutral meaning of a webhook event type.
type EventKind string

const (
	KindCreated          EventKind = "created"
	KindUpdated          EventKind = "updated"
	KindActivated        EventKind = "activated"
	KindCanceled         EventKind = "canceled"
	KindReactivated      EventKind = "reactivated"
	KindPaymentFailed    EventKind = "payment_failed"
	KindPaymentSucceeded EventKind = "payment_succeeded"
	KindUnknown          EventKind = "unknown"
)

// EventTypeUnparseable is the audit log type of bodies that are not valid events.
const EventTypeUnparseable = "unparseable"

var eventKinds = map[string]EventKind{
	"subscription.created":                 KindCreated,
	"customer.subscription.created":        KindCreated,
	"subscription.updated":                 KindUpdated,
	"customer.subscription.updated":        KindUpdated,
	"subscription.activated":               KindActivated,
	"customer.subscription.activated":      KindActivated,
	"subscription.cancelled":               KindCanceled,
	"subscription.canceled":                KindCanceled,
	"subscription.deleted":                 KindCanceled,
	"customer.subscription.deleted":        KindCanceled,
	"subscription.reactivated":             KindReactivated,
	"customer.subscription.reactivated":    KindReactivated,
	"invoice.payment_failed":               KindPaymentFailed,
	"invoice.payment_succeeded":            KindPaymentSucceeded,
	"invoice.paid":                         KindPaymentSucceeded,
	"customer.subscription.trial_will_end": KindUnknown,
}

// KindOf classifies a provider event type.
func KindOf(eventType string) EventKind {
	if k, ok := eventKinds[eventType]; ok {
		return k
	}
	return KindUnknown
}

// Event is a webhook envelope. Stripe stamps Created in seconds, Svix-based
// providers stamp Timestamp in milliseconds.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Created   int64           `json:"created"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ParseEvent decodes a webhook body. When data wraps the resource in an
// "object" field, as Stripe does, Data is replaced by the resource itself.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}
	if len(ev.Data) > 0 {
		var wrapper struct {
			Object json.RawMessage `json:"object"`
		}
		if err := json.Unmarshal(ev.Data, &wrapper); err == nil && isJSONObject(wrapper.Object) {
			ev.Data = wrapper.Object
		}
	}
	return &ev, nil
}

// OccurredAt returns the provider timestamp of the event, or the zero time.
func (e *Event) OccurredAt() time.Time {
	switch {
	case e.Timestamp > 0:
		return unixTime(e.Timestamp)
	case e.Created > 0:
		return unixTime(e.Created)
	default:
		return time.Time{}
	}
}

// ProviderEventID is the envelope ID, falling back to the resource ID.
func (e *Event) ProviderEventID() string {
	if e.ID != "" {
		return e.ID
	}
	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(e.Data, &obj)
	return obj.ID
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// unixTime accepts seconds or milliseconds; anything past year 33658 in
// seconds is read as milliseconds.
func unixTime(v int64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// subscriptionData is the subset of a provider subscription or invoice
// object the reconciler reads.
type subscriptionData struct {
	ID                 string          `json:"id"`
	Object             json.RawMessage `json:"object"`
	Status             string          `json:"status"`
	Customer           json.RawMessage `json:"customer"`
	Currency           string          `json:"currency"`
	Interval           string          `json:"interval"`
	Amount             *int64          `json:"amount"`
	PriceID            string          `json:"price_id"`
	CurrentPeriodStart *int64          `json:"current_period_start"`
	CurrentPeriodEnd   *int64          `json:"current_period_end"`
	CancelAtPeriodEnd  *bool           `json:"cancel_at_period_end"`
	StartDate          *int64          `json:"start_date"`
	CanceledAt         *int64          `json:"canceled_at"`
	EndedAt            *int64          `json:"ended_at"`
	Metadata           map[string]any  `json:"metadata"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	Plan *struct {
		ID       string `json:"id"`
		Amount   *int64 `json:"amount"`
		Currency string `json:"currency"`
		Interval string `json:"interval"`
	} `json:"plan"`

	// Invoice fields.
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type subscriptionItem struct {
	Price struct {
		ID         string `json:"id"`
		UnitAmount *int64 `json:"unit_amount"`
		Currency   string `json:"currency"`
		Recurring  *struct {
			Interval string `json:"interval"`
		} `json:"recurring"`
	} `json:"price"`
	CurrentPeriodStart *int64 `json:"current_period_start"`
	CurrentPeriodEnd   *int64 `json:"current_period_end"`
}

func decodeSubscriptionData(ev *Event) (*subscriptionData, error) {
	if len(ev.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	var d subscriptionData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &d, nil
}

func (d *subscriptionData) objectName() string {
	var s string
	if err := json.Unmarshal(d.Object, &s); err != nil {
		return ""
	}
	return s
}

func (d *subscriptionData) firstItem() *subscriptionItem {
	if len(d.Items.Data) == 0 {
		return nil
	}
	return &d.Items.Data[0]
}

func (d *subscriptionData) priceID() string {
	if item := d.firstItem(); item != nil && item.Price.ID != "" {
		return item.Price.ID
	}
	if d.PriceID != "" {
		return d.PriceID
	}
	if d.Plan != nil {
		return d.Plan.ID
	}
	return ""
}

func (d *subscriptionData) amount() *int64 {
	if item := d.firstItem(); item != nil && item.Price.UnitAmount != nil {
		return item.Price.UnitAmount
	}
	if d.Amount != nil {
		return d.Amount
	}
	if d.Plan != nil {
		return d.Plan.Amount
	}
	return nil
}

func (d *subscriptionData) currency() string {
	if d.Currency != "" {
		return strings.ToLower(d.Currency)
	}
	if item := d.firstItem(); item != nil && item.Price.Currency != "" {
		return strings.ToLower(item.Price.Currency)
	}
	return ""
}

func (d *subscriptionData) interval() string {
	if item := d.firstItem(); item != nil && item.Price.Recurring != nil && item.Price.Recurring.Interval != "" {
		return item.Price.Recurring.Interval
	}
	if d.Interval != "" {
		return d.Interval
	}
	if d.Plan != nil {
		return d.Plan.Interval
	}
	return ""
}

// periodStart and periodEnd fall back to the first item, where newer Stripe
// API versions report billing periods.
func (d *subscriptionData) periodStart() *int64 {
	if d.CurrentPeriodStart != nil {
		return d.CurrentPeriodStart
	}
	if item := d.firstItem(); item != nil {
		return item.CurrentPeriodStart
	}
	return nil
}

func (d *subscriptionData) periodEnd() *int64 {
	if d.CurrentPeriodEnd != nil {
		return d.CurrentPeriodEnd
	}
	if item := d.firstItem(); item != nil {
		return item.CurrentPeriodEnd
	}
	return nil
}

func (d *subscriptionData) customerID() string {
	return idFromRaw(d.Customer)
}

func (d *subscriptionData) invoiceSubscriptionID() string {
	if id := idFromRaw(d.Subscription); id != "" {
		return id
	}
	if d.Parent != nil && d.Parent.SubscriptionDetails != nil {
		return idFromRaw(d.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (d *subscriptionData) owner() string {
	for _, key := range []string{"userId", "user_id"} {
		if v := metadataValue(d.Metadata[key]); v != "" {
			return v
		}
	}
	return ""
}

func (d *subscriptionData) metadata() map[string]string {
	if d.Metadata == nil {
		return nil
	}
	out := make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		out[k] = metadataValue(v)
	}
	return out
}

// idFromRaw reads an ID that is either a plain string or an expanded object.
func idFromRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func metadataValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
