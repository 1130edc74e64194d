package subsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Action describes what the reconciler did with an event.
type Action string

const (
	ActionInserted       Action = "inserted"
	ActionPatched        Action = "patched"
	ActionUnchanged      Action = "unchanged"
	ActionIgnored        Action = "ignored"
	ActionSkippedMissing Action = "skipped_missing"
)

// Outcome reports the effect of one event.
type Outcome struct {
	Kind                   EventKind `json:"kind"`
	Action                 Action    `json:"action"`
	ProviderSubscriptionID string    `json:"providerSubscriptionId,omitempty"`
	From                   Status    `json:"from,omitempty"`
	To                     Status    `json:"to,omitempty"`
}

// ReconcilerConfig holds configuration for the Reconciler.
type ReconcilerConfig struct {
	// DefaultCurrency is stored when a created event names none.
	// Default: "usd"
	DefaultCurrency string

	// DefaultInterval is stored when a created event names none.
	// Default: "month"
	DefaultInterval string

	// Logger for reconciliation events (optional)
	Logger Logger

	// Metrics for reconciliation (optional)
	Metrics Metrics

	// Now returns the current time (optional, for tests)
	Now func() time.Time
}

// Reconciler applies billing provider webhook events to subscription records.
// It is the only writer of subscriptions and of the webhook audit log.
type Reconciler struct {
	storage Storage
	subs    *SubscriptionStore
	config  ReconcilerConfig
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler over storage.
func NewReconciler(storage Storage, cfg *ReconcilerConfig) (*Reconciler, error) {
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if cfg == nil {
		cfg = &ReconcilerConfig{}
	}
	c := *cfg
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "usd"
	}
	if c.DefaultInterval == "" {
		c.DefaultInterval = "month"
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Reconciler{
		storage: storage,
		subs:    NewSubscriptionStore(storage, c.Metrics),
		config:  c,
		logger:  c.Logger,
		metrics: c.Metrics,
		now:     c.Now,
	}, nil
}

// Handle records payload in the audit log and then applies it. The audit
// entry is written before any parsing error is returned, so every delivery
// that passed signature verification can be replayed.
func (r *Reconciler) Handle(ctx context.Context, provider string, payload []byte) (*Outcome, error) {
	ev, parseErr := ParseEvent(payload)

	entry := &WebhookEvent{
		ID:        ulid.Make().String(),
		Provider:  provider,
		CreatedAt: r.now().UTC(),
		Payload:   auditPayload(payload),
	}
	if parseErr != nil {
		entry.Type = EventTypeUnparseable
	} else {
		entry.Type = ev.Type
		entry.ProviderEventID = ev.ProviderEventID()
	}

	start := time.Now()
	err := r.storage.AppendWebhookEvent(ctx, entry)
	r.metrics.RecordStorageOperation("append_webhook_event", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if parseErr != nil {
		r.logger.Warn("Unparseable webhook payload recorded",
			Field{"audit_id", entry.ID},
			Field{"error", parseErr.Error()},
		)
		return nil, parseErr
	}
	return r.Apply(ctx, ev)
}

// auditPayload keeps valid JSON as is and stores anything else as a JSON string.
func auditPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

// Apply dispatches ev on its kind without writing to the audit log. It is
// safe to call repeatedly with the same event.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) (*Outcome, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidPayload)
	}
	start := time.Now()
	kind := KindOf(ev.Type)

	var (
		out *Outcome
		err error
	)
	switch kind {
	case KindCreated:
		out, err = r.applyCreated(ctx, ev)
	case KindUpdated:
		out, err = r.applyUpdated(ctx, ev)
	case KindActivated, KindCanceled, KindReactivated:
		out, err = r.applyLifecycle(ctx, ev, kind)
	case KindPaymentFailed:
		out, err = r.applyPaymentFailed(ctx, ev)
	default:
		// payment_succeeded and unrecognized types are acknowledged only.
		out = &Outcome{Action: ActionIgnored}
	}
	if err != nil {
		r.logger.Error("Failed to apply webhook event",
			Field{"event_type", ev.Type},
			Field{"event_id", ev.ID},
			Field{"error", err.Error()},
		)
		return nil, err
	}
	out.Kind = kind

	r.metrics.RecordReconcile(string(kind), string(out.Action), time.Since(start))
	if out.From != out.To && (out.Action == ActionInserted || out.Action == ActionPatched) {
		r.metrics.RecordTransition(string(kind), out.From, out.To)
	}
	r.logger.Info("Webhook event applied",
		Field{"event_type", ev.Type},
		Field{"event_id", ev.ID},
		Field{"action", string(out.Action)},
		Field{"subscription_id", out.ProviderSubscriptionID},
		Field{"from", string(out.From)},
		Field{"to", string(out.To)},
	)
	return out, nil
}

// transition returns the status a subscription in state from ends up in when
// an event of the given kind arrives. incoming is the status carried by
// created and updated events. Created only moves a subscription out of none,
// and canceled is left only by reactivated.
func transition(kind EventKind, from, incoming Status) Status {
	if from == StatusCanceled && kind != KindReactivated {
		return StatusCanceled
	}
	if kind == KindCreated && from != StatusNone {
		return from
	}
	switch kind {
	case KindActivated, KindReactivated:
		return StatusActive
	case KindCanceled:
		return StatusCanceled
	case KindPaymentFailed:
		return StatusPastDue
	case KindCreated, KindUpdated:
		if incoming == StatusNone {
			return from
		}
		return incoming
	default:
		return from
	}
}

// eventTime is the provider timestamp of ev, or the current time.
func (r *Reconciler) eventTime(ev *Event) time.Time {
	if t := ev.OccurredAt(); !t.IsZero() {
		return t
	}
	return r.now().UTC()
}

func (r *Reconciler) applyCreated(ctx context.Context, ev *Event) (*Outcome, error) {
	data, err := decodeSubscriptionData(ev)
	if err != nil {
		return nil, err
	}
	if name := data.objectName(); name != "" && name != "subscription" {
		return &Outcome{Action: ActionIgnored}, nil
	}
	sub, err := r.subscriptionFromData(data, ev)
	if err != nil {
		return nil, err
	}

	r.warnOnSecondLiveSubscription(ctx, sub)

	err = r.subs.Insert(ctx, sub)
	if err == nil {
		return &Outcome{
			Action:                 ActionInserted,
			ProviderSubscriptionID: sub.ProviderSubscriptionID,
			To:                     sub.Status,
		}, nil
	}
	if !errors.Is(err, ErrSubscriptionExists) {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	// A redelivered created event may arrive after later events have moved
	// the record on. It only fills fields that are still empty.
	existing, err := r.subs.FindByProviderID(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("subscription %q vanished during insert", sub.ProviderSubscriptionID)
	}
	patch := fillMissing(existing, sub)
	patch.UpdatedAt = r.now().UTC()
	return r.patch(ctx, existing, patch)
}

func (r *Reconciler) subscriptionFromData(data *subscriptionData, ev *Event) (*Subscription, error) {
	if data.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}
	owner := data.owner()
	if owner == "" {
		return nil, fmt.Errorf("%w: metadata.userId missing on %s", ErrInvalidPayload, data.ID)
	}
	if data.Status == "" {
		return nil, fmt.Errorf("%w: status missing on %s", ErrInvalidPayload, data.ID)
	}
	status, err := NormalizeStatus(data.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	at := r.eventTime(ev)
	now := r.now().UTC()
	sub := &Subscription{
		ProviderSubscriptionID: data.ID,
		UserID:                 owner,
		Status:                 status,
		PriceID:                data.priceID(),
		CustomerID:             data.customerID(),
		Currency:               data.currency(),
		Interval:               data.interval(),
		CurrentPeriodStart:     unixOr(data.periodStart(), at),
		CurrentPeriodEnd:       unixOr(data.periodEnd(), at),
		StartedAt:              unixPtr(data.StartDate),
		CanceledAt:             unixPtr(data.CanceledAt),
		EndedAt:                unixPtr(data.EndedAt),
		Metadata:               data.metadata(),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if amount := data.amount(); amount != nil {
		sub.Amount = *amount
	}
	if data.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *data.CancelAtPeriodEnd
	}
	if sub.Currency == "" {
		sub.Currency = r.config.DefaultCurrency
	}
	if sub.Interval == "" {
		sub.Interval = r.config.DefaultInterval
	}
	return sub, nil
}

// fillMissing builds a patch that copies fields of s into existing where
// existing has none. Status and cancellation stamps are never touched.
func fillMissing(existing, s *Subscription) *SubscriptionPatch {
	p := &SubscriptionPatch{}
	if existing.PriceID == "" && s.PriceID != "" {
		p.PriceID = &s.PriceID
	}
	if existing.CustomerID == "" && s.CustomerID != "" {
		p.CustomerID = &s.CustomerID
	}
	if existing.Amount == 0 && s.Amount != 0 {
		p.Amount = &s.Amount
	}
	if existing.Currency == "" && s.Currency != "" {
		p.Currency = &s.Currency
	}
	if existing.Interval == "" && s.Interval != "" {
		p.Interval = &s.Interval
	}
	if existing.CurrentPeriodStart.IsZero() {
		p.CurrentPeriodStart = &s.CurrentPeriodStart
	}
	if existing.CurrentPeriodEnd.IsZero() {
		p.CurrentPeriodEnd = &s.CurrentPeriodEnd
	}
	if existing.StartedAt == nil {
		p.StartedAt = s.StartedAt
	}
	if len(existing.Metadata) == 0 && len(s.Metadata) > 0 {
		p.Metadata = s.Metadata
	}
	return p
}

// warnOnSecondLiveSubscription logs when a user is about to hold two
// subscriptions that are not canceled. Lookups still resolve to one of them
// through PickAuthoritative.
func (r *Reconciler) warnOnSecondLiveSubscription(ctx context.Context, sub *Subscription) {
	subs, err := r.storage.ListSubscriptionsByUser(ctx, sub.UserID)
	if err != nil {
		return
	}
	for _, other := range subs {
		if other.ProviderSubscriptionID != sub.ProviderSubscriptionID && other.Status != StatusCanceled {
			r.logger.Warn("User already holds a live subscription",
				Field{"user_id", sub.UserID},
				Field{"existing_subscription_id", other.ProviderSubscriptionID},
				Field{"new_subscription_id", sub.ProviderSubscriptionID},
			)
			return
		}
	}
}

func (r *Reconciler) applyUpdated(ctx context.Context, ev *Event) (*Outcome, error) {
	data, err := decodeSubscriptionData(ev)
	if err != nil {
		return nil, err
	}
	if name := data.objectName(); name != "" && name != "subscription" {
		return &Outcome{Action: ActionIgnored}, nil
	}
	if data.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}
	existing, err := r.findOrSkip(ctx, ev, data.ID)
	if existing == nil || err != nil {
		return skippedOutcome(data.ID), err
	}

	patch := &SubscriptionPatch{
		Amount:            data.amount(),
		CancelAtPeriodEnd: data.CancelAtPeriodEnd,
		Metadata:          data.metadata(),
		UpdatedAt:         r.now().UTC(),
	}
	if v := data.priceID(); v != "" {
		patch.PriceID = &v
	}
	if v := data.currency(); v != "" {
		patch.Currency = &v
	}
	if v := data.interval(); v != "" {
		patch.Interval = &v
	}
	patch.CurrentPeriodStart = unixPtr(data.periodStart())
	patch.CurrentPeriodEnd = unixPtr(data.periodEnd())

	if data.Status != "" {
		incoming, err := NormalizeStatus(data.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		next := transition(KindUpdated, existing.Status, incoming)
		patch.Status = &next
		if next == StatusCanceled && existing.Status != StatusCanceled {
			at := r.eventTime(ev)
			patch.CanceledAt = stamp(data.CanceledAt, existing.CanceledAt, at)
			patch.EndedAt = stamp(data.EndedAt, existing.EndedAt, at)
		}
	}
	return r.patch(ctx, existing, patch)
}

func (r *Reconciler) applyLifecycle(ctx context.Context, ev *Event, kind EventKind) (*Outcome, error) {
	data, err := decodeSubscriptionData(ev)
	if err != nil {
		return nil, err
	}
	if data.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}
	existing, err := r.findOrSkip(ctx, ev, data.ID)
	if existing == nil || err != nil {
		return skippedOutcome(data.ID), err
	}

	next := transition(kind, existing.Status, StatusNone)
	if kind != KindCanceled && next == StatusCanceled {
		r.logger.Info("Ignoring transition out of canceled",
			Field{"event_type", ev.Type},
			Field{"subscription_id", data.ID},
		)
		return &Outcome{
			Action:                 ActionIgnored,
			ProviderSubscriptionID: data.ID,
			From:                   existing.Status,
			To:                     existing.Status,
		}, nil
	}

	at := r.eventTime(ev)
	patch := &SubscriptionPatch{Status: &next, UpdatedAt: r.now().UTC()}
	switch kind {
	case KindActivated:
		// Activation restarts the subscription. The event time is fixed per
		// delivery, so the stored stamp is only used when the event has none.
		prior := existing.StartedAt
		if occurred := ev.OccurredAt(); !occurred.IsZero() {
			prior = &occurred
		}
		patch.StartedAt = stamp(data.StartDate, prior, at)
	case KindCanceled:
		patch.CanceledAt = stamp(data.CanceledAt, existing.CanceledAt, at)
		patch.EndedAt = stamp(data.EndedAt, existing.EndedAt, at)
	case KindReactivated:
		off := false
		patch.CancelAtPeriodEnd = &off
		patch.ClearCanceledAt = true
		patch.ClearEndedAt = true
	}
	return r.patch(ctx, existing, patch)
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, ev *Event) (*Outcome, error) {
	data, err := decodeSubscriptionData(ev)
	if err != nil {
		return nil, err
	}
	id := data.invoiceSubscriptionID()
	if id == "" {
		// One-off invoices carry no subscription.
		return &Outcome{Action: ActionIgnored}, nil
	}
	existing, err := r.findOrSkip(ctx, ev, id)
	if existing == nil || err != nil {
		return skippedOutcome(id), err
	}
	next := transition(KindPaymentFailed, existing.Status, StatusNone)
	return r.patch(ctx, existing, &SubscriptionPatch{Status: &next, UpdatedAt: r.now().UTC()})
}

// findOrSkip loads the target subscription. A missing target is logged and
// reported as nil without error; events may arrive before the created event.
func (r *Reconciler) findOrSkip(ctx context.Context, ev *Event, id string) (*Subscription, error) {
	existing, err := r.subs.FindByProviderID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		r.logger.Warn("Webhook event for unknown subscription",
			Field{"event_type", ev.Type},
			Field{"subscription_id", id},
		)
	}
	return existing, nil
}

func skippedOutcome(id string) *Outcome {
	return &Outcome{Action: ActionSkippedMissing, ProviderSubscriptionID: id}
}

func (r *Reconciler) patch(ctx context.Context, existing *Subscription, patch *SubscriptionPatch) (*Outcome, error) {
	id := existing.ProviderSubscriptionID
	updated, err := r.subs.Patch(ctx, id, patch)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return skippedOutcome(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to patch subscription: %w", err)
	}
	action := ActionPatched
	if !existing.Clone().Apply(patch) {
		action = ActionUnchanged
	}
	return &Outcome{
		Action:                 action,
		ProviderSubscriptionID: id,
		From:                   existing.Status,
		To:                     updated.Status,
	}, nil
}

// stamp picks the payload timestamp, then a stamp already stored, then at.
func stamp(payload *int64, existing *time.Time, at time.Time) *time.Time {
	if payload != nil {
		t := unixTime(*payload)
		return &t
	}
	if existing != nil {
		t := *existing
		return &t
	}
	return &at
}

func unixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := unixTime(*v)
	return &t
}

func unixOr(v *int64, fallback time.Time) time.Time {
	if v == nil {
		return fallback
	}
	return unixTime(*v)
}
