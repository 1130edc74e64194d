package subsync_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

var fixedNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T) (*subsync.Reconciler, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	r, err := subsync.NewReconciler(storage, &subsync.ReconcilerConfig{
		Now: func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	return r, storage
}

func handle(t *testing.T, r *subsync.Reconciler, payload string) *subsync.Outcome {
	t.Helper()
	out, err := r.Handle(context.Background(), "test", []byte(payload))
	if err != nil {
		t.Fatalf("Handle(%s) failed: %v", payload, err)
	}
	return out
}

func mustGet(t *testing.T, s *memory.Storage, id string) *subsync.Subscription {
	t.Helper()
	sub, err := s.GetSubscription(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSubscription(%s) failed: %v", id, err)
	}
	return sub
}

const createdEvent = `{
	"type": "subscription.created",
	"data": {
		"id": "sub_1",
		"status": "active",
		"metadata": {"userId": "user_42"},
		"items": {"data": [{"price": {"unit_amount": 900}}]}
	}
}`

func TestReconciler_CreatedThenPaymentFailed(t *testing.T) {
	r, storage := newTestReconciler(t)

	out := handle(t, r, createdEvent)
	if out.Action != subsync.ActionInserted {
		t.Fatalf("Action = %s, want inserted", out.Action)
	}

	sub := mustGet(t, storage, "sub_1")
	if sub.UserID != "user_42" || sub.Status != subsync.StatusActive || sub.Amount != 900 {
		t.Errorf("got userId=%s status=%s amount=%d", sub.UserID, sub.Status, sub.Amount)
	}
	if sub.Currency != "usd" || sub.Interval != "month" {
		t.Errorf("defaults not applied: currency=%s interval=%s", sub.Currency, sub.Interval)
	}
	if !sub.CurrentPeriodStart.Equal(fixedNow) || !sub.CurrentPeriodEnd.Equal(fixedNow) {
		t.Errorf("period bounds should default to now, got %v - %v", sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}

	out = handle(t, r, `{"type":"invoice.payment_failed","data":{"subscription":"sub_1"}}`)
	if out.From != subsync.StatusActive || out.To != subsync.StatusPastDue {
		t.Errorf("transition = %s -> %s, want active -> past_due", out.From, out.To)
	}
	if got := mustGet(t, storage, "sub_1").Status; got != subsync.StatusPastDue {
		t.Errorf("Status = %s, want past_due", got)
	}
}

func TestReconciler_CreatedMapsEveryField(t *testing.T) {
	r, storage := newTestReconciler(t)

	handle(t, r, `{
		"type": "subscription.created",
		"timestamp": 1748772000000,
		"data": {
			"id": "sub_full",
			"object": "subscription",
			"status": "trialing",
			"customer": "cus_9",
			"currency": "EUR",
			"current_period_start": 1748736000,
			"current_period_end": 1751328000,
			"cancel_at_period_end": true,
			"start_date": 1748736000,
			"metadata": {"userId": "user_9", "seats": 3},
			"items": {"data": [{"price": {"id": "price_pro", "unit_amount": 5000, "recurring": {"interval": "year"}}}]}
		}
	}`)

	sub := mustGet(t, storage, "sub_full")
	want := map[string]interface{}{
		"status":   subsync.StatusActive,
		"priceId":  "price_pro",
		"customer": "cus_9",
		"currency": "eur",
		"interval": "year",
		"amount":   int64(5000),
		"seats":    "3",
	}
	got := map[string]interface{}{
		"status":   sub.Status,
		"priceId":  sub.PriceID,
		"customer": sub.CustomerID,
		"currency": sub.Currency,
		"interval": sub.Interval,
		"amount":   sub.Amount,
		"seats":    sub.Metadata["seats"],
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("mapped fields = %v, want %v", got, want)
	}
	if !sub.CurrentPeriodStart.Equal(time.Unix(1748736000, 0)) {
		t.Errorf("CurrentPeriodStart = %v", sub.CurrentPeriodStart)
	}
	if !sub.CurrentPeriodEnd.Equal(time.Unix(1751328000, 0)) {
		t.Errorf("CurrentPeriodEnd = %v", sub.CurrentPeriodEnd)
	}
	if !sub.CancelAtPeriodEnd {
		t.Error("CancelAtPeriodEnd = false, want true")
	}
	if sub.StartedAt == nil || !sub.StartedAt.Equal(time.Unix(1748736000, 0)) {
		t.Errorf("StartedAt = %v", sub.StartedAt)
	}
}

func TestReconciler_StripeEnvelope(t *testing.T) {
	r, storage := newTestReconciler(t)

	handle(t, r, `{
		"id": "evt_1",
		"type": "customer.subscription.created",
		"created": 1748772000,
		"data": {"object": {
			"id": "sub_s1",
			"object": "subscription",
			"status": "active",
			"customer": {"id": "cus_obj"},
			"metadata": {"user_id": "user_s"},
			"items": {"data": [{
				"price": {"id": "price_b", "unit_amount": 2500, "currency": "usd", "recurring": {"interval": "month"}},
				"current_period_start": 1748772000,
				"current_period_end": 1751364000
			}]}
		}}
	}`)

	sub := mustGet(t, storage, "sub_s1")
	if sub.UserID != "user_s" {
		t.Errorf("UserID = %s, want user_s (metadata.user_id)", sub.UserID)
	}
	if sub.CustomerID != "cus_obj" {
		t.Errorf("CustomerID = %s, want cus_obj", sub.CustomerID)
	}
	if !sub.CurrentPeriodEnd.Equal(time.Unix(1751364000, 0)) {
		t.Errorf("item-level period end not used: %v", sub.CurrentPeriodEnd)
	}

	events, _ := storage.ListWebhookEvents(context.Background(), subsync.EventFilter{})
	if len(events) != 1 || events[0].ProviderEventID != "evt_1" {
		t.Errorf("audit log = %+v, want one entry for evt_1", events)
	}

	// customer.subscription.deleted is the Stripe name for cancellation.
	handle(t, r, `{"id":"evt_2","type":"customer.subscription.deleted","created":1748800000,
		"data":{"object":{"id":"sub_s1","object":"subscription","status":"canceled"}}}`)
	sub = mustGet(t, storage, "sub_s1")
	if sub.Status != subsync.StatusCanceled {
		t.Errorf("Status = %s, want canceled", sub.Status)
	}
	if sub.CanceledAt == nil || !sub.CanceledAt.Equal(time.Unix(1748800000, 0)) {
		t.Errorf("CanceledAt should default to the event time, got %v", sub.CanceledAt)
	}
}

func TestReconciler_CancelledTwiceIsIdempotent(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)

	cancel := `{"type":"subscription.cancelled","data":{"id":"sub_1"}}`
	handle(t, r, cancel)
	first := mustGet(t, storage, "sub_1")

	out := handle(t, r, cancel)
	second := mustGet(t, storage, "sub_1")

	if out.Action != subsync.ActionUnchanged {
		t.Errorf("second delivery Action = %s, want unchanged", out.Action)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("state changed on redelivery:\nfirst  %+v\nsecond %+v", first, second)
	}
	if second.Status != subsync.StatusCanceled || second.CanceledAt == nil || second.EndedAt == nil {
		t.Errorf("cancel not stamped: %+v", second)
	}
}

func TestReconciler_ReactivatedAfterCancelled(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)
	handle(t, r, `{"type":"subscription.cancelled","data":{"id":"sub_1","canceled_at":1748700000,"ended_at":1748700000}}`)
	handle(t, r, `{"type":"subscription.reactivated","data":{"id":"sub_1"}}`)

	sub := mustGet(t, storage, "sub_1")
	if sub.Status != subsync.StatusActive {
		t.Errorf("Status = %s, want active", sub.Status)
	}
	if sub.CanceledAt != nil || sub.EndedAt != nil {
		t.Errorf("CanceledAt=%v EndedAt=%v, want both cleared", sub.CanceledAt, sub.EndedAt)
	}
	if sub.CancelAtPeriodEnd {
		t.Error("CancelAtPeriodEnd should be cleared")
	}
}

func TestReconciler_CanceledIsTerminal(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)
	handle(t, r, `{"type":"subscription.cancelled","data":{"id":"sub_1"}}`)

	for _, payload := range []string{
		`{"type":"invoice.payment_failed","data":{"subscription":"sub_1"}}`,
		`{"type":"subscription.activated","data":{"id":"sub_1"}}`,
		`{"type":"subscription.updated","data":{"id":"sub_1","status":"active"}}`,
		`{"type":"subscription.created","data":{"id":"sub_1","status":"active","metadata":{"userId":"user_42"}}}`,
	} {
		handle(t, r, payload)
		if got := mustGet(t, storage, "sub_1").Status; got != subsync.StatusCanceled {
			t.Fatalf("after %s Status = %s, want canceled", payload, got)
		}
	}
}

func TestReconciler_PastDueRecovers(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)
	handle(t, r, `{"type":"invoice.payment_failed","data":{"subscription":"sub_1"}}`)

	out := handle(t, r, `{"type":"subscription.updated","data":{"id":"sub_1","status":"active","items":{"data":[{"price":{"unit_amount":1200}}]}}}`)
	if out.From != subsync.StatusPastDue || out.To != subsync.StatusActive {
		t.Errorf("transition = %s -> %s, want past_due -> active", out.From, out.To)
	}
	sub := mustGet(t, storage, "sub_1")
	if sub.Amount != 1200 {
		t.Errorf("Amount = %d, want 1200", sub.Amount)
	}
	if sub.UserID != "user_42" {
		t.Errorf("UserID = %s, unspecified fields must be kept", sub.UserID)
	}
}

func TestReconciler_UpdatedUnknownSubscription(t *testing.T) {
	r, storage := newTestReconciler(t)

	out := handle(t, r, `{"type":"subscription.updated","data":{"id":"sub_ghost","status":"active"}}`)
	if out.Action != subsync.ActionSkippedMissing {
		t.Errorf("Action = %s, want skipped_missing", out.Action)
	}
	if _, err := storage.GetSubscription(context.Background(), "sub_ghost"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("expected no subscription, got err=%v", err)
	}
}

func TestReconciler_DuplicateCreatedMerges(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)
	before := mustGet(t, storage, "sub_1")

	out := handle(t, r, createdEvent)
	if out.Action != subsync.ActionUnchanged {
		t.Errorf("Action = %s, want unchanged", out.Action)
	}
	if after := mustGet(t, storage, "sub_1"); !reflect.DeepEqual(before, after) {
		t.Errorf("redelivered created changed the record:\n%+v\n%+v", before, after)
	}
}

func TestReconciler_CreatedRedeliveryKeepsPastDue(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)
	handle(t, r, `{"type":"invoice.payment_failed","data":{"subscription":"sub_1"}}`)
	handle(t, r, `{"type":"subscription.updated","data":{"id":"sub_1","items":{"data":[{"price":{"unit_amount":1500}}]}}}`)
	before := mustGet(t, storage, "sub_1")

	out := handle(t, r, createdEvent)
	if out.Action != subsync.ActionUnchanged {
		t.Errorf("Action = %s, want unchanged", out.Action)
	}
	after := mustGet(t, storage, "sub_1")
	if after.Status != subsync.StatusPastDue {
		t.Errorf("Status = %s, want past_due", after.Status)
	}
	if after.Amount != 1500 {
		t.Errorf("Amount = %d, want 1500 from the later update", after.Amount)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("redelivered created changed the record:\n%+v\n%+v", before, after)
	}
}

func TestReconciler_CreatedRedeliveryFillsEmptyFields(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)

	out := handle(t, r, `{"type":"subscription.created","data":{"id":"sub_1","status":"active",
		"customer":"cus_late","metadata":{"userId":"user_42"},"items":{"data":[{"price":{"id":"price_x","unit_amount":100}}]}}}`)
	if out.Action != subsync.ActionPatched {
		t.Errorf("Action = %s, want patched", out.Action)
	}
	sub := mustGet(t, storage, "sub_1")
	if sub.CustomerID != "cus_late" || sub.PriceID != "price_x" {
		t.Errorf("empty fields not filled: customer=%s price=%s", sub.CustomerID, sub.PriceID)
	}
	if sub.Amount != 900 {
		t.Errorf("Amount = %d, stored amount must be kept", sub.Amount)
	}
}

func TestReconciler_ActivatedRefreshesStartedAt(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, `{"type":"subscription.created","data":{"id":"sub_1","status":"active",
		"start_date":1700000000,"metadata":{"userId":"user_42"}}}`)
	handle(t, r, `{"type":"invoice.payment_failed","data":{"subscription":"sub_1"}}`)

	activated := `{"type":"subscription.activated","timestamp":1750000000000,"data":{"id":"sub_1"}}`
	handle(t, r, activated)
	sub := mustGet(t, storage, "sub_1")
	if sub.Status != subsync.StatusActive {
		t.Errorf("Status = %s, want active", sub.Status)
	}
	if sub.StartedAt == nil || !sub.StartedAt.Equal(time.Unix(1750000000, 0)) {
		t.Errorf("StartedAt = %v, want the activation time", sub.StartedAt)
	}

	if out := handle(t, r, activated); out.Action != subsync.ActionUnchanged {
		t.Errorf("replayed activation Action = %s, want unchanged", out.Action)
	}

	handle(t, r, `{"type":"subscription.activated","data":{"id":"sub_1","start_date":1760000000}}`)
	if sub = mustGet(t, storage, "sub_1"); !sub.StartedAt.Equal(time.Unix(1760000000, 0)) {
		t.Errorf("StartedAt = %v, want the payload start_date", sub.StartedAt)
	}
}

func TestReconciler_IgnoredEvents(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)

	for _, payload := range []string{
		`{"type":"invoice.payment_succeeded","data":{"subscription":"sub_1"}}`,
		`{"type":"user.created","data":{"id":"user_1"}}`,
		`{"type":"invoice.payment_failed","data":{"id":"in_1"}}`,
	} {
		out := handle(t, r, payload)
		if out.Action != subsync.ActionIgnored {
			t.Errorf("%s: Action = %s, want ignored", payload, out.Action)
		}
	}
	if got := mustGet(t, storage, "sub_1").Status; got != subsync.StatusActive {
		t.Errorf("Status = %s, want active", got)
	}
}

func TestReconciler_InvoiceParentSubscription(t *testing.T) {
	r, storage := newTestReconciler(t)
	handle(t, r, createdEvent)

	handle(t, r, `{"type":"invoice.payment_failed","data":{"object":{"id":"in_1","object":"invoice",
		"parent":{"subscription_details":{"subscription":"sub_1"}}}}}`)
	if got := mustGet(t, storage, "sub_1").Status; got != subsync.StatusPastDue {
		t.Errorf("Status = %s, want past_due", got)
	}
}

func TestReconciler_AuditsBeforeFailing(t *testing.T) {
	r, storage := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.Handle(ctx, "test", []byte(`not json`))
	if !errors.Is(err, subsync.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}

	_, err = r.Handle(ctx, "test", []byte(`{"type":"subscription.created","data":{"id":"sub_x","status":"active"}}`))
	if !errors.Is(err, subsync.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload for missing owner", err)
	}

	events, err := storage.ListWebhookEvents(ctx, subsync.EventFilter{})
	if err != nil {
		t.Fatalf("ListWebhookEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("audit log has %d entries, want 2", len(events))
	}
	if events[1].Type != subsync.EventTypeUnparseable {
		t.Errorf("Type = %s, want %s", events[1].Type, subsync.EventTypeUnparseable)
	}
	if string(events[1].Payload) != `"not json"` {
		t.Errorf("Payload = %s, want quoted raw body", events[1].Payload)
	}
	if events[0].Type != "subscription.created" {
		t.Errorf("Type = %s, want subscription.created", events[0].Type)
	}
	if _, err := storage.GetSubscription(ctx, "sub_x"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("malformed event created a subscription")
	}
}

func TestReconciler_ApplyReplaysAuditedEvent(t *testing.T) {
	r, storage := newTestReconciler(t)
	ctx := context.Background()
	handle(t, r, createdEvent)

	events, _ := storage.ListWebhookEvents(ctx, subsync.EventFilter{})
	ev, err := subsync.ParseEvent(events[0].Payload)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	out, err := r.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.Action != subsync.ActionUnchanged {
		t.Errorf("Action = %s, want unchanged", out.Action)
	}
	if events, _ = storage.ListWebhookEvents(ctx, subsync.EventFilter{}); len(events) != 1 {
		t.Errorf("Apply must not write to the audit log, got %d entries", len(events))
	}
}
