package subsync

import "time"

// Metrics defines the interface for tracking reconciliation and entitlement checks.
type Metrics interface {
	// RecordTransition records a status change applied by the reconciler.
	RecordTransition(eventKind string, from, to Status)

	// RecordReconcile records how an event was handled ("inserted", "patched", ...).
	RecordReconcile(eventKind, action string, duration time.Duration)

	// RecordEntitlementCheck records an entitlement decision ("granted", "denied", "error").
	RecordEntitlementCheck(result string, duration time.Duration)

	// RecordIdentityResolution records how a subject was resolved ("found", "created", "legacy", "miss").
	RecordIdentityResolution(outcome string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(eventKind string, from, to Status)                         {}
func (n *NoopMetrics) RecordReconcile(eventKind, action string, duration time.Duration)           {}
func (n *NoopMetrics) RecordEntitlementCheck(result string, duration time.Duration)               {}
func (n *NoopMetrics) RecordIdentityResolution(outcome string)                                    {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
