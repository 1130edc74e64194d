package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Metrics implements subsync.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal        *prometheus.CounterVec
	reconcileTotal          *prometheus.CounterVec
	reconcileDuration       *prometheus.HistogramVec
	entitlementChecksTotal  *prometheus.CounterVec
	entitlementDuration     prometheus.Histogram
	identityResolutionTotal *prometheus.CounterVec
	storageOpsDuration      *prometheus.HistogramVec
	storageOpsErrors        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Total number of subscription status transitions.",
		}, []string{"event_kind", "from", "to"}),

		reconcileTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_events_total",
			Help:      "Total number of webhook events applied, by outcome.",
		}, []string{"event_kind", "action"}),

		reconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Latency of applying one webhook event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_kind"}),

		entitlementChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_checks_total",
			Help:      "Total number of entitlement checks, by result.",
		}, []string{"result"}),

		entitlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entitlement_check_duration_seconds",
			Help:      "Latency of entitlement checks.",
			Buckets:   prometheus.DefBuckets,
		}),

		identityResolutionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolutions_total",
			Help:      "Total number of subject resolutions, by outcome.",
		}, []string{"outcome"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordTransition(eventKind string, from, to subsync.Status) {
	m.transitionsTotal.WithLabelValues(eventKind, statusLabel(from), statusLabel(to)).Inc()
}

func (m *Metrics) RecordReconcile(eventKind, action string, duration time.Duration) {
	m.reconcileTotal.WithLabelValues(eventKind, action).Inc()
	m.reconcileDuration.WithLabelValues(eventKind).Observe(duration.Seconds())
}

func (m *Metrics) RecordEntitlementCheck(result string, duration time.Duration) {
	m.entitlementChecksTotal.WithLabelValues(result).Inc()
	m.entitlementDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordIdentityResolution(outcome string) {
	m.identityResolutionTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func statusLabel(s subsync.Status) string {
	if s == subsync.StatusNone {
		return "none"
	}
	return string(s)
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
