package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the service's Prometheus collectors on a private registry.
// It satisfies the aggregator's and the refresh scheduler's metrics
// interfaces.
type Set struct {
	registry *prometheus.Registry

	eventsMerged   *prometheus.CounterVec
	eventsRejected *prometheus.CounterVec
	eventsDeduped  prometheus.Counter
	reconcileDrift prometheus.Counter

	refreshStarted  *prometheus.CounterVec
	refreshFailed   *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	staleFailed     *prometheus.GaugeVec

	budgetState *prometheus.GaugeVec
}

// NewSet creates and registers all collectors.
func NewSet() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		eventsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspulse_events_merged_total",
			Help: "Events successfully folded into rollup buckets.",
		}, []string{"tenant"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspulse_events_rejected_total",
			Help: "Events rejected at the ingest boundary, by reason.",
		}, []string{"reason"}),
		eventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opspulse_events_deduped_total",
			Help: "Duplicate deliveries ignored via dedupe key.",
		}),
		reconcileDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opspulse_reconcile_drift_total",
			Help: "Day buckets corrected by the granularity reconciler.",
		}),
		refreshStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspulse_snapshot_refresh_started_total",
			Help: "Snapshot refresh attempts.",
		}, []string{"snapshot"}),
		refreshFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspulse_snapshot_refresh_failed_total",
			Help: "Snapshot refresh failures.",
		}, []string{"snapshot"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opspulse_snapshot_refresh_seconds",
			Help:    "Snapshot refresh wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"snapshot"}),
		staleFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opspulse_snapshot_stale_failed",
			Help: "1 while a snapshot's refresh retries are exhausted.",
		}, []string{"snapshot"}),
		budgetState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opspulse_budget_state",
			Help: "Budget threshold state: 0 normal, 1 warning, 2 critical, 3 exceeded.",
		}, []string{"scope", "window"}),
	}

	s.registry.MustRegister(
		s.eventsMerged, s.eventsRejected, s.eventsDeduped, s.reconcileDrift,
		s.refreshStarted, s.refreshFailed, s.refreshDuration, s.staleFailed,
		s.budgetState,
	)
	return s
}

// Handler serves the registry for the /metrics endpoint.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (s *Set) Registry() *prometheus.Registry { return s.registry }

// EventMerged implements rollup.Metrics.
func (s *Set) EventMerged(tenantID string) {
	s.eventsMerged.WithLabelValues(tenantID).Inc()
}

// EventRejected implements rollup.Metrics.
func (s *Set) EventRejected(reason string) {
	s.eventsRejected.WithLabelValues(reason).Inc()
}

// EventDeduped implements rollup.Metrics.
func (s *Set) EventDeduped() {
	s.eventsDeduped.Inc()
}

// ReconcileDrift implements rollup.Metrics.
func (s *Set) ReconcileDrift() {
	s.reconcileDrift.Inc()
}

// RefreshStarted implements snapshot.Metrics.
func (s *Set) RefreshStarted(id string) {
	s.refreshStarted.WithLabelValues(id).Inc()
}

// RefreshSucceeded implements snapshot.Metrics.
func (s *Set) RefreshSucceeded(id string, d time.Duration) {
	s.refreshDuration.WithLabelValues(id).Observe(d.Seconds())
	s.staleFailed.WithLabelValues(id).Set(0)
}

// RefreshFailed implements snapshot.Metrics.
func (s *Set) RefreshFailed(id string) {
	s.refreshFailed.WithLabelValues(id).Inc()
}

// SnapshotStaleFailed implements snapshot.Metrics.
func (s *Set) SnapshotStaleFailed(id string) {
	s.staleFailed.WithLabelValues(id).Set(1)
}

// BudgetState records a scope's threshold state.
func (s *Set) BudgetState(scope, window string, state int) {
	s.budgetState.WithLabelValues(scope, window).Set(float64(state))
}
