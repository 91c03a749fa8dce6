package alert

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Severity grades an alert for the external notification system.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the record emitted on threshold and cascade state transitions.
// Delivery and formatting are the external system's responsibility.
type Alert struct {
	Scope          string    `json:"scope"`
	Kind           string    `json:"kind"`
	Severity       Severity  `json:"severity"`
	MetricValue    float64   `json:"metric_value"`
	ThresholdValue float64   `json:"threshold_value"`
	Timestamp      time.Time `json:"timestamp"`
}

// Sink delivers alerts to the external notification system.
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log. It is the dev/test sink and
// the dead-letter fallback when the breaker is open.
type LogSink struct{}

// Deliver implements Sink.
func (LogSink) Deliver(_ context.Context, a Alert) error {
	log.Warn().
		Str("scope", a.Scope).
		Str("kind", a.Kind).
		Str("severity", string(a.Severity)).
		Float64("metric", a.MetricValue).
		Float64("threshold", a.ThresholdValue).
		Time("at", a.Timestamp).
		Msg("alert")
	return nil
}

// Dispatcher wraps the external sink with a circuit breaker. A flapping or
// down notification system must never block threshold bookkeeping, so
// breaker-open alerts fall through to the dead-letter log instead of
// queueing.
type Dispatcher struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
	dead    LogSink
}

// NewDispatcher builds a dispatcher around sink.
func NewDispatcher(sink Sink) *Dispatcher {
	settings := gobreaker.Settings{
		Name:    "alert-sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("alert sink breaker state change")
		},
	}
	return &Dispatcher{
		sink:    sink,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Emit delivers one alert through the breaker. Failures are logged and the
// alert is written to the dead-letter log; emission never returns an error
// to the state machines that triggered it.
func (d *Dispatcher) Emit(ctx context.Context, a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.sink.Deliver(ctx, a)
	})
	if err != nil {
		log.Error().Err(err).Str("scope", a.Scope).Str("kind", a.Kind).Msg("alert delivery failed, dead-lettering")
		_ = d.dead.Deliver(ctx, a)
	}
}
