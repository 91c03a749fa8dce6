package ingest

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/opspulse/opspulse/internal/event"
	"github.com/opspulse/opspulse/internal/rollup"
)

// Config tunes the ingestion front door.
type Config struct {
	// RatePerSecond and Burst bound global admission. Zero disables the
	// limiter.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Pipeline is the Submit surface the event producers call. It applies
// admission control ahead of the aggregator so an overloaded service
// rejects with a retriable error instead of buffering unboundedly.
type Pipeline struct {
	agg     *rollup.Aggregator
	limiter *rate.Limiter
}

// NewPipeline wires the front door over the aggregator.
func NewPipeline(agg *rollup.Aggregator, cfg Config) *Pipeline {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Pipeline{agg: agg, limiter: limiter}
}

// Submit acknowledges the event (nil) or rejects it with an
// *event.RejectError carrying the reason. Rejections with reason
// "backpressure" are retriable; the rest are not.
func (p *Pipeline) Submit(ctx context.Context, ev event.Event) error {
	if p.limiter != nil && !p.limiter.Allow() {
		return &event.RejectError{
			Reason:  event.ReasonBackpressure,
			EventID: ev.ID,
			Detail:  "ingest rate limit",
		}
	}
	return p.agg.Submit(ctx, ev)
}
