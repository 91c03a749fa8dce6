package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspulse/opspulse/internal/event"
	"github.com/opspulse/opspulse/internal/rollup"
)

func newTestPipeline(cfg Config) *Pipeline {
	agg := rollup.NewAggregator(rollup.NewMemoryStore(), rollup.NewMemoryDedupe(time.Hour), rollup.Config{})
	return NewPipeline(agg, cfg)
}

func validEvent(id string) event.Event {
	return event.Event{
		ID:        id,
		DedupeKey: id,
		TenantID:  "acme",
		Kind:      event.KindAPICall,
		Dimension: "checkout",
		Timestamp: time.Now().UTC(),
	}
}

func TestPipelineAdmitsWithinRate(t *testing.T) {
	p := newTestPipeline(Config{RatePerSecond: 1000, Burst: 10})
	assert.NoError(t, p.Submit(context.Background(), validEvent("e1")))
}

func TestPipelineRejectsOverRate(t *testing.T) {
	p := newTestPipeline(Config{RatePerSecond: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, p.Submit(ctx, validEvent("e1")))

	err := p.Submit(ctx, validEvent("e2"))
	var rej *event.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, event.ReasonBackpressure, rej.Reason)
	assert.True(t, rej.Retriable())
}

func TestPipelineUnlimitedWhenDisabled(t *testing.T) {
	p := newTestPipeline(Config{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(ctx, validEvent(fmt.Sprintf("e%d", i))))
	}
}

func TestPipelinePropagatesValidation(t *testing.T) {
	p := newTestPipeline(Config{})
	ev := validEvent("bad")
	ev.Dimension = ""

	err := p.Submit(context.Background(), ev)
	var rej *event.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, event.ReasonMalformed, rej.Reason)
}
