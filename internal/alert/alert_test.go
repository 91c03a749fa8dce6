package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []Alert
	err       error
}

func (s *recordingSink) Deliver(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func TestDispatcherDelivers(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink)

	d.Emit(context.Background(), Alert{
		Scope:    "acme",
		Kind:     "budget_daily_warning",
		Severity: SeverityWarning,
	})

	require.Equal(t, 1, sink.count())
	assert.False(t, sink.delivered[0].Timestamp.IsZero(), "zero timestamps are stamped on emit")
}

func TestDispatcherPreservesTimestamp(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink)

	at := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	d.Emit(context.Background(), Alert{Scope: "acme", Kind: "x", Timestamp: at})

	require.Equal(t, 1, sink.count())
	assert.Equal(t, at, sink.delivered[0].Timestamp)
}

func TestDispatcherNeverBlocksOnFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("notifier down")}
	d := NewDispatcher(sink)
	ctx := context.Background()

	// The breaker trips after five consecutive failures; every Emit before
	// and after the trip must return without error or panic.
	for i := 0; i < 10; i++ {
		d.Emit(ctx, Alert{Scope: "acme", Kind: "budget_daily_exceeded", Severity: SeverityCritical})
	}
	assert.Equal(t, 0, sink.count())
}

func TestDispatcherRecoversAfterBreakerOpens(t *testing.T) {
	sink := &recordingSink{err: errors.New("notifier down")}
	d := NewDispatcher(sink)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		d.Emit(ctx, Alert{Scope: "acme", Kind: "x"})
	}

	// While open, the sink is no longer invoked at all: delivery falls
	// through to the dead-letter log.
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	d.Emit(ctx, Alert{Scope: "acme", Kind: "y"})
	assert.Equal(t, 0, sink.count())
}
