package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspulse/opspulse/internal/event"
)

var testNow = time.Date(2026, 3, 14, 15, 9, 30, 0, time.UTC)

func newTestAggregator(t *testing.T, cfg Config, opts ...Option) (*Aggregator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewAggregator(store, NewMemoryDedupe(time.Hour), cfg, opts...), store
}

func makeEvent(id string, ts time.Time) event.Event {
	return event.Event{
		ID:        id,
		DedupeKey: id,
		TenantID:  "acme",
		Kind:      event.KindAPICall,
		Dimension: "checkout",
		Timestamp: ts,
		Measures:  map[string]float64{"duration_ms": 100},
	}
}

func TestMergeSyncWritesAllGranularities(t *testing.T) {
	agg, store := newTestAggregator(t, Config{})
	ctx := context.Background()

	ev := makeEvent("e1", testNow.Add(-30*time.Second))
	require.NoError(t, agg.MergeSync(ctx, ev))

	for _, g := range []Granularity{Minute, Hour, Day} {
		b, err := store.Get(ctx, Key{
			TenantID: "acme", Dimension: "checkout",
			Granularity: g, BucketStart: g.Truncate(ev.Timestamp),
		})
		require.NoError(t, err, "granularity %s", g)
		assert.Equal(t, int64(1), b.Events)
		assert.Equal(t, 100.0, b.Measures["duration_ms"].Sum)
	}
}

func TestMergeSyncIdempotentViaDedupe(t *testing.T) {
	agg, store := newTestAggregator(t, Config{})
	ctx := context.Background()

	ev := makeEvent("e1", testNow.Add(-30*time.Second))
	require.NoError(t, agg.MergeSync(ctx, ev))
	require.NoError(t, agg.MergeSync(ctx, ev))
	require.NoError(t, agg.MergeSync(ctx, ev))

	b, err := store.Get(ctx, Key{
		TenantID: "acme", Dimension: "checkout",
		Granularity: Minute, BucketStart: Minute.Truncate(ev.Timestamp),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Events, "redelivery must not double count")
}

func TestMergeOrderIndependent(t *testing.T) {
	ctx := context.Background()
	evs := make([]event.Event, 10)
	for i := range evs {
		evs[i] = makeEvent(fmt.Sprintf("e%d", i), testNow.Add(-time.Duration(i)*time.Second))
		evs[i].Measures["duration_ms"] = float64(10 * (i + 1))
	}

	aggA, storeA := newTestAggregator(t, Config{})
	for _, ev := range evs {
		require.NoError(t, aggA.MergeSync(ctx, ev))
	}

	aggB, storeB := newTestAggregator(t, Config{})
	for i := len(evs) - 1; i >= 0; i-- {
		require.NoError(t, aggB.MergeSync(ctx, evs[i]))
	}

	key := Key{TenantID: "acme", Dimension: "checkout", Granularity: Hour, BucketStart: Hour.Truncate(testNow)}
	a, err := storeA.Get(ctx, key)
	require.NoError(t, err)
	b, err := storeB.Get(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, a.Events, b.Events)
	assert.Equal(t, a.Measures["duration_ms"].Sum, b.Measures["duration_ms"].Sum)
	assert.Equal(t, a.Measures["duration_ms"].Min, b.Measures["duration_ms"].Min)
	assert.Equal(t, a.Measures["duration_ms"].Max, b.Measures["duration_ms"].Max)
}

func TestRejectLateEvent(t *testing.T) {
	agg, _ := newTestAggregator(t, Config{GracePeriod: 5 * time.Minute})

	// Minute bucket closed more than the grace period ago.
	ev := makeEvent("late", testNow.Add(-10*time.Minute))
	err := agg.MergeSync(context.Background(), ev)

	var rej *event.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, event.ReasonLate, rej.Reason)
	assert.False(t, rej.Retriable())
}

func TestAcceptWithinGrace(t *testing.T) {
	agg, store := newTestAggregator(t, Config{GracePeriod: 5 * time.Minute})
	ctx := context.Background()

	// Bucket closed, but still inside grace.
	ev := makeEvent("graced", testNow.Add(-3*time.Minute))
	require.NoError(t, agg.MergeSync(ctx, ev))

	b, err := store.Get(ctx, Key{
		TenantID: "acme", Dimension: "checkout",
		Granularity: Minute, BucketStart: Minute.Truncate(ev.Timestamp),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Events)
	assert.True(t, b.Dirty, "closed-bucket adjustment must be flagged dirty")
}

func TestRejectOverRetention(t *testing.T) {
	agg, _ := newTestAggregator(t, Config{Retention: 24 * time.Hour})

	ev := makeEvent("ancient", testNow.Add(-48*time.Hour))
	err := agg.MergeSync(context.Background(), ev)

	var rej *event.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, event.ReasonOverRetention, rej.Reason)
}

func TestRejectMalformed(t *testing.T) {
	agg, _ := newTestAggregator(t, Config{})

	ev := makeEvent("bad", testNow)
	ev.TenantID = ""
	err := agg.MergeSync(context.Background(), ev)

	var rej *event.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, event.ReasonMalformed, rej.Reason)
}

func TestSubmitBackpressure(t *testing.T) {
	// One worker, queue depth 1, never started: the second submit must be
	// rejected as retriable backpressure instead of blocking.
	agg, _ := newTestAggregator(t, Config{Workers: 1, QueueDepth: 1})
	ctx := context.Background()

	require.NoError(t, agg.Submit(ctx, makeEvent("q1", testNow)))

	err := agg.Submit(ctx, makeEvent("q2", testNow))
	var rej *event.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, event.ReasonBackpressure, rej.Reason)
	assert.True(t, rej.Retriable())
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) RollupDirty(tenantID, dimension string, g Granularity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%s/%s/%s", tenantID, dimension, g))
}

func TestDirtyNotificationOnClosedBucket(t *testing.T) {
	notifier := &recordingNotifier{}
	agg, _ := newTestAggregator(t, Config{GracePeriod: 5 * time.Minute}, WithDirtyNotifier(notifier))

	// In-grace event: minute and hour buckets for 15:06 are closed at 15:09.
	ev := makeEvent("graced", testNow.Add(-3*time.Minute))
	require.NoError(t, agg.MergeSync(context.Background(), ev))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Contains(t, notifier.calls, "acme/checkout/minute")
	assert.NotContains(t, notifier.calls, "acme/checkout/day", "open day bucket is not a late adjustment")
}

func TestMergedHandlersRunAfterMerge(t *testing.T) {
	var got []string
	agg, _ := newTestAggregator(t, Config{},
		WithMergedHandler(func(ev event.Event) { got = append(got, ev.ID) }))
	ctx := context.Background()

	require.NoError(t, agg.MergeSync(ctx, makeEvent("h1", testNow)))
	require.NoError(t, agg.MergeSync(ctx, makeEvent("h1", testNow))) // duplicate
	require.NoError(t, agg.MergeSync(ctx, makeEvent("h2", testNow)))

	assert.Equal(t, []string{"h1", "h2"}, got, "handlers fire once per unique merge")
}

func TestWorkerPoolDrainsSubmissions(t *testing.T) {
	agg, store := newTestAggregator(t, Config{Workers: 4, QueueDepth: 256})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx)

	for i := 0; i < 100; i++ {
		ev := makeEvent(fmt.Sprintf("w%d", i), testNow.Add(-time.Duration(i)*100*time.Millisecond))
		ev.Dimension = fmt.Sprintf("dim-%d", i%5)
		require.NoError(t, agg.Submit(ctx, ev))
	}

	require.Eventually(t, func() bool {
		buckets, err := store.Range(ctx, "acme", "", Hour, testNow.Add(-2*time.Hour), testNow.Add(time.Hour))
		if err != nil {
			return false
		}
		var total int64
		for _, b := range buckets {
			total += b.Events
		}
		return total == 100
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDayEqualsSumOfHours(t *testing.T) {
	agg, store := newTestAggregator(t, Config{GracePeriod: 48 * time.Hour})
	ctx := context.Background()

	// Spread events across three hours of the same day.
	for i := 0; i < 30; i++ {
		ev := makeEvent(fmt.Sprintf("d%d", i), testNow.Add(-time.Duration(i%3)*time.Hour))
		ev.Measures["duration_ms"] = float64(i)
		require.NoError(t, agg.MergeSync(ctx, ev))
	}

	dayKey := Key{TenantID: "acme", Dimension: "checkout", Granularity: Day, BucketStart: Day.Truncate(testNow)}
	day, err := store.Get(ctx, dayKey)
	require.NoError(t, err)

	hours, err := store.Range(ctx, "acme", "checkout", Hour, dayKey.BucketStart, dayKey.End())
	require.NoError(t, err)

	sum := NewBucket(dayKey)
	for _, h := range hours {
		sum.Merge(h)
	}
	assert.Equal(t, day.Events, sum.Events)
	assert.Equal(t, day.Measures["duration_ms"].Sum, sum.Measures["duration_ms"].Sum)
}

func TestDedupeErrorSurfaces(t *testing.T) {
	store := NewMemoryStore()
	agg := NewAggregator(store, failingDedupe{}, Config{}, WithClock(func() time.Time { return testNow }))

	err := agg.MergeSync(context.Background(), makeEvent("e1", testNow))
	require.Error(t, err)
	var rej *event.RejectError
	assert.False(t, errors.As(err, &rej), "infrastructure failure is not a rejection")
}

type failingDedupe struct{}

func (failingDedupe) CheckAndMark(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingDedupe) Unmark(context.Context, string) error {
	return errors.New("redis down")
}

// flakyStore fails the first failures calls to Update, then delegates.
type flakyStore struct {
	Store
	failures int
	calls    int
}

func (s *flakyStore) Update(ctx context.Context, key Key, fn func(*Bucket)) (*Bucket, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("store unavailable")
	}
	return s.Store.Update(ctx, key, fn)
}

func TestRetryAfterFailedMergeIsNotDeduped(t *testing.T) {
	store := &flakyStore{Store: NewMemoryStore(), failures: 1}
	agg := NewAggregator(store, NewMemoryDedupe(time.Hour), Config{MergeRetries: 1},
		WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	ev := makeEvent("e1", testNow.Add(-30*time.Second))
	require.Error(t, agg.MergeSync(ctx, ev), "first delivery hits the store outage")

	// The redelivery must merge, not be swallowed as a duplicate of the
	// failed attempt.
	require.NoError(t, agg.MergeSync(ctx, ev))
	b, err := store.Get(ctx, Key{
		TenantID: "acme", Dimension: "checkout",
		Granularity: Minute, BucketStart: Minute.Truncate(ev.Timestamp),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Events)

	// And a further redelivery is still a duplicate.
	require.NoError(t, agg.MergeSync(ctx, ev))
	b, err = store.Get(ctx, Key{
		TenantID: "acme", Dimension: "checkout",
		Granularity: Minute, BucketStart: Minute.Truncate(ev.Timestamp),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Events)
}

func TestGranularityOrderDoesNotWeakenLatenessCheck(t *testing.T) {
	agg, _ := newTestAggregator(t, Config{
		Granularities: []Granularity{Day, Minute},
		GracePeriod:   5 * time.Minute,
	})

	// Well inside the day bucket, but the minute bucket closed past grace.
	ev := makeEvent("late", testNow.Add(-10*time.Minute))
	err := agg.MergeSync(context.Background(), ev)

	var rej *event.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, event.ReasonLate, rej.Reason)
}
