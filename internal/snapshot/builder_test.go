package snapshot

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

var builderNow = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

func seedHour(t *testing.T, store rollup.Store, dim string, start time.Time, latencies ...float64) {
	t.Helper()
	key := rollup.Key{TenantID: "acme", Dimension: dim, Granularity: rollup.Hour, BucketStart: rollup.Hour.Truncate(start)}
	_, err := store.Update(context.Background(), key, func(b *rollup.Bucket) {
		for _, l := range latencies {
			b.Fold(map[string]float64{"duration_ms": l})
		}
	})
	require.NoError(t, err)
}

func TestSummaryBuilderRows(t *testing.T) {
	store := rollup.NewMemoryStore()
	seedHour(t, store, "checkout", builderNow.Add(-2*time.Hour), 100, 200)
	seedHour(t, store, "checkout", builderNow.Add(-1*time.Hour), 300)
	seedHour(t, store, "search", builderNow.Add(-1*time.Hour), 50)

	b := NewSummaryBuilder(store, 24*time.Hour, rollup.Hour)
	snap, err := b.Build(context.Background(), Key{ID: "tenant-summary", TenantID: "acme"}, builderNow)
	require.NoError(t, err)

	require.Len(t, snap.Rows, 2)
	byDim := map[string]Row{}
	for _, r := range snap.Rows {
		byDim[r.Dimension] = r
	}

	checkout := byDim["checkout"]
	assert.Equal(t, int64(3), checkout.Events)
	assert.Equal(t, 600.0, checkout.Measures["duration_ms"].Sum)
	assert.Equal(t, 100.0, checkout.Measures["duration_ms"].Min)
	assert.Equal(t, 300.0, checkout.Measures["duration_ms"].Max)
	assert.Equal(t, 200.0, checkout.Measures["duration_ms"].Mean)

	// Percentile samples are the per-bucket latency means: 150 and 300.
	require.NotNil(t, checkout.Percentiles)
	assert.Equal(t, 150.0, checkout.Percentiles["p50"])
	assert.Equal(t, 300.0, checkout.Percentiles["p95"])

	assert.Equal(t, int64(1), byDim["search"].Events)
}

func TestSummaryBuilderTrend(t *testing.T) {
	store := rollup.NewMemoryStore()
	// Prior window (24-48h back): 2 events. Current window: 3 events.
	seedHour(t, store, "checkout", builderNow.Add(-30*time.Hour), 10, 10)
	seedHour(t, store, "checkout", builderNow.Add(-2*time.Hour), 10, 10, 10)

	b := NewSummaryBuilder(store, 24*time.Hour, rollup.Hour)
	snap, err := b.Build(context.Background(), Key{ID: "tenant-summary", TenantID: "acme"}, builderNow)
	require.NoError(t, err)

	require.Len(t, snap.Rows, 1)
	assert.InDelta(t, 0.5, snap.Rows[0].Trend, 1e-9)
}

func TestSummaryBuilderWatermark(t *testing.T) {
	store := rollup.NewMemoryStore()
	seedHour(t, store, "checkout", builderNow.Add(-time.Hour), 10)

	version, err := store.MaxVersion(context.Background())
	require.NoError(t, err)

	b := NewSummaryBuilder(store, 24*time.Hour, rollup.Hour)
	snap, err := b.Build(context.Background(), Key{ID: "tenant-summary", TenantID: "acme"}, builderNow)
	require.NoError(t, err)
	assert.Equal(t, version, snap.SourceVersion)
}

func TestSummaryBuilderEmptyTenant(t *testing.T) {
	b := NewSummaryBuilder(rollup.NewMemoryStore(), 24*time.Hour, rollup.Hour)
	snap, err := b.Build(context.Background(), Key{ID: "tenant-summary", TenantID: "ghost"}, builderNow)
	require.NoError(t, err)
	assert.Empty(t, snap.Rows)
}

// Drives one hour of traffic through the full ingest path and checks the
// rollups and the derived summary against hand-computed references.
func TestHourOfTrafficThroughPipeline(t *testing.T) {
	store := rollup.NewMemoryStore()
	agg := rollup.NewAggregator(store, rollup.NewMemoryDedupe(time.Hour), rollup.Config{
		Workers:     4,
		GracePeriod: 3 * time.Hour,
	}, rollup.WithClock(func() time.Time { return builderNow }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx)

	// 100 events between 13:00 and 13:50: minute i carries two calls with
	// durations (i+1)*10 ∓ 5, so the per-minute mean is exactly (i+1)*10.
	base := builderNow.Add(-2 * time.Hour)
	var wantSum float64
	for i := 0; i < 50; i++ {
		center := float64(i+1) * 10
		for j, d := range []float64{center - 5, center + 5} {
			ev := event.Event{
				ID:        fmt.Sprintf("flow-%d-%d", i, j),
				DedupeKey: fmt.Sprintf("flow-%d-%d", i, j),
				TenantID:  "acme",
				Kind:      event.KindAPICall,
				Dimension: "checkout",
				Timestamp: base.Add(time.Duration(i)*time.Minute + time.Duration(10+20*j)*time.Second),
				Measures:  map[string]float64{"duration_ms": d},
			}
			require.NoError(t, agg.Submit(ctx, ev))
			wantSum += d
		}
	}

	dayKey := rollup.Key{TenantID: "acme", Dimension: "checkout", Granularity: rollup.Day, BucketStart: rollup.Day.Truncate(base)}
	require.Eventually(t, func() bool {
		day, err := store.Get(ctx, dayKey)
		return err == nil && day.Events == 100
	}, 5*time.Second, 10*time.Millisecond)

	day, err := store.Get(ctx, dayKey)
	require.NoError(t, err)
	assert.Equal(t, 25500.0, wantSum)
	assert.Equal(t, wantSum, day.Measures["duration_ms"].Sum)

	hour, err := store.Get(ctx, rollup.Key{
		TenantID: "acme", Dimension: "checkout",
		Granularity: rollup.Hour, BucketStart: rollup.Hour.Truncate(base),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), hour.Events)

	b := NewSummaryBuilder(store, 24*time.Hour, rollup.Minute)
	snap, err := b.Build(ctx, Key{ID: "tenant-summary", TenantID: "acme"}, builderNow)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 1)

	row := snap.Rows[0]
	assert.Equal(t, int64(100), row.Events)
	assert.Equal(t, wantSum, row.Measures["duration_ms"].Sum)

	// Nearest-rank over the 50 per-minute means 10,20,...,500:
	// p50 → rank ceil(0.50*50)=25 → 250; p95 → rank ceil(0.95*50)=48 → 480.
	require.NotNil(t, row.Percentiles)
	assert.Equal(t, 250.0, row.Percentiles["p50"])
	assert.Equal(t, 480.0, row.Percentiles["p95"])
}
