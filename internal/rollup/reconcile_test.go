package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDriftedDay(t *testing.T, store *MemoryStore) Key {
	t.Helper()
	ctx := context.Background()
	dayStart := Day.Truncate(testNow)

	// Two hour buckets.
	for i, events := range []int64{3, 2} {
		hourKey := Key{TenantID: "acme", Dimension: "checkout", Granularity: Hour,
			BucketStart: dayStart.Add(time.Duration(i) * time.Hour)}
		_, err := store.Update(ctx, hourKey, func(b *Bucket) {
			for j := int64(0); j < events; j++ {
				b.Fold(map[string]float64{"duration_ms": 100})
			}
		})
		require.NoError(t, err)
	}

	// Day bucket missing one event, as after a crash between granularity
	// updates.
	dayKey := Key{TenantID: "acme", Dimension: "checkout", Granularity: Day, BucketStart: dayStart}
	_, err := store.Update(ctx, dayKey, func(b *Bucket) {
		for j := 0; j < 4; j++ {
			b.Fold(map[string]float64{"duration_ms": 100})
		}
	})
	require.NoError(t, err)
	return dayKey
}

func TestReconcilerCorrectsDrift(t *testing.T) {
	store := NewMemoryStore()
	dayKey := seedDriftedDay(t, store)

	r := NewReconciler(store, time.Minute, 48*time.Hour, nil)
	r.now = func() time.Time { return testNow }
	require.NoError(t, r.Pass(context.Background()))

	day, err := store.Get(context.Background(), dayKey)
	require.NoError(t, err)
	assert.Equal(t, int64(5), day.Events, "day rebuilt from hour children")
	assert.Equal(t, 500.0, day.Measures["duration_ms"].Sum)
	assert.True(t, day.Dirty, "corrected bucket must trigger snapshot refresh")
}

func TestReconcilerLeavesConsistentDataAlone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	dayStart := Day.Truncate(testNow)

	hourKey := Key{TenantID: "acme", Dimension: "checkout", Granularity: Hour, BucketStart: dayStart}
	dayKey := Key{TenantID: "acme", Dimension: "checkout", Granularity: Day, BucketStart: dayStart}
	for _, k := range []Key{hourKey, dayKey} {
		_, err := store.Update(ctx, k, func(b *Bucket) {
			b.Fold(map[string]float64{"duration_ms": 100})
		})
		require.NoError(t, err)
	}
	before, err := store.Get(ctx, dayKey)
	require.NoError(t, err)

	r := NewReconciler(store, time.Minute, 48*time.Hour, nil)
	r.now = func() time.Time { return testNow }
	require.NoError(t, r.Pass(ctx))

	after, err := store.Get(ctx, dayKey)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version, "clean day must not be rewritten")
}

func TestMemoryDedupeTTL(t *testing.T) {
	d := NewMemoryDedupe(time.Minute)
	current := testNow
	d.now = func() time.Time { return current }
	ctx := context.Background()

	seen, err := d.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, seen)

	current = current.Add(2 * time.Minute)
	seen, err = d.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, seen, "expired key is forgotten")
}
