package rollup

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// Reconciler periodically verifies the granularity invariant: a day
// bucket's measures must equal the sum of its hour buckets. Because
// granularities are merged independently, a crash between per-granularity
// updates can leave drift; the reconciler corrects the parent from its
// children.
type Reconciler struct {
	store    Store
	metrics  Metrics
	interval time.Duration
	lookback time.Duration
	now      func() time.Time
}

// NewReconciler builds a reconciler over the store. interval is how often
// the pass runs; lookback bounds how far back it re-checks.
func NewReconciler(store Store, interval, lookback time.Duration, metrics Metrics) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if lookback <= 0 {
		lookback = 48 * time.Hour
	}
	return &Reconciler{
		store:    store,
		metrics:  metrics,
		interval: interval,
		lookback: lookback,
		now:      time.Now,
	}
}

// Run loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Pass(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// Pass runs one reconciliation sweep. It takes a read-only pass over
// committed hour buckets and only writes when drift is found.
func (r *Reconciler) Pass(ctx context.Context) error {
	now := r.now().UTC()
	from := Day.Truncate(now.Add(-r.lookback))
	to := Day.Truncate(now).Add(Day.Duration())

	tenants, err := r.store.Tenants(ctx)
	if err != nil {
		return err
	}

	var corrected int
	for _, tenant := range tenants {
		days, err := r.store.Range(ctx, tenant, "", Day, from, to)
		if err != nil {
			return err
		}
		for _, day := range days {
			fixed, err := r.reconcileDay(ctx, day)
			if err != nil {
				return err
			}
			if fixed {
				corrected++
			}
		}
	}

	if corrected > 0 {
		log.Warn().Int("corrected", corrected).Msg("reconciliation corrected drifted day buckets")
	} else {
		log.Debug().Msg("reconciliation pass clean")
	}
	return nil
}

// reconcileDay rebuilds one day bucket from its hour children when their
// sums disagree beyond floating-point tolerance.
func (r *Reconciler) reconcileDay(ctx context.Context, day *Bucket) (bool, error) {
	hours, err := r.store.Range(ctx, day.Key.TenantID, day.Key.Dimension, Hour, day.Key.BucketStart, day.Key.End())
	if err != nil {
		return false, err
	}

	expected := NewBucket(day.Key)
	for _, h := range hours {
		expected.Merge(h)
	}

	if bucketsAgree(day, expected) {
		return false, nil
	}

	if r.metrics != nil {
		r.metrics.ReconcileDrift()
	}
	log.Warn().
		Str("bucket", day.Key.String()).
		Int64("day_events", day.Events).
		Int64("hour_sum_events", expected.Events).
		Msg("granularity drift detected, correcting day bucket from hours")

	_, err = r.store.Update(ctx, day.Key, func(b *Bucket) {
		b.Events = expected.Events
		b.Measures = make(map[string]*Measure, len(expected.Measures))
		for name, m := range expected.Measures {
			mc := *m
			b.Measures[name] = &mc
		}
		b.Dirty = true
	})
	return true, err
}

const driftTolerance = 1e-9

func bucketsAgree(a, b *Bucket) bool {
	if a.Events != b.Events || len(a.Measures) != len(b.Measures) {
		return false
	}
	for name, am := range a.Measures {
		bm, ok := b.Measures[name]
		if !ok {
			return false
		}
		if am.Count != bm.Count {
			return false
		}
		if !closeEnough(am.Sum, bm.Sum) || !closeEnough(am.Min, bm.Min) || !closeEnough(am.Max, bm.Max) {
			return false
		}
	}
	return true
}

func closeEnough(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= driftTolerance {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= driftTolerance*scale
}
