package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/opspulse/opspulse/internal/rollup"
	"github.com/opspulse/opspulse/internal/stats"
)

// Builder computes a brand-new snapshot value from current rollups. A
// builder must never mutate previously installed versions.
type Builder interface {
	Build(ctx context.Context, key Key, now time.Time) (*Snapshot, error)
}

// LatencyMeasure is the measure name percentile rows are computed from.
const LatencyMeasure = "duration_ms"

// SummaryBuilder materializes the per-dimension activity summary a tenant
// dashboard reads: event volume, measure statistics, latency percentiles
// and a volume trend against the preceding window.
type SummaryBuilder struct {
	rollups rollup.Store
	engine  *stats.Engine

	// Window is how far back the view reads; Source is the granularity it
	// folds. Percentile samples are the per-bucket latency means at the
	// source granularity.
	Window time.Duration
	Source rollup.Granularity
}

// NewSummaryBuilder builds summaries over the trailing window at the given
// source granularity.
func NewSummaryBuilder(store rollup.Store, window time.Duration, source rollup.Granularity) *SummaryBuilder {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if !source.Valid() {
		source = rollup.Hour
	}
	return &SummaryBuilder{
		rollups: store,
		engine:  stats.NewEngine(),
		Window:  window,
		Source:  source,
	}
}

// Build implements Builder.
func (b *SummaryBuilder) Build(ctx context.Context, key Key, now time.Time) (*Snapshot, error) {
	now = now.UTC()
	from := now.Add(-b.Window)

	// The watermark is read before the buckets so a merge landing mid-build
	// is attributed to the next refresh, never silently skipped.
	version, err := b.rollups.MaxVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read rollup version: %w", err)
	}

	buckets, err := b.rollups.Range(ctx, key.TenantID, "", b.Source, from, now)
	if err != nil {
		return nil, fmt.Errorf("read rollups for %s: %w", key, err)
	}
	prior, err := b.rollups.Range(ctx, key.TenantID, "", b.Source, from.Add(-b.Window), from)
	if err != nil {
		return nil, fmt.Errorf("read prior rollups for %s: %w", key, err)
	}

	priorEvents := make(map[string]int64)
	for _, bk := range prior {
		priorEvents[bk.Key.Dimension] += bk.Events
	}

	type acc struct {
		agg     *rollup.Bucket
		samples []float64
	}
	byDim := make(map[string]*acc)
	var order []string
	for _, bk := range buckets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, ok := byDim[bk.Key.Dimension]
		if !ok {
			a = &acc{agg: rollup.NewBucket(bk.Key)}
			byDim[bk.Key.Dimension] = a
			order = append(order, bk.Key.Dimension)
		}
		a.agg.Merge(bk)
		if m, ok := bk.Measures[LatencyMeasure]; ok && m.Count > 0 {
			a.samples = append(a.samples, m.Mean())
		}
	}

	rows := make([]Row, 0, len(order))
	for _, dim := range order {
		a := byDim[dim]
		row := Row{
			Dimension: dim,
			Events:    a.agg.Events,
			Measures:  make(map[string]MeasureStats, len(a.agg.Measures)),
		}
		for name, m := range a.agg.Measures {
			row.Measures[name] = MeasureStats{
				Count: m.Count,
				Sum:   m.Sum,
				Min:   m.Min,
				Max:   m.Max,
				Mean:  m.Mean(),
			}
		}
		if len(a.samples) > 0 {
			ps, _ := b.engine.PercentileSet(a.samples, []float64{0.50, 0.90, 0.95, 0.99})
			row.Percentiles = map[string]float64{
				"p50": ps[0],
				"p90": ps[1],
				"p95": ps[2],
				"p99": ps[3],
			}
		}
		if prev := priorEvents[dim]; prev > 0 {
			row.Trend = float64(a.agg.Events-prev) / float64(prev)
		}
		rows = append(rows, row)
	}

	return &Snapshot{
		Key:           key,
		Rows:          rows,
		ComputedAt:    now,
		SourceVersion: version,
	}, nil
}
