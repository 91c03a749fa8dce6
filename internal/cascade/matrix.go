package cascade

import (
	"context"
	"sort"
	"time"
)

// PairStat is one cell of the correlation matrix: how often error kind B
// followed error kind A in the same tenant within the pairing window, the
// average gap, and P(B follows | A occurred).
type PairStat struct {
	KindA       string        `json:"kind_a"`
	KindB       string        `json:"kind_b"`
	CoCount     int           `json:"co_count"`
	AvgDelta    time.Duration `json:"avg_delta"`
	Conditional float64       `json:"conditional"`
}

// BuildMatrix computes the offline correlation matrix over the lookback
// window, ranking likely causal pairs by conditional probability then
// co-occurrence. pairWindow bounds how far after an A-event a B-event
// still counts as following it.
func (d *Detector) BuildMatrix(ctx context.Context, lookback, pairWindow time.Duration) ([]PairStat, error) {
	now := d.now().UTC()
	events, err := d.source.Window(ctx, now.Add(-lookback), now)
	if err != nil {
		return nil, err
	}

	byTenant := make(map[string][]ErrorEvent)
	kindCounts := make(map[string]int)
	for _, ev := range events {
		byTenant[ev.TenantID] = append(byTenant[ev.TenantID], ev)
		kindCounts[ev.Kind]++
	}

	type cell struct {
		count int
		delta time.Duration
	}
	cells := make(map[[2]string]*cell)

	for _, evs := range byTenant {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Source windows are time-ascending, so the inner scan can stop
		// at the first event outside the pairing window.
		for i, a := range evs {
			for j := i + 1; j < len(evs); j++ {
				b := evs[j]
				gap := b.Timestamp.Sub(a.Timestamp)
				if gap > pairWindow {
					break
				}
				if a.Kind == b.Kind {
					continue
				}
				key := [2]string{a.Kind, b.Kind}
				c, ok := cells[key]
				if !ok {
					c = &cell{}
					cells[key] = c
				}
				c.count++
				c.delta += gap
			}
		}
	}

	out := make([]PairStat, 0, len(cells))
	for key, c := range cells {
		stat := PairStat{
			KindA:    key[0],
			KindB:    key[1],
			CoCount:  c.count,
			AvgDelta: c.delta / time.Duration(c.count),
		}
		if n := kindCounts[key[0]]; n > 0 {
			stat.Conditional = float64(c.count) / float64(n)
		}
		out = append(out, stat)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Conditional != out[j].Conditional {
			return out[i].Conditional > out[j].Conditional
		}
		if out[i].CoCount != out[j].CoCount {
			return out[i].CoCount > out[j].CoCount
		}
		if out[i].KindA != out[j].KindA {
			return out[i].KindA < out[j].KindA
		}
		return out[i].KindB < out[j].KindB
	})
	return out, nil
}
