package ranking

import (
	"github.com/opspulse/opspulse/internal/snapshot"
)

// FromSnapshot adapts the rows of a tenant summary snapshot into ranking
// candidates. Entities are the snapshot's dimensions; metric components:
//
//	events      event volume over the snapshot window
//	reliability 1 - error fraction (errors measure over event count)
//	speed       negated p95 latency, so faster normalizes higher
func FromSnapshot(snap *snapshot.Snapshot) []Candidate {
	if snap == nil {
		return nil
	}
	out := make([]Candidate, 0, len(snap.Rows))
	for _, row := range snap.Rows {
		c := Candidate{
			EntityID: row.Dimension,
			Events:   row.Events,
			Metrics: map[string]float64{
				"events":      float64(row.Events),
				"reliability": 1,
			},
		}
		if errs, ok := row.Measures["errors"]; ok && row.Events > 0 {
			c.Metrics["reliability"] = 1 - errs.Sum/float64(row.Events)
		}
		if p95, ok := row.Percentiles["p95"]; ok {
			c.Metrics["speed"] = -p95
		}
		out = append(out, c)
	}
	return out
}
