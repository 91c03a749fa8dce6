package rollup

import (
	"fmt"
	"time"
)

// Granularity is the time-bucket width events aggregate at. Granularities
// are maintained independently at merge time; the reconciler verifies the
// parent/child sum invariant in the background.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Truncate floors t to the bucket boundary in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	return g == Minute || g == Hour || g == Day
}

// Key identifies one rollup bucket.
type Key struct {
	TenantID    string      `json:"tenant_id"`
	Dimension   string      `json:"dimension"`
	Granularity Granularity `json:"granularity"`
	BucketStart time.Time   `json:"bucket_start"`
}

// String renders the key in the form used for leases and log fields.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.Dimension, k.Granularity, k.BucketStart.UTC().Format(time.RFC3339))
}

// End returns the exclusive end of the bucket window.
func (k Key) End() time.Time {
	return k.BucketStart.Add(k.Granularity.Duration())
}

// Measure accumulates one named numeric series inside a bucket. Averages
// are stored as sum+count, never as a running mean, so merges stay
// associative.
type Measure struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Observe folds a single sample into the measure.
func (m *Measure) Observe(v float64) {
	if m.Count == 0 || v < m.Min {
		m.Min = v
	}
	if m.Count == 0 || v > m.Max {
		m.Max = v
	}
	m.Count++
	m.Sum += v
}

// Add merges another measure into this one. Add is commutative and
// associative, which is what makes cross-bucket rollups safe.
func (m *Measure) Add(o Measure) {
	if o.Count == 0 {
		return
	}
	if m.Count == 0 || o.Min < m.Min {
		m.Min = o.Min
	}
	if m.Count == 0 || o.Max > m.Max {
		m.Max = o.Max
	}
	m.Count += o.Count
	m.Sum += o.Sum
}

// Mean derives the count-weighted average at read time.
func (m Measure) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// Bucket is one rollup row: accumulated measures for a key. Buckets are
// updated only through the aggregator's merge path; once the bucket window
// plus the grace period has passed they are immutable.
type Bucket struct {
	Key      Key                 `json:"key"`
	Events   int64               `json:"events"`
	Measures map[string]*Measure `json:"measures"`

	// Version is assigned by the store on every mutation and feeds the
	// snapshot source-version watermark.
	Version   int64     `json:"version"`
	Dirty     bool      `json:"dirty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBucket returns an empty bucket for the key.
func NewBucket(key Key) *Bucket {
	return &Bucket{
		Key:      key,
		Measures: make(map[string]*Measure),
	}
}

// Fold merges one event's measures into the bucket.
func (b *Bucket) Fold(measures map[string]float64) {
	b.Events++
	for name, v := range measures {
		m, ok := b.Measures[name]
		if !ok {
			m = &Measure{}
			b.Measures[name] = m
		}
		m.Observe(v)
	}
}

// Merge folds another bucket into this one (used by reconciliation when
// rebuilding a parent from its children).
func (b *Bucket) Merge(o *Bucket) {
	b.Events += o.Events
	for name, om := range o.Measures {
		m, ok := b.Measures[name]
		if !ok {
			m = &Measure{}
			b.Measures[name] = m
		}
		m.Add(*om)
	}
}

// Clone returns a deep copy so readers never alias store-owned state.
func (b *Bucket) Clone() *Bucket {
	cp := &Bucket{
		Key:       b.Key,
		Events:    b.Events,
		Measures:  make(map[string]*Measure, len(b.Measures)),
		Version:   b.Version,
		Dirty:     b.Dirty,
		UpdatedAt: b.UpdatedAt,
	}
	for name, m := range b.Measures {
		mc := *m
		cp.Measures[name] = &mc
	}
	return cp
}
