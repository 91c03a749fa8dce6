package snapshot

import (
	"fmt"
	"sync"
	"time"
)

// Key identifies one derived view: a snapshot definition applied to one
// tenant scope.
type Key struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
}

// String renders the key for leases, statuses and log fields.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.ID, k.TenantID)
}

// MeasureStats is the read-optimized shape of one measure inside a row.
type MeasureStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Row is one materialized line of a snapshot, typically one dimension.
type Row struct {
	Dimension string `json:"dimension"`
	Events    int64  `json:"events"`

	Measures map[string]MeasureStats `json:"measures"`

	// Percentiles holds nearest-rank percentile values for the primary
	// latency measure, keyed "p50"/"p90"/"p95"/"p99".
	Percentiles map[string]float64 `json:"percentiles,omitempty"`

	// Trend compares the current window with the preceding one of equal
	// width: fractional change in event volume, 0 when no prior data.
	Trend float64 `json:"trend"`
}

// Snapshot is an immutable derived view. A refresh builds a brand-new
// value and installs it with an atomic swap; nothing ever mutates an
// installed snapshot, so in-flight readers keep a consistent version and
// the garbage collector retires old versions once the last reader drops
// its reference.
type Snapshot struct {
	Key           Key       `json:"key"`
	Rows          []Row     `json:"rows"`
	ComputedAt    time.Time `json:"computed_at"`
	SourceVersion int64     `json:"source_version"`
}

// Store holds the current version of every snapshot behind a single
// pointer per key. Reads never block on refreshes.
type Store struct {
	mu      sync.RWMutex
	current map[string]*Snapshot

	// onInstall hooks fire after a successful swap; the websocket feed
	// uses this to push refresh notifications.
	onInstall []func(*Snapshot)
}

// NewStore returns an empty snapshot store.
func NewStore() *Store {
	return &Store{current: make(map[string]*Snapshot)}
}

// OnInstall registers a hook invoked after each successful install. Hooks
// must not block; they run on the refresh goroutine.
func (s *Store) OnInstall(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInstall = append(s.onInstall, fn)
}

// Get returns the current snapshot for key, if any.
func (s *Store) Get(key Key) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.current[key.String()]
	return snap, ok
}

// Keys lists keys with an installed snapshot.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.current))
	for _, snap := range s.current {
		out = append(out, snap.Key)
	}
	return out
}

// Install swaps in a new snapshot version. The source-version watermark is
// monotone: an install carrying an older watermark than the current
// version is refused, which keeps concurrent refreshes from regressing
// the view.
func (s *Store) Install(snap *Snapshot) error {
	s.mu.Lock()
	id := snap.Key.String()
	if cur, ok := s.current[id]; ok && snap.SourceVersion < cur.SourceVersion {
		s.mu.Unlock()
		return fmt.Errorf("stale install for %s: source version %d < current %d",
			id, snap.SourceVersion, cur.SourceVersion)
	}
	s.current[id] = snap
	hooks := s.onInstall
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(snap)
	}
	return nil
}
