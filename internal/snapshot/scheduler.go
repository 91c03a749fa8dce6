package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opspulse/opspulse/internal/rollup"
)

// Tier is the refresh cadence class a snapshot definition declares.
type Tier string

const (
	TierRealtime Tier = "realtime"
	TierHourly   Tier = "hourly"
	TierDaily    Tier = "daily"
)

// DefaultStaleness returns the staleness bound implied by the tier when a
// definition does not set one explicitly.
func (t Tier) DefaultStaleness() time.Duration {
	switch t {
	case TierRealtime:
		return time.Minute
	case TierHourly:
		return time.Hour
	case TierDaily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Definition declares one snapshot shape: what builds it and how stale it
// may get before a refresh is mandatory.
type Definition struct {
	ID        string
	Tier      Tier
	Staleness time.Duration
	Builder   Builder
}

// RefreshError wraps a failed refresh with its attempt count.
type RefreshError struct {
	Key      Key
	Attempts int
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh of %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Status is the observable refresh state for one snapshot key.
type Status struct {
	LastSuccess  time.Time `json:"last_success"`
	LastAttempt  time.Time `json:"last_attempt"`
	LastError    string    `json:"last_error,omitempty"`
	InFlight     bool      `json:"in_flight"`
	Attempts     int       `json:"attempts"`
	StaleFailed  bool      `json:"stale_failed"`
	NextEligible time.Time `json:"next_eligible"`
}

// Metrics receives scheduler counters. A nil Metrics is allowed.
type Metrics interface {
	RefreshStarted(id string)
	RefreshSucceeded(id string, d time.Duration)
	RefreshFailed(id string)
	SnapshotStaleFailed(id string)
}

// SchedulerConfig tunes refresh behavior.
type SchedulerConfig struct {
	Tick          time.Duration `yaml:"tick"`
	LeaseTimeout  time.Duration `yaml:"lease_timeout"`
	RefreshBudget time.Duration `yaml:"refresh_budget"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

func (c *SchedulerConfig) withDefaults() {
	if c.Tick <= 0 {
		c.Tick = 15 * time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.RefreshBudget <= 0 {
		c.RefreshBudget = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Scheduler decides when each snapshot is stale and drives rebuilds. At
// most one refresh is in flight per key, enforced by an in-process lease
// that times out if a refresh is abandoned mid-build.
type Scheduler struct {
	cfg     SchedulerConfig
	defs    []Definition
	snaps   *Store
	rollups rollup.Store
	metrics Metrics
	now     func() time.Time

	mu     sync.Mutex
	leases map[string]time.Time
	status map[string]*Status
	dirty  map[Key]struct{}
}

// NewScheduler wires the scheduler over the snapshot store and the rollup
// store the builders read from.
func NewScheduler(snaps *Store, rollups rollup.Store, defs []Definition, cfg SchedulerConfig, metrics Metrics) *Scheduler {
	cfg.withDefaults()
	for i := range defs {
		if defs[i].Staleness <= 0 {
			defs[i].Staleness = defs[i].Tier.DefaultStaleness()
		}
	}
	return &Scheduler{
		cfg:     cfg,
		defs:    defs,
		snaps:   snaps,
		rollups: rollups,
		metrics: metrics,
		now:     time.Now,
		leases:  make(map[string]time.Time),
		status:  make(map[string]*Status),
		dirty:   make(map[Key]struct{}),
	}
}

// RollupDirty implements rollup.DirtyNotifier: a late adjustment to any
// bucket of a tenant makes every snapshot of that tenant eligible for an
// early refresh.
func (s *Scheduler) RollupDirty(tenantID, dimension string, g rollup.Granularity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.defs {
		s.dirty[Key{ID: def.ID, TenantID: tenantID}] = struct{}{}
	}
}

// Run loops until ctx is cancelled, triggering refreshes per cadence and
// dirty signals. Refreshes for distinct keys run concurrently.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	log.Info().Int("definitions", len(s.defs)).Dur("tick", s.cfg.Tick).Msg("snapshot scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tenants, err := s.rollups.Tenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler could not enumerate tenants")
		return
	}
	now := s.now().UTC()

	for _, def := range s.defs {
		for _, tenant := range tenants {
			key := Key{ID: def.ID, TenantID: tenant}
			if !s.needsRefresh(key, def, now) {
				continue
			}
			go func(key Key, def Definition) {
				if _, err := s.Refresh(ctx, key, def); err != nil {
					log.Warn().Err(err).Str("snapshot", key.String()).Msg("scheduled refresh failed")
				}
			}(key, def)
		}
	}
}

func (s *Scheduler) needsRefresh(key Key, def Definition, now time.Time) bool {
	s.mu.Lock()
	_, isDirty := s.dirty[key]
	st := s.status[key.String()]
	s.mu.Unlock()

	if st != nil {
		if st.InFlight {
			return false
		}
		if now.Before(st.NextEligible) {
			return false
		}
		// Retry budget exhausted: hold at stale-failed until a dirty
		// signal or a manual trigger resets it.
		if st.StaleFailed && !isDirty {
			return false
		}
	}
	if isDirty {
		return true
	}
	cur, ok := s.snaps.Get(key)
	if !ok {
		return true
	}
	return now.Sub(cur.ComputedAt) > def.Staleness
}

// TriggerRefresh forces a refresh for a snapshot key, resetting any
// exhausted retry budget. Used by the refresh control API.
func (s *Scheduler) TriggerRefresh(ctx context.Context, key Key) (*Snapshot, error) {
	def, ok := s.definition(key.ID)
	if !ok {
		return nil, fmt.Errorf("unknown snapshot definition %q", key.ID)
	}
	s.mu.Lock()
	if st, ok := s.status[key.String()]; ok {
		st.Attempts = 0
		st.StaleFailed = false
		st.NextEligible = time.Time{}
	}
	s.mu.Unlock()
	return s.Refresh(ctx, key, def)
}

// Refresh builds and installs one snapshot under the key's lease. The old
// version keeps serving reads throughout, and on any failure remains the
// current version.
func (s *Scheduler) Refresh(ctx context.Context, key Key, def Definition) (*Snapshot, error) {
	if !s.acquire(key) {
		return nil, fmt.Errorf("refresh already in flight for %s", key)
	}
	defer s.release(key)

	start := s.now()
	s.setInFlight(key, true)
	defer s.setInFlight(key, false)
	if s.metrics != nil {
		s.metrics.RefreshStarted(key.ID)
	}

	buildCtx, cancel := context.WithTimeout(ctx, s.cfg.RefreshBudget)
	defer cancel()

	snap, err := def.Builder.Build(buildCtx, key, start)
	if err == nil {
		err = s.snaps.Install(snap)
	}
	if err != nil {
		return nil, s.recordFailure(key, err)
	}

	s.recordSuccess(ctx, key, start)
	if s.metrics != nil {
		s.metrics.RefreshSucceeded(key.ID, s.now().Sub(start))
	}
	log.Debug().
		Str("snapshot", key.String()).
		Int("rows", len(snap.Rows)).
		Int64("source_version", snap.SourceVersion).
		Dur("took", s.now().Sub(start)).
		Msg("snapshot refreshed")
	return snap, nil
}

// GetStatus returns the refresh status for a key.
func (s *Scheduler) GetStatus(key Key) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[key.String()]; ok {
		return *st
	}
	return Status{}
}

// Definitions returns the configured snapshot definitions.
func (s *Scheduler) Definitions() []Definition {
	return append([]Definition(nil), s.defs...)
}

func (s *Scheduler) definition(id string) (Definition, bool) {
	for _, d := range s.defs {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

func (s *Scheduler) acquire(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := key.String()
	if acquired, ok := s.leases[id]; ok && s.now().Sub(acquired) < s.cfg.LeaseTimeout {
		return false
	}
	s.leases[id] = s.now()
	return true
}

func (s *Scheduler) release(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key.String())
}

func (s *Scheduler) setInFlight(key Key, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureStatus(key)
	st.InFlight = v
	if v {
		st.LastAttempt = s.now().UTC()
	}
}

func (s *Scheduler) ensureStatus(key Key) *Status {
	id := key.String()
	st, ok := s.status[id]
	if !ok {
		st = &Status{}
		s.status[id] = st
	}
	return st
}

func (s *Scheduler) recordSuccess(ctx context.Context, key Key, at time.Time) {
	s.mu.Lock()
	st := s.ensureStatus(key)
	st.LastSuccess = at.UTC()
	st.LastError = ""
	st.Attempts = 0
	st.StaleFailed = false
	st.NextEligible = time.Time{}
	delete(s.dirty, key)
	s.mu.Unlock()

	// Fold-in acknowledged: clear dirty flags on this tenant's buckets.
	dirtyKeys, err := s.rollups.DirtyKeys(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not list dirty rollup keys")
		return
	}
	var mine []rollup.Key
	for _, k := range dirtyKeys {
		if k.TenantID == key.TenantID {
			mine = append(mine, k)
		}
	}
	if len(mine) > 0 {
		if err := s.rollups.MarkClean(ctx, mine); err != nil {
			log.Warn().Err(err).Msg("could not mark rollup buckets clean")
		}
	}
}

func (s *Scheduler) recordFailure(key Key, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureStatus(key)
	st.Attempts++
	st.LastError = cause.Error()

	backoff := s.cfg.BackoffBase << (st.Attempts - 1)
	if backoff > s.cfg.BackoffMax || backoff <= 0 {
		backoff = s.cfg.BackoffMax
	}
	st.NextEligible = s.now().UTC().Add(backoff)

	if st.Attempts >= s.cfg.MaxAttempts {
		st.StaleFailed = true
		if s.metrics != nil {
			s.metrics.SnapshotStaleFailed(key.ID)
		}
		log.Error().
			Str("snapshot", key.String()).
			Int("attempts", st.Attempts).
			Msg("refresh retries exhausted, snapshot marked stale-failed")
	}
	if s.metrics != nil {
		s.metrics.RefreshFailed(key.ID)
	}
	return &RefreshError{Key: key, Attempts: st.Attempts, Err: cause}
}
