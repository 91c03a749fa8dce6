package rollup

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opspulse/opspulse/internal/event"
)

// DedupeStore remembers event dedupe keys for the retention window so
// at-least-once delivery never double-counts.
type DedupeStore interface {
	// CheckAndMark records the key and reports whether it was already
	// present.
	CheckAndMark(ctx context.Context, key string) (bool, error)

	// Unmark releases a key recorded by CheckAndMark. The aggregator calls
	// it when the merge behind the mark failed, so the producer's retry is
	// merged instead of dropped as a duplicate.
	Unmark(ctx context.Context, key string) error
}

// DirtyNotifier is told when a closed bucket was adjusted by a late event,
// so dependent snapshots can be refreshed ahead of their cadence.
type DirtyNotifier interface {
	RollupDirty(tenantID, dimension string, g Granularity)
}

// Metrics receives aggregator counters. A nil Metrics is allowed.
type Metrics interface {
	EventMerged(tenantID string)
	EventRejected(reason string)
	EventDeduped()
	ReconcileDrift()
}

// Config tunes the aggregator.
type Config struct {
	Granularities []Granularity `yaml:"granularities"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	Retention     time.Duration `yaml:"retention"`
	Workers       int           `yaml:"workers"`
	QueueDepth    int           `yaml:"queue_depth"`
	MergeRetries  int           `yaml:"merge_retries"`
}

func (c *Config) withDefaults() {
	if len(c.Granularities) == 0 {
		c.Granularities = []Granularity{Minute, Hour, Day}
	}
	// Finest first: lateness checks and the merge loop both rely on the
	// ordering, and configuration may list granularities in any order.
	sort.Slice(c.Granularities, func(i, j int) bool {
		return c.Granularities[i].Duration() < c.Granularities[j].Duration()
	})
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.MergeRetries <= 0 {
		c.MergeRetries = 3
	}
}

// Aggregator folds raw events into time-bucketed rollups. Events are
// routed to a worker by (tenant, dimension) hash so a given bucket is only
// ever merged by one goroutine, keeping the hot path lock-free above the
// store.
type Aggregator struct {
	cfg      Config
	store    Store
	dedupe   DedupeStore
	notify   DirtyNotifier
	metrics  Metrics
	onMerged []func(event.Event)
	now      func() time.Time

	queues  []chan event.Event
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock injects a clock, used by tests to pin bucket boundaries.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithDirtyNotifier wires the snapshot scheduler's dirty channel.
func WithDirtyNotifier(n DirtyNotifier) Option {
	return func(a *Aggregator) { a.notify = n }
}

// WithMetrics wires aggregator counters.
func WithMetrics(m Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithMergedHandler registers a handler invoked synchronously after each
// successful merge. Downstream updates (cascade recording, budget
// accumulation) hang off this hook as explicit pipeline steps rather than
// implicit storage side effects.
func WithMergedHandler(fn func(event.Event)) Option {
	return func(a *Aggregator) { a.onMerged = append(a.onMerged, fn) }
}

// NewAggregator builds an aggregator over the given store and dedupe store.
func NewAggregator(store Store, dedupe DedupeStore, cfg Config, opts ...Option) *Aggregator {
	cfg.withDefaults()
	a := &Aggregator{
		cfg:    cfg,
		store:  store,
		dedupe: dedupe,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.queues = make([]chan event.Event, cfg.Workers)
	for i := range a.queues {
		a.queues[i] = make(chan event.Event, cfg.QueueDepth)
	}
	return a
}

// Start launches the worker pool. Workers drain their queues until ctx is
// cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true

	for i, q := range a.queues {
		a.wg.Add(1)
		go func(worker int, queue <-chan event.Event) {
			defer a.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-queue:
					if err := a.MergeSync(ctx, ev); err != nil {
						var rej *event.RejectError
						if !errors.As(err, &rej) {
							log.Error().Err(err).Int("worker", worker).Str("event_id", ev.ID).Msg("merge failed")
						}
					}
				}
			}
		}(i, q)
	}
	log.Info().Int("workers", a.cfg.Workers).Int("queue_depth", a.cfg.QueueDepth).Msg("rollup aggregator started")
}

// Wait blocks until all workers have exited.
func (a *Aggregator) Wait() { a.wg.Wait() }

// Submit validates and enqueues an event. A full partition queue is
// admission control: the event is rejected with a retriable backpressure
// error rather than buffered unboundedly.
func (a *Aggregator) Submit(ctx context.Context, ev event.Event) error {
	if err := ev.Validate(); err != nil {
		a.reject(err)
		return err
	}
	if err := a.checkAge(ev); err != nil {
		a.reject(err)
		return err
	}

	q := a.queues[a.partition(ev)]
	select {
	case q <- ev:
		return nil
	default:
		err := &event.RejectError{Reason: event.ReasonBackpressure, EventID: ev.ID, Detail: "aggregation queue full"}
		a.reject(err)
		return err
	}
}

// MergeSync merges one event synchronously. It is the worker body, and is
// also used directly by replay and tests where queueing is noise.
func (a *Aggregator) MergeSync(ctx context.Context, ev event.Event) error {
	if err := ev.Validate(); err != nil {
		a.reject(err)
		return err
	}
	if err := a.checkAge(ev); err != nil {
		a.reject(err)
		return err
	}

	seen, err := a.dedupe.CheckAndMark(ctx, ev.DedupeKey)
	if err != nil {
		return fmt.Errorf("dedupe check for event %s: %w", ev.ID, err)
	}
	if seen {
		if a.metrics != nil {
			a.metrics.EventDeduped()
		}
		log.Debug().Str("event_id", ev.ID).Str("dedupe_key", ev.DedupeKey).Msg("duplicate event ignored")
		return nil
	}

	now := a.now().UTC()
	for _, g := range a.cfg.Granularities {
		key := Key{
			TenantID:    ev.TenantID,
			Dimension:   ev.Dimension,
			Granularity: g,
			BucketStart: g.Truncate(ev.Timestamp),
		}
		closed := now.After(key.End())
		if err := a.mergeWithRetry(ctx, key, ev, closed); err != nil {
			// Release the dedupe key so the producer's retry is merged
			// rather than acked as a duplicate of a merge that never
			// happened.
			if unmarkErr := a.dedupe.Unmark(ctx, ev.DedupeKey); unmarkErr != nil {
				log.Error().Err(unmarkErr).Str("event_id", ev.ID).Str("dedupe_key", ev.DedupeKey).
					Msg("could not release dedupe key after failed merge")
			}
			return err
		}
		if closed && a.notify != nil {
			a.notify.RollupDirty(ev.TenantID, ev.Dimension, g)
		}
	}

	if a.metrics != nil {
		a.metrics.EventMerged(ev.TenantID)
	}
	for _, fn := range a.onMerged {
		fn(ev)
	}
	return nil
}

// mergeWithRetry applies the merge, re-reading and retrying on conflicts a
// bounded number of times.
func (a *Aggregator) mergeWithRetry(ctx context.Context, key Key, ev event.Event, markDirty bool) error {
	var lastErr error
	for attempt := 0; attempt < a.cfg.MergeRetries; attempt++ {
		_, err := a.store.Update(ctx, key, func(b *Bucket) {
			b.Fold(ev.Measures)
			if markDirty {
				b.Dirty = true
			}
		})
		if err == nil {
			return nil
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return fmt.Errorf("update bucket %s: %w", key, err)
		}
		lastErr = err
		log.Warn().Str("bucket", key.String()).Int("attempt", attempt+1).Msg("merge conflict, retrying")
	}
	return fmt.Errorf("merge retries exhausted for bucket %s: %w", key, lastErr)
}

// checkAge enforces the grace period and the retention window. Lateness is
// judged against the finest granularity: once a minute bucket has been
// closed for longer than the grace period, the event can no longer be
// folded in consistently at every granularity.
func (a *Aggregator) checkAge(ev event.Event) error {
	now := a.now().UTC()
	if now.Sub(ev.Timestamp) > a.cfg.Retention {
		return &event.RejectError{
			Reason:  event.ReasonOverRetention,
			EventID: ev.ID,
			Detail:  fmt.Sprintf("event timestamp %s beyond retention %s", ev.Timestamp.Format(time.RFC3339), a.cfg.Retention),
		}
	}
	finest := a.cfg.Granularities[0]
	bucketEnd := finest.Truncate(ev.Timestamp).Add(finest.Duration())
	if now.Sub(bucketEnd) > a.cfg.GracePeriod {
		return &event.RejectError{
			Reason:  event.ReasonLate,
			EventID: ev.ID,
			Detail:  fmt.Sprintf("bucket closed %s ago, grace is %s", now.Sub(bucketEnd).Round(time.Second), a.cfg.GracePeriod),
		}
	}
	return nil
}

func (a *Aggregator) partition(ev event.Event) int {
	h := fnv.New32a()
	h.Write([]byte(ev.TenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(ev.Dimension))
	return int(h.Sum32() % uint32(len(a.queues)))
}

func (a *Aggregator) reject(err error) {
	var rej *event.RejectError
	if errors.As(err, &rej) {
		if a.metrics != nil {
			a.metrics.EventRejected(string(rej.Reason))
		}
		log.Debug().Str("reason", string(rej.Reason)).Str("event_id", rej.EventID).Msg("event rejected")
	}
}
