package rollup

import (
	"context"
	"sync"
	"time"
)

// MemoryDedupe is an in-process DedupeStore with TTL expiry. Production
// deployments use the Redis-backed store in internal/cache so dedupe
// survives restarts; this one backs tests and single-node runs.
type MemoryDedupe struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryDedupe creates a dedupe store whose keys expire after ttl.
func NewMemoryDedupe(ttl time.Duration) *MemoryDedupe {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDedupe{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// CheckAndMark implements DedupeStore.
func (d *MemoryDedupe) CheckAndMark(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.seen[key] = now.Add(d.ttl)

	// Opportunistic sweep keeps the map bounded without a background
	// goroutine.
	if len(d.seen)%4096 == 0 {
		for k, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, k)
			}
		}
	}
	return false, nil
}

// Unmark implements DedupeStore.
func (d *MemoryDedupe) Unmark(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
