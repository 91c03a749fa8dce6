package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no bucket exists for a key.
var ErrNotFound = errors.New("rollup bucket not found")

// ConflictError reports a concurrent merge producing divergent bucket
// state. The aggregator resolves it by re-reading and retrying a bounded
// number of times.
type ConflictError struct {
	Key Key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on bucket %s", e.Key)
}

// Store is the rollup bucket repository. Update applies a mutation
// atomically under the key and bumps the store version; readers receive
// clones and never observe in-progress mutations.
type Store interface {
	// Update applies fn to the bucket for key, creating it when absent.
	// The returned bucket is a clone of the post-update state.
	Update(ctx context.Context, key Key, fn func(*Bucket)) (*Bucket, error)

	// Get returns a clone of the bucket for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Bucket, error)

	// Range returns clones of buckets for a tenant and granularity whose
	// bucket start lies in [from, to). An empty dimension matches all
	// dimensions. Results are ordered by (dimension, bucket start).
	Range(ctx context.Context, tenantID, dimension string, g Granularity, from, to time.Time) ([]*Bucket, error)

	// Tenants lists tenant IDs that own at least one bucket.
	Tenants(ctx context.Context) ([]string, error)

	// MaxVersion returns the highest version assigned so far; snapshots
	// record it as their source-version watermark.
	MaxVersion(ctx context.Context) (int64, error)

	// MarkClean clears the dirty flag after dependent snapshots have
	// folded the bucket in.
	MarkClean(ctx context.Context, keys []Key) error

	// DirtyKeys lists buckets adjusted by late events since the last
	// MarkClean, so the refresh scheduler can fold them ahead of cadence.
	DirtyKeys(ctx context.Context) ([]Key, error)
}

// MemoryStore is the in-process Store used by the aggregation workers.
// Writes are partitioned upstream by (tenant, dimension) hash, so lock
// contention stays off the hot path.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	version int64
}

// NewMemoryStore returns an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*Bucket)}
}

// Load seeds the store with previously committed buckets, keeping their
// accumulators and dirty flags. The version counter advances past the
// highest restored version so post-restore merges and snapshot watermarks
// stay monotone. Used by the startup reload from the durable mirror.
func (s *MemoryStore) Load(ctx context.Context, buckets []*Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		s.buckets[b.Key.String()] = b.Clone()
		if b.Version > s.version {
			s.version = b.Version
		}
	}
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, key Key, fn func(*Bucket)) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.String()
	b, ok := s.buckets[id]
	if !ok {
		b = NewBucket(key)
		s.buckets[id] = b
	}
	fn(b)
	s.version++
	b.Version = s.version
	b.UpdatedAt = time.Now().UTC()
	return b.Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key Key) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

// Range implements Store.
func (s *MemoryStore) Range(ctx context.Context, tenantID, dimension string, g Granularity, from, to time.Time) ([]*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Bucket
	for _, b := range s.buckets {
		if b.Key.TenantID != tenantID || b.Key.Granularity != g {
			continue
		}
		if dimension != "" && b.Key.Dimension != dimension {
			continue
		}
		if b.Key.BucketStart.Before(from) || !b.Key.BucketStart.Before(to) {
			continue
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Dimension != out[j].Key.Dimension {
			return out[i].Key.Dimension < out[j].Key.Dimension
		}
		return out[i].Key.BucketStart.Before(out[j].Key.BucketStart)
	})
	return out, nil
}

// Tenants implements Store.
func (s *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, b := range s.buckets {
		seen[b.Key.TenantID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// MaxVersion implements Store.
func (s *MemoryStore) MaxVersion(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

// MarkClean implements Store.
func (s *MemoryStore) MarkClean(ctx context.Context, keys []Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if b, ok := s.buckets[k.String()]; ok {
			b.Dirty = false
		}
	}
	return nil
}

// DirtyKeys returns keys currently flagged dirty, used by the refresh
// scheduler to decide what to fold before the next staleness deadline.
func (s *MemoryStore) DirtyKeys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Key
	for _, b := range s.buckets {
		if b.Dirty {
			out = append(out, b.Key)
		}
	}
	return out, nil
}
