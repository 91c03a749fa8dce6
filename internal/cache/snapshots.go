package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/opspulse/opspulse/internal/snapshot"
)

// SnapshotCache keeps serialized snapshots in Redis so dashboard fan-out
// reads don't all land on the in-process store, and so a freshly restarted
// replica can serve the last good view before its first refresh.
type SnapshotCache struct {
	client redis.Cmdable
	ttl    time.Duration

	// degraded doubles the effective TTL, set while refreshes are failing
	// so the last good version stays servable longer.
	degraded atomic.Bool
}

// NewSnapshotCache creates a cache with the given base TTL.
func NewSnapshotCache(client redis.Cmdable, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

// SetDegraded toggles degraded mode. While degraded, writes use a doubled
// TTL.
func (c *SnapshotCache) SetDegraded(v bool) {
	if c.degraded.Swap(v) != v {
		log.Warn().Bool("degraded", v).Msg("snapshot cache degradation toggled")
	}
}

// Put stores a snapshot.
func (c *SnapshotCache) Put(ctx context.Context, snap *snapshot.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.Key, err)
	}
	ttl := c.ttl
	if c.degraded.Load() {
		ttl *= 2
	}
	if err := c.client.Set(ctx, cacheKey(snap.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache snapshot %s: %w", snap.Key, err)
	}
	return nil
}

// Get returns the cached snapshot for key, or (nil, nil) on a miss.
func (c *SnapshotCache) Get(ctx context.Context, key snapshot.Key) (*snapshot.Snapshot, error) {
	data, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached snapshot %s: %w", key, err)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot %s: %w", key, err)
	}
	return &snap, nil
}

func cacheKey(key snapshot.Key) string {
	return "snap:" + key.String()
}
