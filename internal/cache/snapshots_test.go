package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspulse/opspulse/internal/snapshot"
)

func TestSnapshotCacheRoundTrip(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewSnapshotCache(client, 10*time.Minute)
	ctx := context.Background()

	snap := &snapshot.Snapshot{
		Key:           snapshot.Key{ID: "tenant-summary", TenantID: "acme"},
		ComputedAt:    time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		SourceVersion: 7,
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectSet("snap:tenant-summary/acme", data, 10*time.Minute).SetVal("OK")
	require.NoError(t, c.Put(ctx, snap))

	mock.ExpectGet("snap:tenant-summary/acme").SetVal(string(data))
	got, err := c.Get(ctx, snap.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.SourceVersion)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotCacheMissIsNotAnError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewSnapshotCache(client, 10*time.Minute)

	mock.ExpectGet("snap:tenant-summary/ghost").RedisNil()
	got, err := c.Get(context.Background(), snapshot.Key{ID: "tenant-summary", TenantID: "ghost"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotCacheDegradedDoublesTTL(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewSnapshotCache(client, 10*time.Minute)
	c.SetDegraded(true)

	snap := &snapshot.Snapshot{Key: snapshot.Key{ID: "tenant-summary", TenantID: "acme"}}
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectSet("snap:tenant-summary/acme", data, 20*time.Minute).SetVal("OK")
	require.NoError(t, c.Put(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}
