package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDedupeCheckAndMark(t *testing.T) {
	client, mock := redismock.NewClientMock()
	d := NewRedisDedupe(client, time.Hour)
	ctx := context.Background()

	mock.ExpectSetNX("dedupe:ev-1", 1, time.Hour).SetVal(true)
	seen, err := d.CheckAndMark(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, seen, "first delivery is new")

	mock.ExpectSetNX("dedupe:ev-1", 1, time.Hour).SetVal(false)
	seen, err = d.CheckAndMark(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, seen, "redelivery is a duplicate")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisDedupeUnmark(t *testing.T) {
	client, mock := redismock.NewClientMock()
	d := NewRedisDedupe(client, time.Hour)
	ctx := context.Background()

	mock.ExpectSetNX("dedupe:ev-1", 1, time.Hour).SetVal(true)
	seen, err := d.CheckAndMark(ctx, "ev-1")
	require.NoError(t, err)
	require.False(t, seen)

	mock.ExpectDel("dedupe:ev-1").SetVal(1)
	require.NoError(t, d.Unmark(ctx, "ev-1"))

	// After the release, the key is markable again.
	mock.ExpectSetNX("dedupe:ev-1", 1, time.Hour).SetVal(true)
	seen, err = d.CheckAndMark(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, seen)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisDedupeSurfacesErrors(t *testing.T) {
	client, mock := redismock.NewClientMock()
	d := NewRedisDedupe(client, time.Hour)

	mock.ExpectSetNX("dedupe:ev-1", 1, time.Hour).SetErr(assert.AnError)
	_, err := d.CheckAndMark(context.Background(), "ev-1")
	assert.Error(t, err)
}
