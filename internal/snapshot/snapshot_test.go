package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreInstallAndGet(t *testing.T) {
	store := NewStore()
	key := Key{ID: "tenant-summary", TenantID: "acme"}

	_, ok := store.Get(key)
	assert.False(t, ok)

	snap := &Snapshot{Key: key, ComputedAt: time.Now(), SourceVersion: 1}
	require.NoError(t, store.Install(snap))

	got, ok := store.Get(key)
	require.True(t, ok)
	assert.Same(t, snap, got)
	assert.Equal(t, []Key{key}, store.Keys())
}

func TestStoreRefusesVersionRegression(t *testing.T) {
	store := NewStore()
	key := Key{ID: "tenant-summary", TenantID: "acme"}

	require.NoError(t, store.Install(&Snapshot{Key: key, SourceVersion: 10}))
	err := store.Install(&Snapshot{Key: key, SourceVersion: 9})
	require.Error(t, err)

	got, _ := store.Get(key)
	assert.Equal(t, int64(10), got.SourceVersion, "current version keeps serving")

	// Equal watermark re-installs (no regression).
	require.NoError(t, store.Install(&Snapshot{Key: key, SourceVersion: 10}))
}

func TestStoreOnInstallHooks(t *testing.T) {
	store := NewStore()
	var seen []int64
	store.OnInstall(func(s *Snapshot) { seen = append(seen, s.SourceVersion) })

	require.NoError(t, store.Install(&Snapshot{Key: Key{ID: "a", TenantID: "t"}, SourceVersion: 1}))
	require.NoError(t, store.Install(&Snapshot{Key: Key{ID: "a", TenantID: "t"}, SourceVersion: 2}))

	assert.Equal(t, []int64{1, 2}, seen)
}
