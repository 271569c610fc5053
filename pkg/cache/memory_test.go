package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metaKey(address string) Key {
	return Key{Namespace: NamespaceMetadata, Address: address}
}

func recordsKey(address, signature string) Key {
	return Key{Namespace: NamespaceRecords, Address: address, Signature: signature}
}

func TestMemoryRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)

	require.NoError(t, store.Put(ctx, metaKey("tables/d1"), []byte(`["a"]`), time.Minute))

	value, ok, err := store.Get(ctx, metaKey("tables/d1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`["a"]`), value)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(ctx, metaKey("tables/d1"), []byte("v"), 5*time.Minute))

	now = now.Add(5*time.Minute - time.Second)
	_, ok, err := store.Get(ctx, metaKey("tables/d1"))
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = store.Get(ctx, metaKey("tables/d1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryZeroTTLStoresNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)

	require.NoError(t, store.Put(ctx, recordsKey("records/d1/t1", "s"), []byte("v"), 0))

	_, ok, err := store.Get(ctx, recordsKey("records/d1/t1", "s"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEvictsOldestInsertion(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(2)

	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1"), time.Minute))
	require.NoError(t, store.Put(ctx, metaKey("b"), []byte("2"), time.Minute))

	// Reading does not refresh insertion order.
	_, _, _ = store.Get(ctx, metaKey("a"))

	require.NoError(t, store.Put(ctx, metaKey("c"), []byte("3"), time.Minute))

	_, ok, _ := store.Get(ctx, metaKey("a"))
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, metaKey("b"))
	assert.True(t, ok)
	_, ok, _ = store.Get(ctx, metaKey("c"))
	assert.True(t, ok)
}

func TestMemoryRewriteCountsAsNewInsertion(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(2)

	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1"), time.Minute))
	require.NoError(t, store.Put(ctx, metaKey("b"), []byte("2"), time.Minute))
	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1b"), time.Minute))
	require.NoError(t, store.Put(ctx, metaKey("c"), []byte("3"), time.Minute))

	_, ok, _ := store.Get(ctx, metaKey("b"))
	assert.False(t, ok, "b was the oldest insertion after a's rewrite")
	value, ok, _ := store.Get(ctx, metaKey("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1b"), value)
}

func TestMemoryNamespacesIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(1)

	require.NoError(t, store.Put(ctx, metaKey("x"), []byte("m"), time.Minute))
	require.NoError(t, store.Put(ctx, recordsKey("x", "s"), []byte("r"), time.Minute))

	_, ok, _ := store.Get(ctx, metaKey("x"))
	assert.True(t, ok, "records insert must not evict metadata")
	_, ok, _ = store.Get(ctx, recordsKey("x", "s"))
	assert.True(t, ok)
}

func TestMemoryInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)

	require.NoError(t, store.Put(ctx, recordsKey("records/d1/t1", "s1"), []byte("a"), time.Minute))
	require.NoError(t, store.Put(ctx, recordsKey("records/d1/t1", "s2"), []byte("b"), time.Minute))
	require.NoError(t, store.Put(ctx, recordsKey("records/d1/t2", "s1"), []byte("c"), time.Minute))

	require.NoError(t, store.Invalidate(ctx, NamespaceRecords, "records/d1/t1"))

	_, ok, _ := store.Get(ctx, recordsKey("records/d1/t1", "s1"))
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, recordsKey("records/d1/t1", "s2"))
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, recordsKey("records/d1/t2", "s1"))
	assert.True(t, ok)
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(1)

	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1"), time.Minute))
	_, _, _ = store.Get(ctx, metaKey("a"))
	_, _, _ = store.Get(ctx, metaKey("missing"))
	require.NoError(t, store.Put(ctx, metaKey("b"), []byte("2"), time.Minute))

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestDisabledStore(t *testing.T) {
	ctx := context.Background()
	store := Disabled{}

	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1"), time.Minute))
	_, ok, err := store.Get(ctx, metaKey("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyID(t *testing.T) {
	assert.Equal(t, "tables/d1", metaKey("tables/d1").ID())
	assert.Equal(t, "records/d1/t1|filter={}", recordsKey("records/d1/t1", "filter={}").ID())
}
