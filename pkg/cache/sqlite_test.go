package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/gristmill/pkg/apperrors"
)

func newTestSQLite(t *testing.T, maxEntries int) *SQLite {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "cache.sqlite"), maxEntries, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, 10)

	require.NoError(t, store.Put(ctx, recordsKey("records/d1/t1", "sig"), []byte(`[{"id":1}]`), time.Minute))

	value, ok, err := store.Get(ctx, recordsKey("records/d1/t1", "sig"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`[{"id":1}]`), value)
}

func TestSQLiteMiss(t *testing.T) {
	store := newTestSQLite(t, 10)

	_, ok, err := store.Get(context.Background(), metaKey("absent"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, 10)
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(ctx, metaKey("tables/d1"), []byte("v"), 5*time.Minute))

	now = now.Add(6 * time.Minute)
	_, ok, err := store.Get(ctx, metaKey("tables/d1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteZeroTTLStoresNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, 10)

	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("v"), 0))

	_, ok, _ := store.Get(ctx, metaKey("a"))
	assert.False(t, ok)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.sqlite")

	store, err := NewSQLite(path, 10, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, metaKey("tables/d1"), []byte("v"), time.Hour))
	require.NoError(t, store.Close())

	reopened, err := NewSQLite(path, 10, nil)
	require.NoError(t, err)
	defer reopened.Close()

	value, ok, err := reopened.Get(ctx, metaKey("tables/d1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestSQLiteConcurrentPutsSameKey(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, 10)

	const workers = 4
	const writes = 100
	errs := make(chan error, workers*writes)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				errs <- store.Put(ctx, metaKey("shared"), []byte("v"), time.Hour)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	value, ok, err := store.Get(ctx, metaKey("shared"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestSQLiteConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, 50)

	const workers = 4
	errs := make(chan error, workers*100)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := metaKey(fmt.Sprintf("k%d", w))
			for i := 0; i < 50; i++ {
				errs <- store.Put(ctx, key, []byte("v"), time.Hour)
				_, _, err := store.Get(ctx, key)
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(workers), store.Stats().Entries)
}

func TestSQLiteRewriteCountsAsNewInsertion(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, 2)

	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1"), time.Hour))
	require.NoError(t, store.Put(ctx, metaKey("b"), []byte("2"), time.Hour))
	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1b"), time.Hour))
	require.NoError(t, store.Put(ctx, metaKey("c"), []byte("3"), time.Hour))

	_, ok, _ := store.Get(ctx, metaKey("b"))
	assert.False(t, ok, "b was the oldest insertion after a's rewrite")
	value, ok, _ := store.Get(ctx, metaKey("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1b"), value)
}

func TestSQLiteEvictsOldestInsertion(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, 2)

	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1"), time.Hour))
	require.NoError(t, store.Put(ctx, metaKey("b"), []byte("2"), time.Hour))
	require.NoError(t, store.Put(ctx, metaKey("c"), []byte("3"), time.Hour))

	_, ok, _ := store.Get(ctx, metaKey("a"))
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, metaKey("b"))
	assert.True(t, ok)
	_, ok, _ = store.Get(ctx, metaKey("c"))
	assert.True(t, ok)
}

func TestSQLiteInsertionOrderSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.sqlite")

	store, err := NewSQLite(path, 2, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, metaKey("a"), []byte("1"), time.Hour))
	require.NoError(t, store.Put(ctx, metaKey("b"), []byte("2"), time.Hour))
	require.NoError(t, store.Close())

	reopened, err := NewSQLite(path, 2, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Put(ctx, metaKey("c"), []byte("3"), time.Hour))

	_, ok, _ := reopened.Get(ctx, metaKey("a"))
	assert.False(t, ok, "a was the oldest insertion across the reopen")
	_, ok, _ = reopened.Get(ctx, metaKey("b"))
	assert.True(t, ok)
}

func TestSQLiteInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, 10)

	require.NoError(t, store.Put(ctx, recordsKey("records/d1/t1", "s1"), []byte("a"), time.Hour))
	require.NoError(t, store.Put(ctx, recordsKey("records/d1/t2", "s1"), []byte("b"), time.Hour))

	require.NoError(t, store.Invalidate(ctx, NamespaceRecords, "records/d1/t1"))

	_, ok, _ := store.Get(ctx, recordsKey("records/d1/t1", "s1"))
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, recordsKey("records/d1/t2", "s1"))
	assert.True(t, ok)
}

func TestSQLiteOpenFailureIsCacheError(t *testing.T) {
	// A regular file where the parent directory should be makes MkdirAll fail.
	base := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o600))

	store, err := NewSQLite(filepath.Join(base, "sub", "cache.sqlite"), 10, nil)
	if store != nil {
		store.Close()
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCacheIO))
}
