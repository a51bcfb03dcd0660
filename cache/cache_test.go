package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storages(t *testing.T) map[string]Storage {
	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Storage{
		"memory": NewMemStorage(),
		"sqlite": sqlite,
	}
}

func TestStorePutMatch(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open("runtime")
			require.NoError(t, err)

			_, ok, err := store.Match("k")
			require.NoError(t, err)
			assert.False(t, ok)

			now := time.Unix(time.Now().Unix(), 0)
			require.NoError(t, store.Put(Entry{Key: "k", StoredAt: now, Bytes: []byte("one")}))
			require.NoError(t, store.Put(Entry{Key: "k", StoredAt: now, Bytes: []byte("two")}))

			entry, ok, err := store.Match("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "two", string(entry.Bytes))
			assert.True(t, entry.StoredAt.Equal(now))

			n, err := store.Len()
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStoresAreIndependent(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			a, err := storage.Open("precache-v1")
			require.NoError(t, err)
			b, err := storage.Open("runtime")
			require.NoError(t, err)
			require.NoError(t, a.Put(Entry{Key: "k", Bytes: []byte("a")}))

			_, ok, err := b.Match("k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorageDelete(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open("precache-v1")
			require.NoError(t, err)
			require.NoError(t, store.Put(Entry{Key: "k", Bytes: []byte("a")}))
			_, err = storage.Open("runtime")
			require.NoError(t, err)

			names, err := storage.Names()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"precache-v1", "runtime"}, names)

			deleted, err := storage.Delete("precache-v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = storage.Delete("precache-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			has, err := storage.Has("precache-v1")
			require.NoError(t, err)
			assert.False(t, has)

			err = store.Put(Entry{Key: "k2", Bytes: []byte("b")})
			assert.True(t, errors.Is(err, ErrStoreDeleted))

			// reopening yields an empty store
			store, err = storage.Open("precache-v1")
			require.NoError(t, err)
			n, err := store.Len()
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestStoreKeys(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open("runtime")
			require.NoError(t, err)
			for _, k := range []string{"b", "a", "c"} {
				require.NoError(t, store.Put(Entry{Key: k}))
			}
			deleted, err := store.Delete("c")
			require.NoError(t, err)
			assert.True(t, deleted)

			keys := make([]string, 0)
			require.NoError(t, store.Keys(func(k string) { keys = append(keys, k) }))
			assert.Equal(t, []string{"a", "b"}, keys)
		})
	}
}

func TestConcurrentPutsLastWriterWins(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open("runtime")
			require.NoError(t, err)
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, store.Put(Entry{Key: "same", Bytes: []byte(fmt.Sprint(i))}))
				}(i)
			}
			wg.Wait()
			n, err := store.Len()
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}
