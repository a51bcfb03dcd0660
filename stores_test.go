package offlinecache

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEntries(t *testing.T) {
	storage := cache.NewMemStorage()
	e := newTestEngine(t, storage, newNetwork(), "v1")
	require.NoError(t, e.Install(context.Background(), &global{}))
	e.Handle(httptest.NewRequest("GET", "/static/app.js?v=2", nil))
	settle(t, e)

	// another origin sharing the storage
	other := cachekey.NewCacheKeyer(url.URL{Scheme: "https", Host: "other.example.com"})
	store, err := storage.Open(RuntimeStoreName)
	require.NoError(t, err)
	require.NoError(t, store.Put(cache.Entry{Key: other.GetKeyForPath("/elsewhere")}))

	entries, err := ListEntries(storage, testScope)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		PrecacheStoreName("v1"): {"GET http://example.com/", "GET http://example.com/manifest.json"},
		RuntimeStoreName:        {"GET http://example.com/static/app.js?v=2"},
	}, entries)
}

func TestListEntriesMalformedKey(t *testing.T) {
	storage := cache.NewMemStorage()
	store, err := storage.Open(RuntimeStoreName)
	require.NoError(t, err)
	keyer := cachekey.NewCacheKeyer(testScope)
	require.NoError(t, store.Put(cache.Entry{Key: keyer.OriginPrefix + "GET"}))

	_, err = ListEntries(storage, testScope)
	assert.ErrorIs(t, err, cachekey.ErrorMalformedKey)
}

func TestListEntriesEmpty(t *testing.T) {
	entries, err := ListEntries(cache.NewMemStorage(), testScope)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
