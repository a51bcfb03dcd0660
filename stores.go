package offlinecache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// ListEntries returns the requests stored for the scope's origin, as
// `METHOD URL` lines by store name. Entries of other origins sharing the
// storage are left out.
func ListEntries(storage cache.Storage, scope url.URL) (map[string][]string, error) {
	keyer := cachekey.NewCacheKeyer(scope)
	names, err := storage.Names()
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	entries := make(map[string][]string, len(names))
	for _, name := range names {
		store, err := storage.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", name, err)
		}
		keys := make([]string, 0)
		if err := store.Keys(func(key string) {
			keys = append(keys, key)
		}); err != nil {
			return nil, fmt.Errorf("list keys of %s: %w", name, err)
		}
		requests := make([]string, 0, len(keys))
		for _, key := range keys {
			if !strings.HasPrefix(key, keyer.OriginPrefix) {
				continue
			}
			req, err := keyer.GetRequestFromKey(key)
			if err != nil {
				return nil, fmt.Errorf("store %s: %w", name, err)
			}
			requests = append(requests, req.Method+" "+req.URL.String())
		}
		sort.Strings(requests)
		entries[name] = requests
	}
	return entries, nil
}
