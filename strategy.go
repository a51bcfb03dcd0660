package offlinecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

const unavailableBody = "Service Unavailable"

// passThrough forwards the request untouched; no store is read or written.
func (e *Engine) passThrough(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdBypass)
	res, err := e.network.Fetch(r.Context(), r)
	if err != nil {
		e.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Pass-through request failed")
		return textResponse(r, http.StatusBadGateway, http.StatusText(http.StatusBadGateway)), cs
	}
	return res, cs
}

// cacheFirst serves from the stores and only touches the network on a miss.
func (e *Engine) cacheFirst(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	key := e.keyer.GetKey(r)
	if snap, storeName, ok := e.match(key); ok {
		cs.Hit()
		cs.Detail(storeName)
		return snap.Response(r), cs
	}

	cs.Forward(cachestatus.FwdUriMiss)
	res, err := e.network.Fetch(r.Context(), r)
	if err != nil {
		e.log.Debug().Err(err).Str("key", key).Msg("Network failed for static asset")
		return e.unavailable(r)
	}
	if !e.qualifies(res) {
		return res, cs
	}
	stored, err := e.writeBack(key, res)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("Could not read static asset")
		return e.unavailable(r)
	}
	cs.Stored()
	return stored, cs
}

// networkFirst tries the network and falls back to the stores, then to the
// root document for navigations, then to the unavailable response.
func (e *Engine) networkFirst(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	key := e.keyer.GetKey(r)
	res, err := e.network.Fetch(r.Context(), r)
	if err == nil {
		cs.Forward(cachestatus.FwdRequest)
		if !e.qualifies(res) {
			return res, cs
		}
		stored, err := e.writeBack(key, res)
		if err == nil {
			cs.Stored()
			return stored, cs
		}
		e.log.Warn().Err(err).Str("key", key).Msg("Could not read network response")
	} else {
		e.log.Debug().Err(err).Str("key", key).Msg("Network failed, falling back to stores")
	}

	if snap, storeName, ok := e.match(key); ok {
		cs.Hit()
		cs.Detail(storeName)
		return snap.Response(r), cs
	}
	if isNavigation(r) {
		if snap, _, ok := e.match(e.keyer.GetKeyForPath("/")); ok {
			cs.Hit()
			cs.Detail("root")
			return snap.Response(r), cs
		}
	}
	return e.unavailable(r)
}

// writeBack captures the response and stores the capture in the runtime
// store in the background. The returned response replaces res for the caller.
func (e *Engine) writeBack(key string, res *http.Response) (*http.Response, error) {
	snap, clone, err := serializer.Capture(res)
	if err != nil {
		return nil, err
	}
	e.startWriteBack()
	go func() {
		defer e.finishWriteBack()
		if err := e.put(RuntimeStoreName, key, snap); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Could not write to runtime store")
			return
		}
		e.log.Trace().Str("key", key).Msg("Wrote to runtime store")
	}()
	return clone, nil
}

func (e *Engine) put(storeName, key string, snap serializer.Snapshot) error {
	store, err := e.openStore(storeName)
	if err != nil {
		return err
	}
	bts, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		return err
	}
	return store.Put(cache.Entry{
		Key:      key,
		StoredAt: snap.StoredAt,
		Bytes:    bts,
	})
}

// match looks the key up in this version's precache, then in the runtime store.
func (e *Engine) match(key string) (serializer.Snapshot, string, bool) {
	for _, name := range []string{e.precacheName, RuntimeStoreName} {
		store := e.lookupStore(name)
		if store == nil {
			continue
		}
		entry, found, err := store.Match(key)
		if err != nil {
			e.log.Error().Err(err).Str("store", name).Str("key", key).Msg("Could not read from store")
			continue
		}
		if !found {
			continue
		}
		snap, err := serializer.BytesToSnapshot(entry.Bytes)
		if err != nil {
			e.log.Error().Err(err).Str("store", name).Str("key", key).Msg("Could not decode stored response")
			continue
		}
		return snap, name, true
	}
	return serializer.Snapshot{}, "", false
}

// lookupStore returns the store to search. The precache store is only
// searched once this version installed it, so lookups never recreate a
// precache store deleted by a newer version.
func (e *Engine) lookupStore(name string) cache.Store {
	if name != RuntimeStoreName {
		e.storesMu.Lock()
		defer e.storesMu.Unlock()
		return e.stores[name]
	}
	store, err := e.openStore(name)
	if err != nil {
		e.log.Error().Err(err).Str("store", name).Msg("Could not open store")
		return nil
	}
	return store
}

// openStore opens a store and keeps the handle for later lookups.
func (e *Engine) openStore(name string) (cache.Store, error) {
	e.storesMu.Lock()
	defer e.storesMu.Unlock()
	if store, ok := e.stores[name]; ok {
		return store, nil
	}
	store, err := e.storage.Open(name)
	if err != nil {
		return nil, err
	}
	e.stores[name] = store
	return store, nil
}

func (e *Engine) unavailable(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdMiss)
	cs.Detail("offline")
	return textResponse(r, http.StatusServiceUnavailable, unavailableBody), cs
}

func textResponse(r *http.Request, status int, body string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
