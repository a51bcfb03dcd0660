package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/lifecycle"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// Install precaches the manifest into this version's precache store.
// Failing entries are logged and skipped; runtime caching fills the gaps.
// Unless disabled, the version then asks to take over without waiting.
func (e *Engine) Install(ctx context.Context, g lifecycle.Global) error {
	store, err := e.openStore(e.precacheName)
	if err != nil {
		e.log.Error().Err(err).Str("store", e.precacheName).Msg("Could not open precache store")
	} else {
		e.precache(ctx, store)
	}
	if e.skipWaiting {
		g.SkipWaiting()
	}
	return nil
}

func (e *Engine) precache(ctx context.Context, store cache.Store) {
	var stored atomic.Int32
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.installConcurrency)
	for _, path := range e.manifest {
		path := path
		eg.Go(func() error {
			if err := e.precacheEntry(egCtx, store, path); err != nil {
				e.log.Warn().Err(err).Str("path", path).Msg("Could not precache entry")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	eg.Wait()
	e.log.Info().
		Str("store", e.precacheName).
		Int32("stored", stored.Load()).
		Int("manifest", len(e.manifest)).
		Msg("Precache complete")
}

func (e *Engine) precacheEntry(ctx context.Context, store cache.Store, path string) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.keyer.Origin+path, nil)
	if err != nil {
		return err
	}
	res, err := e.network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !e.qualifies(res) {
		if res.Body != nil {
			res.Body.Close()
		}
		return fmt.Errorf("unexpected response status %d", res.StatusCode)
	}
	snap, _, err := serializer.Capture(res)
	if err != nil {
		return err
	}
	bts, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		return err
	}
	return store.Put(cache.Entry{
		Key:      e.keyer.GetKey(req),
		StoredAt: snap.StoredAt,
		Bytes:    bts,
	})
}

// Activate deletes every store but this version's precache and the runtime
// store, then claims all open pages. Running it again is harmless.
func (e *Engine) Activate(ctx context.Context, g lifecycle.Global) error {
	names, err := e.storage.Names()
	if err != nil {
		e.log.Error().Err(err).Msg("Could not list stores")
	}
	for _, name := range names {
		if name == e.precacheName || name == RuntimeStoreName {
			continue
		}
		if _, err := e.storage.Delete(name); err != nil {
			e.log.Error().Err(err).Str("store", name).Msg("Could not delete obsolete store")
			continue
		}
		e.log.Info().Str("store", name).Msg("Deleted obsolete store")
	}
	if err := g.Claim(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Could not claim clients")
	}
	return nil
}

// HandleMessage handles control messages from pages.
func (e *Engine) HandleMessage(ctx context.Context, g lifecycle.Global, msg lifecycle.Message) {
	switch msg.Type {
	case lifecycle.MessageSkipWaiting:
		e.log.Info().Msg("Skip waiting requested")
		g.SkipWaiting()
	default:
		e.log.Debug().Str("type", msg.Type).Msg("Ignoring message")
	}
}
