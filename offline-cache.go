package offlinecache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/rs/zerolog"
)

const (
	// RuntimeStoreName is the unversioned store filled while serving requests.
	RuntimeStoreName = "runtime"
	precachePrefix   = "precache-"
)

var (
	// DefaultManifest lists the paths precached at install.
	// Fingerprinted build assets are left to runtime caching.
	DefaultManifest = []string{"/", "/manifest.json"}
	// DefaultStaticFiles are well-known icon and manifest files served cache-first.
	DefaultStaticFiles = []string{"/favicon.ico", "/manifest.json", "/logo192.png", "/logo512.png", "/robots.txt"}
)

const (
	defaultStaticPrefix       = "/static/"
	defaultInstallConcurrency = 4
)

// PrecacheStoreName returns the name of the precache store of a version.
func PrecacheStoreName(version string) string {
	return precachePrefix + version
}

type Config struct {
	// Storage for the named response stores.
	Storage cache.Storage
	// Network to fetch from.
	Network Fetcher
	// Origin of the pages served. Requests for other origins pass through.
	Scope url.URL
	// Version tag of this worker. It names the precache store.
	Version string
	// Paths to precache at install. DefaultManifest if nil.
	Manifest []string
	// Path prefix of static assets. Defaults to `/static/`.
	StaticPrefix string
	// Exact paths of other static files. DefaultStaticFiles if nil.
	StaticFiles []string
	// Keep a freshly installed version waiting until told to skip waiting.
	DisableSkipWaiting bool
	// Number of manifest entries fetched in parallel at install.
	InstallConcurrency int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Engine is the worker script: it precaches at install, cleans up old
// stores at activation and answers fetch events from its stores or the network.
type Engine struct {
	storage            cache.Storage
	network            Fetcher
	keyer              cachekey.CacheKeyer
	scope              url.URL
	log                zerolog.Logger
	version            string
	precacheName       string
	manifest           []string
	staticPrefix       string
	staticFiles        map[string]bool
	skipWaiting        bool
	installConcurrency int

	storesMu sync.Mutex
	stores   map[string]cache.Store

	// write-backs started by fetch events; drained is closed when the
	// count drops back to zero
	inflightMu sync.Mutex
	inflight   int
	drained    chan struct{}
}

// CreateEngine initializes a worker version.
func CreateEngine(config Config) *Engine {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("version", config.Version).
		Logger()

	e := &Engine{
		storage:            config.Storage,
		network:            config.Network,
		keyer:              cachekey.NewCacheKeyer(config.Scope),
		scope:              config.Scope,
		log:                logger,
		version:            config.Version,
		precacheName:       PrecacheStoreName(config.Version),
		manifest:           config.Manifest,
		staticPrefix:       config.StaticPrefix,
		staticFiles:        make(map[string]bool),
		skipWaiting:        !config.DisableSkipWaiting,
		installConcurrency: config.InstallConcurrency,
		stores:             make(map[string]cache.Store),
	}
	if e.manifest == nil {
		e.manifest = DefaultManifest
	}
	if e.staticPrefix == "" {
		e.staticPrefix = defaultStaticPrefix
	}
	staticFiles := config.StaticFiles
	if staticFiles == nil {
		staticFiles = DefaultStaticFiles
	}
	for _, f := range staticFiles {
		e.staticFiles[f] = true
	}
	if e.installConcurrency <= 0 {
		e.installConcurrency = defaultInstallConcurrency
	}
	return e
}

// PrecacheName returns the name of this version's precache store.
func (e *Engine) PrecacheName() string {
	return e.precacheName
}

// ServeHTTP implements the http.Handler interface; it is the fetch event.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, cs := e.Handle(r)
	if res.Header == nil {
		res.Header = http.Header{}
	}
	cs.Set(res.Header)
	e.sendResponse(w, res)
	e.logRequest(r, res.StatusCode, cs)
}

// Handle resolves an intercepted request. It always returns a response:
// network failures end in a fallback from the stores or in the
// unavailable response.
func (e *Engine) Handle(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	if r.Method != http.MethodGet || !e.isSameOrigin(r) {
		return e.passThrough(r)
	}
	if e.isStatic(r) {
		return e.cacheFirst(r)
	}
	return e.networkFirst(r)
}

// Close waits for pending store write-backs to settle.
// The engine keeps serving; write-backs started meanwhile are waited for too.
func (e *Engine) Close(ctx context.Context) error {
	e.inflightMu.Lock()
	if e.inflight == 0 {
		e.inflightMu.Unlock()
		return nil
	}
	drained := e.drained
	e.inflightMu.Unlock()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) startWriteBack() {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if e.inflight == 0 {
		e.drained = make(chan struct{})
	}
	e.inflight++
}

func (e *Engine) finishWriteBack() {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	e.inflight--
	if e.inflight == 0 {
		close(e.drained)
	}
}

func (e *Engine) isSameOrigin(r *http.Request) bool {
	if r.URL.IsAbs() {
		return e.isSameOriginURL(r.URL)
	}
	return r.Host == "" || strings.EqualFold(r.Host, e.scope.Host)
}

func (e *Engine) isSameOriginURL(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	return strings.EqualFold(u.Scheme, e.scope.Scheme) && strings.EqualFold(u.Host, e.scope.Host)
}

func (e *Engine) isStatic(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, e.staticPrefix) || e.staticFiles[r.URL.Path]
}

// isNavigation reports whether the request loads a page.
// Clients without fetch metadata are recognized by accepting HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// isOpaque reports whether the response came from another origin,
// e.g. after a cross-origin redirect.
func (e *Engine) isOpaque(res *http.Response) bool {
	return res.Request != nil && res.Request.URL != nil && !e.isSameOriginURL(res.Request.URL)
}

// qualifies reports whether a response may be stored.
func (e *Engine) qualifies(res *http.Response) bool {
	return res.StatusCode == http.StatusOK && !e.isOpaque(res)
}

func (e *Engine) logRequest(r *http.Request, status int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	e.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("cacheStatus", cs.String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}
