package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/lifecycle"
	"github.com/always-cache/offline-cache/update"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// server hosts one registration and a page that follows its lifecycle,
// so that updates can be staged and applied from the control routes.
type server struct {
	ctx     context.Context
	reg     *lifecycle.Registration
	storage cache.Storage
	network offlinecache.Fetcher
	scope   url.URL
	log     zerolog.Logger

	mu   sync.Mutex
	page *page
}

type page struct {
	client   *lifecycle.Client
	coord    *lifecycle.Coordinator
	observer *update.Observer
	cancel   context.CancelFunc
}

func newServer(ctx context.Context, storage cache.Storage, network offlinecache.Fetcher, scope url.URL, logger zerolog.Logger) *server {
	s := &server{
		ctx:     ctx,
		storage: storage,
		network: network,
		scope:   scope,
		log:     logger,
	}
	s.reg = lifecycle.NewRegistration(scope, lifecycle.Options{
		Network: offlinecache.NetworkHandler(network, &logger),
		Logger:  &logger,
	})
	s.page = s.openPage()
	return s
}

// register installs a new worker version built from the config.
func (s *server) register(config Config) *lifecycle.Instance {
	engine := offlinecache.CreateEngine(offlinecache.Config{
		Storage:            s.storage,
		Network:            s.network,
		Scope:              s.scope,
		Version:            config.Version,
		Manifest:           config.Manifest,
		StaticPrefix:       config.StaticPrefix,
		StaticFiles:        config.StaticFiles,
		DisableSkipWaiting: config.WaitForApply,
		InstallConcurrency: config.InstallConcurrency,
		Logger:             &s.log,
	})
	s.log.Info().Str("version", config.Version).Msg("Registering worker version")
	return s.reg.Register(s.ctx, config.Version, engine)
}

func (s *server) openPage() *page {
	ctx, cancel := context.WithCancel(s.ctx)
	p := &page{
		client: s.reg.Connect(),
		cancel: cancel,
	}
	p.coord = lifecycle.NewCoordinator(p.client, lifecycle.CoordinatorOptions{
		Reload: func() { go s.reloadPage() },
		Logger: &s.log,
	})
	p.observer = update.NewObserver(p.coord, &s.log)
	go func() {
		if err := p.coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("Lifecycle coordinator stopped")
		}
	}()
	return p
}

// reloadPage replaces the page with a fresh one controlled by the new version.
func (s *server) reloadPage() {
	next := s.openPage()
	s.mu.Lock()
	prev := s.page
	s.page = next
	s.mu.Unlock()
	prev.cancel()
	prev.client.Close()
	s.log.Info().Msg("Page reloaded")
}

func (s *server) currentPage() *page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *server) close() {
	p := s.currentPage()
	p.cancel()
	p.client.Close()
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/__offline", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stores", s.handleStores)
		r.Post("/apply", s.handleApply)
		r.Post("/message", s.handleMessage)
	})
	r.Handle("/*", s.reg)
	return r
}

type status struct {
	State       lifecycle.State `json:"state"`
	UpdateReady bool            `json:"updateReady"`
	Active      string          `json:"active,omitempty"`
	Waiting     string          `json:"waiting,omitempty"`
	Installing  string          `json:"installing,omitempty"`
}

func (s *server) status() status {
	p := s.currentPage()
	st := status{
		State:       p.coord.State(),
		UpdateReady: p.observer.Ready(),
	}
	if inst := s.reg.Active(); inst != nil {
		st.Active = inst.Version
	}
	if inst := s.reg.Waiting(); inst != nil {
		st.Waiting = inst.Version
	}
	if inst := s.reg.Installing(); inst != nil {
		st.Installing = inst.Version
	}
	return st
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleStores(w http.ResponseWriter, r *http.Request) {
	entries, err := offlinecache.ListEntries(s.storage, s.scope)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not list stored entries")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleApply(w http.ResponseWriter, r *http.Request) {
	if !s.currentPage().observer.Apply() {
		http.Error(w, "no update is waiting", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, s.status())
}

// handleMessage posts a control message to the waiting version.
func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg lifecycle.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Type == "" {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	inst := s.reg.Waiting()
	if inst == nil {
		http.Error(w, "no update is waiting", http.StatusConflict)
		return
	}
	if err := inst.PostMessage(msg); err != nil {
		s.log.Warn().Err(err).Str("type", msg.Type).Msg("Could not post message")
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
