package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotActive is returned by Claim when the caller is not the active instance.
var ErrNotActive = errors.New("worker instance is not active")

type Options struct {
	// Handler for requests arriving while no worker is active.
	// Requests fail with 502 if nil.
	Network http.Handler
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Registration tracks the worker versions of one scope: at most one
// installing, one waiting and one active instance.
// It fires updatefound for new versions, moves instances through their
// states and switches the controller of open pages.
type Registration struct {
	Scope url.URL

	network http.Handler
	log     zerolog.Logger

	mu         sync.Mutex
	installing *Instance
	waiting    *Instance
	active     *Instance
	clients    map[*Client]struct{}

	updateFound feed[*Instance]
	ready       chan struct{}
	readyOnce   sync.Once
}

func NewRegistration(scope url.URL, opts Options) *Registration {
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	return &Registration{
		Scope:   scope,
		network: opts.Network,
		log: logger.With().
			Str("scope", scope.String()).
			Logger(),
		clients: make(map[*Client]struct{}),
		ready:   make(chan struct{}),
	}
}

// Register starts installing a new version of the worker.
// The install runs in the background; ctx governs the event handlers of
// the new instance for its whole life.
// A version still installing is superseded and becomes redundant.
func (r *Registration) Register(ctx context.Context, version string, script Script) *Instance {
	inst := newInstance(ctx, r, version, script)
	r.mu.Lock()
	prev := r.installing
	r.installing = inst
	r.mu.Unlock()
	if prev != nil {
		prev.log.Info().Msg("Install superseded by newer version")
		prev.retire()
	}
	inst.setState(WorkerInstalling)
	go r.install(inst)
	return inst
}

// UpdateFound subscribes to new installing instances.
func (r *Registration) UpdateFound() (<-chan *Instance, func()) {
	return r.updateFound.subscribe()
}

// Ready is closed once the registration has an active instance.
func (r *Registration) Ready() <-chan struct{} {
	return r.ready
}

func (r *Registration) Installing() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

func (r *Registration) Waiting() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Active() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ServeHTTP dispatches the request as a fetch event to the active instance.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if active := r.Active(); active != nil {
		active.script.ServeHTTP(w, req)
		return
	}
	if r.network != nil {
		r.network.ServeHTTP(w, req)
		return
	}
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

func (r *Registration) install(inst *Instance) {
	r.updateFound.send(inst)

	if err := inst.script.Install(inst.ctx, inst.global()); err != nil {
		inst.log.Error().Err(err).Msg("Install failed")
		r.mu.Lock()
		if r.installing == inst {
			r.installing = nil
		}
		r.mu.Unlock()
		inst.retire()
		return
	}

	r.mu.Lock()
	if r.installing != inst {
		r.mu.Unlock()
		inst.retire()
		return
	}
	r.installing = nil
	prevWaiting := r.waiting
	r.waiting = inst
	r.mu.Unlock()

	if prevWaiting != nil {
		prevWaiting.retire()
	}
	inst.setState(WorkerInstalled)
	r.tryActivate()
}

// tryActivate promotes the waiting instance unless pages are still
// controlled by the active one and the waiting one did not skip waiting.
func (r *Registration) tryActivate() {
	r.mu.Lock()
	next := r.waiting
	if next == nil {
		r.mu.Unlock()
		return
	}
	if r.active != nil && r.controlledBy(r.active) > 0 && !next.skipsWaiting() {
		r.mu.Unlock()
		next.log.Info().Msg("New version waiting for controlled pages")
		return
	}
	r.waiting = nil
	prev := r.active
	r.active = next
	changed := make([]*Client, 0)
	if prev != nil {
		for c := range r.clients {
			if c.controller == prev {
				c.controller = next
				changed = append(changed, c)
			}
		}
	}
	r.mu.Unlock()

	r.readyOnce.Do(func() { close(r.ready) })
	if prev != nil {
		prev.retire()
	}
	next.setState(WorkerActivating)
	for _, c := range changed {
		c.controllerChanges.send(next)
	}
	if err := next.script.Activate(next.ctx, next.global()); err != nil {
		next.log.Error().Err(err).Msg("Activate failed")
	}
	next.setState(WorkerActivated)
}

func (r *Registration) skipWaiting(inst *Instance) {
	inst.markSkipWaiting()
	if r.Waiting() == inst {
		r.tryActivate()
	}
}

func (r *Registration) claim(inst *Instance) error {
	r.mu.Lock()
	if r.active != inst {
		r.mu.Unlock()
		return ErrNotActive
	}
	changed := make([]*Client, 0)
	for c := range r.clients {
		if c.controller != inst {
			c.controller = inst
			changed = append(changed, c)
		}
	}
	r.mu.Unlock()

	inst.log.Debug().Int("clients", len(changed)).Msg("Claimed clients")
	for _, c := range changed {
		c.controllerChanges.send(inst)
	}
	return nil
}

// controlledBy must be called with r.mu held.
func (r *Registration) controlledBy(inst *Instance) int {
	n := 0
	for c := range r.clients {
		if c.controller == inst {
			n++
		}
	}
	return n
}
