package lifecycle

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ControllerChangeTimeout bounds the wait for the controller change after
// an update was applied. The page reloads when it expires.
const ControllerChangeTimeout = 5 * time.Second

type CoordinatorOptions struct {
	// Reload is called at most once, when an applied update took over
	// (or was assumed to have taken over).
	Reload func()
	// Timeout overrides ControllerChangeTimeout.
	Timeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Coordinator is the page-side state machine of the update lifecycle.
// It only observes platform events of its client and never inspects the
// worker directly.
type Coordinator struct {
	client  *Client
	reload  func()
	timeout time.Duration
	log     zerolog.Logger

	// notify serializes state changes with their notifications, so
	// subscribers see transitions in the order they happened
	notify sync.Mutex

	mu      sync.Mutex
	state   State
	pending *Instance
	timer   *time.Timer

	reloaded atomic.Bool
	changes  feed[State]
	recheck  chan *Instance
}

func NewCoordinator(client *Client, opts CoordinatorOptions) *Coordinator {
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = ControllerChangeTimeout
	}
	return &Coordinator{
		client:  client,
		reload:  opts.Reload,
		timeout: timeout,
		log: logger.With().
			Str("client", client.ID).
			Logger(),
		recheck: make(chan *Instance, 1),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingUpdate returns the waiting instance while the state is waiting.
func (c *Coordinator) PendingUpdate() *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Changes subscribes to state transitions.
func (c *Coordinator) Changes() (<-chan State, func()) {
	return c.changes.subscribe()
}

// Run follows the lifecycle events of the page until ctx is done.
// Without a ready registration the coordinator stays idle.
func (c *Coordinator) Run(ctx context.Context) error {
	select {
	case <-c.client.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	reg := c.client.Registration()

	updates, cancelUpdates := reg.UpdateFound()
	defer cancelUpdates()
	controllers, cancelControllers := c.client.ControllerChanges()
	defer cancelControllers()
	defer c.stopTimer()

	var (
		watched     *Instance
		stateCh     <-chan WorkerState
		cancelWatch = func() {}
	)
	defer func() { cancelWatch() }()

	watch := func(inst *Instance) {
		cancelWatch()
		watched = inst
		stateCh, cancelWatch = inst.StateChanges()
		c.transition(StateInstalling)
		// the instance may have moved on before we subscribed
		if inst.State() >= WorkerInstalled {
			c.onInstalled(ctx, inst, true)
		}
	}
	unwatch := func() {
		cancelWatch()
		cancelWatch = func() {}
		watched = nil
		stateCh = nil
	}

	if waiting := reg.Waiting(); waiting != nil {
		c.toWaiting(waiting)
	} else if installing := reg.Installing(); installing != nil {
		watch(installing)
	} else {
		c.transition(StateActive)
	}

	for {
		select {
		case inst := <-updates:
			c.log.Info().Str("version", inst.Version).Msg("Update found")
			watch(inst)
		case state := <-stateCh:
			switch state {
			case WorkerInstalled:
				c.onInstalled(ctx, watched, true)
			case WorkerRedundant:
				unwatch()
				c.giveUp()
			case WorkerActivating, WorkerActivated:
				unwatch()
			}
		case inst := <-c.recheck:
			c.onInstalled(ctx, inst, false)
		case inst := <-controllers:
			c.onControllerChange(inst)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Apply asks the waiting instance to skip waiting and take over.
// It is a no-op returning false unless the state is waiting.
func (c *Coordinator) Apply() bool {
	c.notify.Lock()
	c.mu.Lock()
	if c.state != StateWaiting || c.pending == nil {
		c.mu.Unlock()
		c.notify.Unlock()
		c.log.Debug().Msg("No waiting update to apply")
		return false
	}
	inst := c.pending
	c.pending = nil
	c.state = StateActivating
	// finish waits for notify, so it cannot overtake this notification
	c.timer = time.AfterFunc(c.timeout, func() {
		c.log.Warn().Dur("timeout", c.timeout).Msg("No controller change, assuming update applied")
		c.finish()
	})
	c.mu.Unlock()
	c.changes.send(StateActivating)
	c.notify.Unlock()

	if err := inst.PostMessage(Message{Type: MessageSkipWaiting}); err != nil {
		c.log.Warn().Err(err).Str("version", inst.Version).Msg("Could not send skip waiting")
	}
	c.log.Info().Str("version", inst.Version).Msg("Applying update")
	return true
}

func (c *Coordinator) onInstalled(ctx context.Context, inst *Instance, retry bool) {
	if waiting := c.client.Registration().Waiting(); waiting != nil && waiting == inst {
		c.toWaiting(waiting)
		return
	}
	if retry {
		// the waiting slot may be filled right after the state change
		go func() {
			runtime.Gosched()
			select {
			case c.recheck <- inst:
			case <-ctx.Done():
			}
		}()
		return
	}
	c.giveUp()
}

func (c *Coordinator) onControllerChange(inst *Instance) {
	c.mu.Lock()
	state, pending := c.state, c.pending
	c.mu.Unlock()
	if state == StateActivating {
		c.log.Info().Str("version", inst.Version).Msg("Controller changed")
		c.finish()
		return
	}
	c.log.Debug().Str("version", inst.Version).Msg("Controller changed without apply")
	// another version is still waiting
	if pending != nil && pending != inst {
		return
	}
	c.transition(StateActive)
}

// finish completes an apply. The controller change and the timeout may
// both get here; only the first one reloads, and a page reloads at most once.
func (c *Coordinator) finish() {
	c.stopTimer()
	c.transition(StateActive)
	if !c.reloaded.CompareAndSwap(false, true) {
		return
	}
	if c.reload != nil {
		c.log.Info().Msg("Reloading page")
		c.reload()
	}
}

func (c *Coordinator) toWaiting(inst *Instance) {
	c.notify.Lock()
	defer c.notify.Unlock()
	c.mu.Lock()
	if c.state == StateActivating || (c.state == StateWaiting && c.pending == inst) {
		c.mu.Unlock()
		return
	}
	c.pending = inst
	c.state = StateWaiting
	c.mu.Unlock()
	c.log.Info().Str("version", inst.Version).Msg("Update waiting")
	c.changes.send(StateWaiting)
}

// giveUp ends an install that will not reach waiting. An update staged
// before it is still waiting in the registration and is offered again.
func (c *Coordinator) giveUp() {
	c.mu.Lock()
	installing := c.state == StateInstalling
	c.mu.Unlock()
	if !installing {
		return
	}
	if waiting := c.client.Registration().Waiting(); waiting != nil {
		c.toWaiting(waiting)
		return
	}
	c.transition(StateActive)
}

func (c *Coordinator) transition(state State) {
	c.notify.Lock()
	defer c.notify.Unlock()
	c.mu.Lock()
	if c.state == state || (c.state == StateActivating && state != StateActive) {
		c.mu.Unlock()
		return
	}
	if state != StateWaiting {
		c.pending = nil
	}
	c.state = state
	c.mu.Unlock()
	c.log.Debug().Str("state", state.String()).Msg("Lifecycle state changed")
	c.changes.send(state)
}

func (c *Coordinator) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
