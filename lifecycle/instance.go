package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRedundant is returned when talking to an instance that was discarded.
var ErrRedundant = errors.New("worker instance is redundant")

// closeTimeout bounds how long a redundant instance may keep settling its work.
const closeTimeout = 30 * time.Second

// Instance is one installed (or installing) version of a worker script.
type Instance struct {
	ID      string
	Version string

	ctx    context.Context
	script Script
	reg    *Registration
	log    zerolog.Logger

	mu          sync.Mutex
	state       WorkerState
	skipWaiting bool

	changes    feed[WorkerState]
	mailbox    chan Message
	done       chan struct{}
	retireOnce sync.Once
}

func newInstance(ctx context.Context, reg *Registration, version string, script Script) *Instance {
	id := uuid.NewString()
	inst := &Instance{
		ID:      id,
		Version: version,
		ctx:     ctx,
		script:  script,
		reg:     reg,
		log: reg.log.With().
			Str("instance", id).
			Str("version", version).
			Logger(),
		mailbox: make(chan Message, 16),
		done:    make(chan struct{}),
	}
	go inst.serveMessages()
	return inst
}

// State returns the current platform state of the instance.
func (i *Instance) State() WorkerState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// StateChanges subscribes to state transitions of the instance.
// Call the returned func to unsubscribe.
func (i *Instance) StateChanges() (<-chan WorkerState, func()) {
	return i.changes.subscribe()
}

// PostMessage queues a message for the instance's message handler.
// There is no reply; effects are observed through lifecycle events.
func (i *Instance) PostMessage(msg Message) error {
	select {
	case <-i.done:
		return ErrRedundant
	default:
	}
	select {
	case i.mailbox <- msg:
		return nil
	case <-i.done:
		return ErrRedundant
	}
}

func (i *Instance) setState(state WorkerState) bool {
	i.mu.Lock()
	if i.state == WorkerRedundant || i.state == state {
		i.mu.Unlock()
		return false
	}
	i.state = state
	i.mu.Unlock()
	i.log.Debug().Str("state", state.String()).Msg("Worker state changed")
	i.changes.send(state)
	return true
}

func (i *Instance) markSkipWaiting() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.skipWaiting = true
}

func (i *Instance) skipsWaiting() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.skipWaiting
}

// retire makes the instance redundant and lets its pending work settle.
func (i *Instance) retire() {
	i.retireOnce.Do(func() {
		i.setState(WorkerRedundant)
		close(i.done)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := i.script.Close(ctx); err != nil {
				i.log.Warn().Err(err).Msg("Redundant worker did not settle")
			}
		}()
	})
}

func (i *Instance) serveMessages() {
	for {
		select {
		case msg := <-i.mailbox:
			i.log.Trace().Str("type", msg.Type).Msg("Delivering message")
			i.script.HandleMessage(i.ctx, i.global(), msg)
		case <-i.done:
			return
		}
	}
}

func (i *Instance) global() Global {
	return instanceGlobal{inst: i}
}

type instanceGlobal struct {
	inst *Instance
}

func (g instanceGlobal) SkipWaiting() {
	g.inst.reg.skipWaiting(g.inst)
}

func (g instanceGlobal) Claim(ctx context.Context) error {
	return g.inst.reg.claim(g.inst)
}
