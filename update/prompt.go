package update

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	// ErrDismissed is returned when the user declined the update.
	ErrDismissed = errors.New("update installation was cancelled")
	// ErrNoUpdate is returned when no update is waiting.
	ErrNoUpdate = errors.New("no update is waiting")
	// ErrAlreadyApplied is returned when the update was applied before.
	ErrAlreadyApplied = errors.New("update was already applied")
)

type PromptState int

const (
	PromptHidden PromptState = iota
	PromptVisible
	PromptApplying
	PromptDismissed
)

func (s PromptState) String() string {
	switch s {
	case PromptHidden:
		return "hidden"
	case PromptVisible:
		return "visible"
	case PromptApplying:
		return "applying"
	case PromptDismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Prompt offers a waiting update to the user. It is shown while an update
// is ready and applies it at most once.
type Prompt struct {
	observer *Observer
	log      zerolog.Logger

	mu    sync.Mutex
	state PromptState

	applied atomic.Bool
	cancel  func()
	done    chan struct{}
	once    sync.Once
}

// NewPrompt starts following the observer. Call Close or Dismiss to stop.
func NewPrompt(observer *Observer, logger *zerolog.Logger) *Prompt {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	ready, cancel := observer.Subscribe()
	p := &Prompt{
		observer: observer,
		log: l.With().
			Str("component", "update-prompt").
			Logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.follow(ready)
	return p
}

func (p *Prompt) follow(ready <-chan bool) {
	defer close(p.done)
	for r := range ready {
		p.mu.Lock()
		switch {
		case r && p.state == PromptHidden:
			p.state = PromptVisible
			p.log.Info().Msg("New version available")
		case !r && p.state == PromptVisible:
			p.state = PromptHidden
		}
		p.mu.Unlock()
	}
}

func (p *Prompt) State() PromptState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Accept applies the waiting update. Only the first accepted call applies;
// the page reload that follows is left to the coordinator.
func (p *Prompt) Accept() error {
	p.mu.Lock()
	switch p.state {
	case PromptDismissed:
		p.mu.Unlock()
		return ErrDismissed
	case PromptHidden:
		p.mu.Unlock()
		return ErrNoUpdate
	case PromptApplying:
		p.mu.Unlock()
		return ErrAlreadyApplied
	}
	if !p.applied.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return ErrAlreadyApplied
	}
	p.state = PromptApplying
	p.mu.Unlock()

	if !p.observer.Apply() {
		p.mu.Lock()
		p.state = PromptHidden
		p.applied.Store(false)
		p.mu.Unlock()
		return ErrNoUpdate
	}
	return nil
}

// Dismiss hides the prompt for good and releases its subscription.
// An update already being applied is not cancelled.
func (p *Prompt) Dismiss() {
	p.mu.Lock()
	if p.state != PromptApplying {
		p.state = PromptDismissed
	}
	p.mu.Unlock()
	p.Close()
}

// Close releases the subscription and waits for the prompt to stop.
// It may be called more than once.
func (p *Prompt) Close() {
	p.once.Do(p.cancel)
	<-p.done
}
