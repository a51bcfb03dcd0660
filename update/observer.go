// Package update exposes a pending worker version to the page and lets
// the user apply it.
package update

import (
	"sync"

	"github.com/always-cache/offline-cache/lifecycle"

	"github.com/rs/zerolog"
)

// Observer turns the lifecycle state of a page into an "update ready" signal.
type Observer struct {
	coord *lifecycle.Coordinator
	log   zerolog.Logger
}

func NewObserver(coord *lifecycle.Coordinator, logger *zerolog.Logger) *Observer {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Observer{
		coord: coord,
		log: l.With().
			Str("component", "update-observer").
			Logger(),
	}
}

// Ready reports whether a new version is waiting to be applied.
func (o *Observer) Ready() bool {
	return o.coord.State() == lifecycle.StateWaiting
}

// Subscribe yields the current value of Ready, then every change of it.
// The channel is closed after the returned func is called; the func may be
// called more than once and returns once the subscription is released.
func (o *Observer) Subscribe() (<-chan bool, func()) {
	states, unsubscribe := o.coord.Changes()
	out := make(chan bool)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		defer unsubscribe()

		ready := o.Ready()
		var (
			sent bool
			last bool
		)
		for {
			var send chan bool
			if !sent || ready != last {
				send = out
			}
			select {
			case send <- ready:
				sent, last = true, ready
			case state := <-states:
				ready = state == lifecycle.StateWaiting
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(stop) })
		<-done
	}
	return out, cancel
}

// Apply asks the waiting version to take over. It returns false if no
// update is waiting.
func (o *Observer) Apply() bool {
	applied := o.coord.Apply()
	if applied {
		o.log.Info().Msg("Update applied")
	}
	return applied
}
