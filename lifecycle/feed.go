package lifecycle

import "sync"

// feed fans events out to subscribers, one channel each.
// Sends block until every live subscriber received the event, so
// per-subscriber ordering is preserved. Never send while holding a lock
// that a subscriber may need.
type feed[T any] struct {
	mu   sync.Mutex
	subs map[*subscription[T]]struct{}
}

type subscription[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (f *feed[T]) subscribe() (<-chan T, func()) {
	sub := &subscription[T]{
		ch:   make(chan T, 8),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[*subscription[T]]struct{})
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			f.mu.Lock()
			delete(f.subs, sub)
			f.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

func (f *feed[T]) send(v T) {
	f.mu.Lock()
	subs := make([]*subscription[T], 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		}
	}
}

func (f *feed[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
