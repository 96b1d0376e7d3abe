package engine

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 64

type eventBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func (e *eventBus) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch
	}
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(ch)
	}()
	return ch
}

// remove closes ch unless closeAll already did.
func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
}

func (e *eventBus) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// receiver is slow
		}
	}
	e.mu.Unlock()
}

func (e *eventBus) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
