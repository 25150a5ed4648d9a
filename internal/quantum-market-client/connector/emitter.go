package connector

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
)

const listenerBuffer = 16

type listener struct {
	name EventName
	sub  event.Subscription
}

// Emitter fans provider events out to registered handlers. Each handler runs
// on its own goroutine, so handlers for different events are not ordered
// relative to each other.
type Emitter struct {
	mu        sync.Mutex
	feeds     map[EventName]*event.Feed
	listeners map[ListenerID]listener
}

func NewEmitter() *Emitter {
	return &Emitter{
		feeds:     make(map[EventName]*event.Feed),
		listeners: make(map[ListenerID]listener),
	}
}

func (e *Emitter) feed(name EventName) *event.Feed {
	f, ok := e.feeds[name]
	if !ok {
		f = new(event.Feed)
		e.feeds[name] = f
	}
	return f
}

func (e *Emitter) On(name EventName, handler Handler) ListenerID {
	ch := make(chan Event, listenerBuffer)

	e.mu.Lock()
	sub := e.feed(name).Subscribe(ch)
	id := ListenerID(uuid.NewString())
	e.listeners[id] = listener{name: name, sub: sub}
	e.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-ch:
				handler(ev)
			case <-sub.Err():
				return
			}
		}
	}()

	return id
}

// RemoveListener is a no-op for unknown ids or a mismatched event name.
func (e *Emitter) RemoveListener(name EventName, id ListenerID) {
	e.mu.Lock()
	l, ok := e.listeners[id]
	if !ok || l.name != name {
		e.mu.Unlock()
		return
	}
	delete(e.listeners, id)
	e.mu.Unlock()

	l.sub.Unsubscribe()
}

// Emit delivers ev to every listener of ev.Name and reports how many got it.
func (e *Emitter) Emit(ev Event) int {
	e.mu.Lock()
	f := e.feed(ev.Name)
	e.mu.Unlock()
	return f.Send(ev)
}

// ListenerCount reports live registrations for name.
func (e *Emitter) ListenerCount(name EventName) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, l := range e.listeners {
		if l.name == name {
			n++
		}
	}
	return n
}

// RemoveAll drops every registration.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	ls := e.listeners
	e.listeners = make(map[ListenerID]listener)
	e.mu.Unlock()

	for _, l := range ls {
		l.sub.Unsubscribe()
	}
}
