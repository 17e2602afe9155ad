package realtime

import "sync"

type listenerEntry[V any] struct {
	id   uint64
	fn   func(V)
	once bool
}

// eventEmitter is a registry of listeners keyed by event. Listeners are called
// synchronously by emit, in registration order, so a single emitting
// goroutine delivers events in exactly the order they were emitted.
type eventEmitter[E comparable, V any] struct {
	mu     sync.Mutex
	nextID uint64
	byKey  map[E][]listenerEntry[V]
	all    []listenerEntry[V]
}

func newEventEmitter[E comparable, V any]() *eventEmitter[E, V] {
	return &eventEmitter[E, V]{
		byKey: make(map[E][]listenerEntry[V]),
	}
}

// on registers fn for event and returns a function that removes it.
func (e *eventEmitter[E, V]) on(event E, fn func(V), once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.byKey[event] = append(e.byKey[event], listenerEntry[V]{id: id, fn: fn, once: once})
	return func() { e.remove(&event, id) }
}

// onAll registers fn for every event.
func (e *eventEmitter[E, V]) onAll(fn func(V), once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.all = append(e.all, listenerEntry[V]{id: id, fn: fn, once: once})
	return func() { e.remove(nil, id) }
}

func (e *eventEmitter[E, V]) remove(event *E, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if event == nil {
		e.all = without(e.all, id)
		return
	}
	list := without(e.byKey[*event], id)
	if len(list) == 0 {
		delete(e.byKey, *event)
		return
	}
	e.byKey[*event] = list
}

func without[V any](list []listenerEntry[V], id uint64) []listenerEntry[V] {
	out := list[:0:0]
	for _, l := range list {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// emit calls the listeners for event followed by the catch-all listeners.
func (e *eventEmitter[E, V]) emit(event E, v V) {
	e.mu.Lock()
	keyed := append([]listenerEntry[V](nil), e.byKey[event]...)
	all := append([]listenerEntry[V](nil), e.all...)
	for _, l := range keyed {
		if l.once {
			e.byKey[event] = without(e.byKey[event], l.id)
		}
	}
	if len(e.byKey[event]) == 0 {
		delete(e.byKey, event)
	}
	for _, l := range all {
		if l.once {
			e.all = without(e.all, l.id)
		}
	}
	e.mu.Unlock()

	for _, l := range keyed {
		l.fn(v)
	}
	for _, l := range all {
		l.fn(v)
	}
}

// offAll removes every listener.
func (e *eventEmitter[E, V]) offAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byKey = make(map[E][]listenerEntry[V])
	e.all = nil
}
