// Package event provides an in-process subscription registry that decouples
// frame arrival from application event handling. Listeners for an event name
// run in registration order; a failing listener never blocks the rest.
package event

import (
	"log/slog"
	"sync"
)

// Listener handles an emitted event payload
type Listener func(payload any)

type entry struct {
	id int64
	fn Listener
}

// Registry maps logical event names to ordered listener sets. Safe for
// concurrent use; Emit iterates over a snapshot so listeners may subscribe
// or unsubscribe from within a callback.
type Registry struct {
	mu        sync.Mutex
	listeners map[string][]entry
	nextID    int64
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. The logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		listeners: make(map[string][]entry),
		logger:    logger,
	}
}

// On registers a listener for an event name and returns its unsubscribe
// function. Unsubscribe is idempotent and safe to call from within a
// listener callback.
func (r *Registry) On(event string, fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.listeners[event] = append(r.listeners[event], entry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			r.remove(event, id)
		})
	}
}

func (r *Registry) remove(event string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.listeners[event]
	for i, e := range entries {
		if e.id == id {
			r.listeners[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.listeners[event]) == 0 {
		delete(r.listeners, event)
	}
}

// Emit invokes every listener currently registered for the event, in
// registration order. A panic in listener i is recovered and logged so that
// listener i+1 still runs.
func (r *Registry) Emit(event string, payload any) {
	r.mu.Lock()
	entries := r.listeners[event]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		r.invoke(event, e, payload)
	}
}

func (r *Registry) invoke(event string, e entry, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event listener panicked",
				"event", event, "listener_id", e.id, "panic", rec)
		}
	}()
	e.fn(payload)
}

// ListenerCount returns the number of listeners registered for an event
func (r *Registry) ListenerCount(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[event])
}
