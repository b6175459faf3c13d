// Package router fans inbound realtime events out to registered handlers.
//
// The router is pure demultiplexing: it decodes nothing and applies no
// business rules. Handlers for the same event name run in registration
// order, and delivery order for one event name matches inbound arrival
// order because Dispatch is synchronous. A panicking handler is isolated:
// it is logged and the remaining handlers still run.
package router

import (
	"sync"

	"github.com/sandeshapp/sandesh/pkg/log"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// Handler receives one inbound envelope.
type Handler func(wire.Envelope)

type entry struct {
	id uint64
	fn Handler
}

// Router is the subscriber registry. It is safe for concurrent use; the
// session's read loop is the only dispatcher in practice, but subscriptions
// come and go from conversation open/close paths.
type Router struct {
	mu     sync.RWMutex
	subs   map[wire.EventName][]entry
	nextID uint64

	logger *log.Logger
}

// New creates an empty router.
func New() *Router {
	return &Router{
		subs:   make(map[wire.EventName][]entry),
		logger: log.ForComponent("router"),
	}
}

// Subscribe registers a handler for an event name and returns a
// subscription id for later removal. Multiple handlers per event are
// allowed and run in registration order.
func (r *Router) Subscribe(name wire.EventName, fn Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs[name] = append(r.subs[name], entry{id: r.nextID, fn: fn})
	return r.nextID
}

// Unsubscribe removes one handler. Unknown ids and names are ignored.
func (r *Router) Unsubscribe(name wire.EventName, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.subs[name]
	for i, e := range entries {
		if e.id == id {
			r.subs[name] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Clear drops every subscription. The session manager calls this on
// disconnect so stale handlers never outlive the transport.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[wire.EventName][]entry)
}

// Size returns the number of handlers registered for an event name.
func (r *Router) Size(name wire.EventName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[name])
}

// Dispatch delivers an envelope to every handler registered for its event
// name, in registration order. Handler panics are recovered and logged so
// one broken subscriber cannot break delivery or the read loop.
func (r *Router) Dispatch(env wire.Envelope) {
	r.mu.RLock()
	entries := make([]entry, len(r.subs[env.Event]))
	copy(entries, r.subs[env.Event])
	r.mu.RUnlock()

	for _, e := range entries {
		r.invoke(e, env)
	}
}

func (r *Router) invoke(e entry, env wire.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warnf("handler %d for %s panicked: %v", e.id, env.Event, rec)
		}
	}()
	e.fn(env)
}
