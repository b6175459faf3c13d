// Package conversation gates which conversations are open at once and
// routes inbound events into the right message store.
//
// The open set is a map keyed by (kind, identifier); the map is the single
// source of truth for "is this open", so a double-click style re-open can
// never produce a second window or a second set of subscriptions. The
// capacity limit is a design invariant, not configuration: at most two
// conversations may be open, and opening a third is rejected with
// ErrCapacityExceeded while the existing two stay untouched.
package conversation

import (
	"errors"
	"sync"

	"github.com/sandeshapp/sandesh/pkg/log"
	"github.com/sandeshapp/sandesh/pkg/router"
	"github.com/sandeshapp/sandesh/pkg/store"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// MaxOpen is the fixed limit on concurrently open conversations.
const MaxOpen = 2

// ErrCapacityExceeded is returned when opening a third distinct
// conversation. Callers present this to the user; nothing is auto-evicted.
var ErrCapacityExceeded = errors.New("conversation: open limit reached")

// Descriptor identifies a conversation to open plus its display fields.
type Descriptor struct {
	Kind        wire.Kind
	ID          string
	DisplayName string
	// AvatarURL may be empty.
	AvatarURL string
}

// Key returns the registry key for this descriptor.
func (d Descriptor) Key() wire.ConversationKey {
	return wire.ConversationKey{Kind: d.Kind, ID: d.ID}
}

// Handle is an open conversation: the descriptor plus its message store.
// Handles are returned by Open and stay valid until Close.
type Handle struct {
	Descriptor
	Store *store.Store

	subs []subscription
}

type subscription struct {
	event wire.EventName
	id    uint64
}

// Registry tracks the bounded open set. All mutations go through one
// mutex; registration and lookup races are correctness-critical (duplicate
// windows, missed unsubscribes), so the map is never touched without it.
type Registry struct {
	mu   sync.Mutex
	open map[wire.ConversationKey]*Handle

	router   *router.Router
	storeOpt store.Options
	logger   *log.Logger
}

// NewRegistry creates an empty registry that wires new stores into r.
func NewRegistry(r *router.Router, storeOpt store.Options) *Registry {
	return &Registry{
		open:     make(map[wire.ConversationKey]*Handle),
		router:   r,
		storeOpt: storeOpt,
		logger:   log.ForComponent("conversation"),
	}
}

// Open admits a conversation. Re-opening an already-open key returns the
// existing handle (idempotent, no error). A third distinct conversation is
// rejected with ErrCapacityExceeded.
func (r *Registry) Open(d Descriptor) (*Handle, error) {
	key := d.Key()
	if key.Zero() {
		return nil, errors.New("conversation: descriptor missing kind or id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.open[key]; ok {
		return h, nil
	}
	if len(r.open) >= MaxOpen {
		return nil, ErrCapacityExceeded
	}

	h := &Handle{
		Descriptor: d,
		Store:      store.New(key, r.storeOpt),
	}
	r.attachLocked(h)
	r.open[key] = h
	r.logger.Debugf("opened %s (%d/%d)", key, len(r.open), MaxOpen)
	return h, nil
}

// Close detaches the conversation's event subscriptions and discards its
// store. Closing an unknown key is a no-op; nothing server-side is touched.
func (r *Registry) Close(key wire.ConversationKey) {
	r.mu.Lock()
	h, ok := r.open[key]
	if ok {
		delete(r.open, key)
		for _, sub := range h.subs {
			r.router.Unsubscribe(sub.event, sub.id)
		}
	}
	r.mu.Unlock()

	if ok {
		h.Store.Close()
		r.logger.Debugf("closed %s", key)
	}
}

// Get returns the handle for an open conversation.
func (r *Registry) Get(key wire.ConversationKey) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.open[key]
	return h, ok
}

// Len returns the number of open conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Keys returns the open conversation keys.
func (r *Registry) Keys() []wire.ConversationKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]wire.ConversationKey, 0, len(r.open))
	for k := range r.open {
		keys = append(keys, k)
	}
	return keys
}

// CloseAll closes every open conversation (logout path).
func (r *Registry) CloseAll() {
	for _, key := range r.Keys() {
		r.Close(key)
	}
}

// attachLocked subscribes the handle's store to the events it consumes,
// filtered by conversation key. The subscriptions are recorded on the
// handle so Close can detach them precisely.
func (r *Registry) attachLocked(h *Handle) {
	key := h.Key()
	st := h.Store

	match := func(fn func(wire.Envelope)) router.Handler {
		return func(env wire.Envelope) {
			if env.Key() != key {
				return
			}
			fn(env)
		}
	}

	sub := func(event wire.EventName, fn router.Handler) {
		id := r.router.Subscribe(event, fn)
		h.subs = append(h.subs, subscription{event: event, id: id})
	}

	onMessage := match(func(env wire.Envelope) {
		if env.Message == nil || env.Message.ID == "" {
			r.logger.Warnf("discarding malformed %s for %s", env.Event, key)
			return
		}
		st.Merge(*env.Message)
	})
	sub(wire.EventMessageReceived, onMessage)
	sub(wire.EventGroupMessageReceived, onMessage)

	onAck := match(func(env wire.Envelope) {
		if env.Message == nil || env.Message.ID == "" {
			r.logger.Warnf("discarding malformed ack for %s", key)
			return
		}
		if env.TempID == "" {
			st.Merge(*env.Message)
			return
		}
		st.Reconcile(env.TempID, *env.Message)
	})
	sub(wire.EventMessageSentAck, onAck)

	onRead := match(func(env wire.Envelope) {
		if env.MessageID == "" {
			return
		}
		st.ApplyRead(env.MessageID, env.ReadAt)
	})
	sub(wire.EventMessageRead, onRead)
	sub(wire.EventGroupMessageRead, onRead)

	onDelete := match(func(env wire.Envelope) {
		if env.MessageID == "" {
			return
		}
		st.ApplyDelete(env.MessageID)
	})
	sub(wire.EventMessageDeleted, onDelete)
	sub(wire.EventGroupMessageDeleted, onDelete)

	sub(wire.EventTypingStart, match(func(wire.Envelope) { st.SetTyping(true) }))
	sub(wire.EventTypingStop, match(func(wire.Envelope) { st.SetTyping(false) }))

	// Group deletion ends the thread: freeze the store so nothing further
	// applies. The UI decides when to drop the window.
	if key.Kind == wire.KindGroup {
		sub(wire.EventGroupDeleted, match(func(wire.Envelope) {
			r.logger.Infof("group %s deleted by server", key.ID)
			st.SetTyping(false)
		}))
	}
}
