// Package session owns the lifetime of the realtime connection: one live
// transport per valid credential, a connect/reconnect/disconnect state
// machine and a queue of outbound commands that survives disconnects.
//
// State machine:
//
//	Idle -> Connecting -> Connected -> Disconnected ->
//	        (Reconnecting -> Connected | Failed)
//
// Reconnection is bounded: after MaxAttempts failed dials the session
// parks in Failed and only an explicit Connect recovers it. Errors
// classified as authentication failures are never retried; they go straight
// to Failed so a revoked credential cannot cause a retry storm.
//
// Every state transition is published through the router as a conn.state
// event, so the UI can render a connectivity indicator without polling.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sandeshapp/sandesh/pkg/log"
	"github.com/sandeshapp/sandesh/pkg/router"
	"github.com/sandeshapp/sandesh/pkg/transport"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrAuthFailed indicates the server rejected the credential. The session
// is in StateFailed and the application must re-authenticate; Connect with
// a fresh credential is the only way out.
var ErrAuthFailed = errors.New("session: authentication failed")

// maxPendingCommands bounds the retry-on-reconnect queue. Oldest entries
// are dropped (with a warning) beyond this.
const maxPendingCommands = 256

// Options tunes the session manager. The bounded-retry policy is fixed;
// only its thresholds vary.
type Options struct {
	URL          string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	DialTimeout  time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
}

// Manager is the connection manager. It is owned by the application root;
// there is no process-wide singleton, which keeps multi-session testing
// possible.
type Manager struct {
	mu         sync.Mutex
	state      State
	credential string
	attempts   int
	conn       transport.Transport
	cancel     context.CancelFunc
	gen        uint64 // connection generation; stale goroutines check it
	pending    []any

	dialer transport.Dialer
	router *router.Router
	opts   Options
	logger *log.Logger

	// notifications carries conn.state envelopes to a single drain
	// goroutine so subscribers observe transitions in order.
	notifications chan wire.Envelope
}

// New creates an idle session manager.
func New(dialer transport.Dialer, r *router.Router, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		state:         StateIdle,
		dialer:        dialer,
		router:        r,
		opts:          opts,
		logger:        log.ForComponent("session"),
		notifications: make(chan wire.Envelope, 64),
	}
	go m.notifyLoop()
	return m
}

// notifyLoop dispatches state notifications one at a time, in the order
// the transitions happened. Subscribers may call back into the manager.
func (m *Manager) notifyLoop() {
	for env := range m.notifications {
		m.router.Dispatch(env)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the dial attempt count of the current connect cycle.
// It resets to zero on a successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect establishes the transport with the given credential. It is a
// no-op when already connected (or connecting) with the same credential,
// and a logged no-op for an empty credential. The first dial happens
// synchronously: an auth rejection returns ErrAuthFailed immediately, a
// transport-level failure hands off to the background reconnect loop and
// returns nil.
func (m *Manager) Connect(credential string) error {
	if credential == "" {
		m.logger.Warnf("connect called with empty credential, ignoring")
		return nil
	}

	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		if credential == m.credential {
			m.mu.Unlock()
			return nil
		}
	}
	// Any previous cycle (live transport, reconnect goroutine, run
	// context) ends here; teardown bumps the generation so its leftovers
	// go stale immediately.
	m.teardownLocked()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	gen := m.gen
	m.credential = credential
	m.attempts = 1
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	conn, err := m.dial(ctx, credential)
	if err != nil {
		if errors.Is(err, transport.ErrAuthRejected) {
			m.failAuth(gen)
			return ErrAuthFailed
		}
		m.logger.Warnf("connect failed: %v", err)
		m.transition(gen, StateDisconnected)
		go m.reconnectLoop(ctx, gen, credential)
		return nil
	}

	m.adopt(gen, conn)
	go m.readLoop(ctx, gen, conn)
	return nil
}

// Disconnect tears down the transport, clears all router subscriptions and
// returns to Idle. Safe to call at any time, including when already Idle.
// Queued outbound commands are kept for retry on the next connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.credential = ""
	m.attempts = 0
	m.router.Clear()
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
}

// Publish sends an outbound command (send, read receipt) over the live
// transport. While disconnected the command is queued and replayed after
// the next successful connect; it is never silently dropped. A write error
// on a live transport is returned to the caller so optimistic state can be
// rolled back.
func (m *Manager) Publish(v any) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.queueLocked(v)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	return conn.WriteCommand(v)
}

// PendingCommands returns the number of queued outbound commands.
func (m *Manager) PendingCommands() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) queueLocked(v any) {
	if len(m.pending) >= maxPendingCommands {
		m.logger.Warnf("pending command queue full, dropping oldest")
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, v)
}

// dial runs one bounded connection attempt.
func (m *Manager) dial(ctx context.Context, credential string) (transport.Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	return m.dialer.Dial(dialCtx, m.opts.URL, credential)
}

// adopt installs a freshly dialed transport, flushes queued commands and
// only then publishes Connected. Publish keeps queueing until the flush is
// done, so the replay never races application writes and queued commands
// keep their order ahead of new ones.
func (m *Manager) adopt(gen uint64, conn transport.Transport) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0

	replayed := 0
	for len(m.pending) > 0 {
		queued := m.pending
		m.pending = nil
		m.mu.Unlock()

		for i, cmd := range queued {
			if err := conn.WriteCommand(cmd); err != nil {
				m.logger.Warnf("replaying queued command failed: %v", err)
				m.mu.Lock()
				m.pending = append(queued[i:], m.pending...)
				m.mu.Unlock()
				return
			}
			replayed++
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
	}
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	if replayed > 0 {
		m.logger.Infof("replayed %d queued commands", replayed)
	}
}

// readLoop pumps inbound envelopes into the router until the transport
// dies, then hands off to the reconnect loop.
func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transport.Transport) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if ctx.Err() != nil || m.stale(gen) {
				return
			}
			if errors.Is(err, transport.ErrAuthRejected) {
				m.logger.Errorf("session invalidated by server")
				m.failAuth(gen)
				return
			}
			// One bad frame on a healthy connection is not a lost
			// connection. Drop it and keep reading.
			if errors.Is(err, wire.ErrUnknownEvent) || errors.Is(err, wire.ErrMalformed) {
				m.logger.Warnf("dropping frame: %v", err)
				continue
			}
			m.logger.Warnf("connection lost: %v", err)
			m.dropConn(gen)
			m.transition(gen, StateDisconnected)
			go m.reconnectLoop(ctx, gen, m.currentCredential())
			return
		}
		m.router.Dispatch(env)
	}
}

// reconnectLoop retries dialing with capped exponential delay until it
// succeeds, exhausts the attempt ceiling, or hits an auth rejection.
func (m *Manager) reconnectLoop(ctx context.Context, gen uint64, credential string) {
	delay := m.opts.InitialDelay

	for {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.opts.MaxAttempts {
			m.logger.Errorf("giving up after %d attempts", m.attempts)
			m.setStateLocked(StateFailed)
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		m.setStateLocked(StateReconnecting)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := m.dial(ctx, credential)
		if err != nil {
			if errors.Is(err, transport.ErrAuthRejected) {
				m.failAuth(gen)
				return
			}
			m.logger.Warnf("reconnect attempt %d failed: %v", attempt, err)
			delay *= 2
			if delay > m.opts.MaxDelay {
				delay = m.opts.MaxDelay
			}
			continue
		}

		m.logger.Infof("reconnected after %d attempts", attempt)
		m.adopt(gen, conn)
		go m.readLoop(ctx, gen, conn)
		return
	}
}

func (m *Manager) currentCredential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// dropConn closes and forgets a dead transport so the reconnect cycle
// does not leak it. The run context stays alive for the reconnect loop.
func (m *Manager) dropConn(gen uint64) {
	m.mu.Lock()
	if gen == m.gen && m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *Manager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen
}

// failAuth parks the session in Failed and tears the transport down.
// Auth failures are terminal: no retry, explicit Connect required.
func (m *Manager) failAuth(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.router.Clear()
	m.setStateLocked(StateFailed)
	m.mu.Unlock()
}

// teardownLocked cancels the run context and closes the transport. Pending
// commands are deliberately preserved.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// transition moves to a state unless the generation went stale.
func (m *Manager) transition(gen uint64, to State) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(to)
	m.mu.Unlock()
}

// setStateLocked records the new state and queues the conn.state
// notification. Delivery happens off the lock via notifyLoop, preserving
// transition order. The indicator is best effort: if the buffer is full
// the notification is dropped with a warning rather than stalling the
// state machine.
func (m *Manager) setStateLocked(to State) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.logger.Debugf("state %s -> %s", from, to)

	env := wire.Envelope{Event: wire.EventConnState, State: to.String()}
	select {
	case m.notifications <- env:
	default:
		m.logger.Warnf("dropping %s notification, buffer full", to)
	}
}
