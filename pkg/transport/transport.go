// Package transport owns the realtime connection to the chat server: a
// WebSocket dial with a token auth exchange, plus the small read/write
// surface the session manager works against.
//
// Handshake (mirrors the server's WebSocket API):
//
//  1. Server sends {"type": "auth.required"} after the upgrade.
//  2. Client replies {"type": "auth", "token": "<opaque credential>"}.
//  3. Server answers {"type": "auth.ok"} or {"type": "auth.invalid"}.
//
// An auth.invalid answer (or an "unknown session" close) surfaces as
// ErrAuthRejected so the session manager can fail fast instead of retrying.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sandeshapp/sandesh/pkg/log"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// ErrAuthRejected indicates the server refused the credential. Never retried.
var ErrAuthRejected = errors.New("transport: credential rejected")

// Transport is one live connection. ReadEnvelope blocks until a frame
// arrives or the connection dies. Implementations allow one concurrent
// reader; WriteCommand must be safe for concurrent use.
type Transport interface {
	ReadEnvelope() (wire.Envelope, error)
	WriteCommand(v any) error
	Close() error
}

// Dialer establishes transports. The session manager depends on this
// interface so tests can substitute an in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Transport, error)
}

// handshakeMessage covers every frame exchanged during the auth phase.
type handshakeMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// WSDialer dials gorilla WebSocket connections and runs the auth exchange.
type WSDialer struct {
	// HandshakeTimeout bounds both the upgrade and each auth-phase read.
	HandshakeTimeout time.Duration

	logger *log.Logger
}

// NewWSDialer returns a dialer with the given handshake timeout. Zero or
// negative means 15 seconds.
func NewWSDialer(handshakeTimeout time.Duration) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	return &WSDialer{
		HandshakeTimeout: handshakeTimeout,
		logger:           log.ForComponent("transport"),
	}
}

// Dial connects, authenticates and returns a live transport. The token is
// treated as opaque and passed unmodified.
func (d *WSDialer) Dial(ctx context.Context, rawURL, token string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid websocket URL %q", rawURL)
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial failed: %w", err)
	}

	if err := d.authenticate(conn, token); err != nil {
		_ = conn.Close()
		return nil, err
	}

	d.logger.Debugf("connected to %s", u.Host)
	return &wsConn{conn: conn}, nil
}

func (d *WSDialer) authenticate(conn *websocket.Conn, token string) error {
	if err := conn.SetReadDeadline(time.Now().Add(d.HandshakeTimeout)); err != nil {
		d.logger.Warnf("set read deadline: %v", err)
	}

	var m handshakeMessage
	if err := conn.ReadJSON(&m); err != nil {
		return fmt.Errorf("transport: reading auth.required: %w", err)
	}
	if m.Type != "auth.required" {
		return fmt.Errorf("transport: expected auth.required, got %q", m.Type)
	}

	if err := conn.WriteJSON(handshakeMessage{Type: "auth", Token: token}); err != nil {
		return fmt.Errorf("transport: send auth failed: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(d.HandshakeTimeout)); err != nil {
		d.logger.Warnf("set read deadline: %v", err)
	}
	if err := conn.ReadJSON(&m); err != nil {
		return fmt.Errorf("transport: reading auth response: %w", err)
	}

	switch m.Type {
	case "auth.ok":
	case "auth.invalid":
		return ErrAuthRejected
	default:
		return fmt.Errorf("transport: unexpected auth phase message %q", m.Type)
	}

	// Frames after auth have no deadline; the session manager decides when
	// to tear the connection down.
	return conn.SetReadDeadline(time.Time{})
}

// wsConn adapts *websocket.Conn to the Transport interface. gorilla
// connections support only one writer at a time, so writes serialize on a
// mutex.
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *wsConn) ReadEnvelope() (wire.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if isSessionRejection(err) {
			return wire.Envelope{}, ErrAuthRejected
		}
		return wire.Envelope{}, fmt.Errorf("transport: read frame: %w", err)
	}
	return wire.ParseEnvelope(data)
}

func (c *wsConn) WriteCommand(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("transport: write command: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// isSessionRejection classifies close frames the server uses to signal an
// invalidated session (token revoked mid-connection).
func isSessionRejection(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.ClosePolicyViolation ||
			closeErr.Text == "unknown session"
	}
	return false
}
