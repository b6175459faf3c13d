package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

var upgrader = websocket.Upgrader{}

// newAuthServer runs the server side of the handshake: demands auth, checks
// the token against want, then hands the connection to serve (if non-nil).
func newAuthServer(t *testing.T, want string, serve func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		if err := conn.WriteJSON(map[string]string{"type": "auth.required"}); err != nil {
			return
		}
		var m handshakeMessage
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		if m.Type != "auth" || m.Token != want {
			_ = conn.WriteJSON(map[string]string{"type": "auth.invalid"})
			return
		}
		if err := conn.WriteJSON(map[string]string{"type": "auth.ok"}); err != nil {
			return
		}
		if serve != nil {
			serve(conn)
		}
	}))
}

func wsURL(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

func TestDialAuthOK(t *testing.T) {
	sentAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ts := newAuthServer(t, "good-token", func(conn *websocket.Conn) {
		_ = conn.WriteJSON(wire.Envelope{
			Event:    wire.EventMessageReceived,
			SenderID: "7",
			Message: &wire.Message{
				ID:       "101",
				SenderID: "7",
				Body:     "namaste",
				SentAt:   sentAt,
			},
		})
	})
	defer ts.Close()

	d := NewWSDialer(5 * time.Second)
	tr, err := d.Dial(context.Background(), wsURL(t, ts), "good-token")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = tr.Close() }()

	env, err := tr.ReadEnvelope()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if env.Event != wire.EventMessageReceived {
		t.Errorf("expected message.received, got %s", env.Event)
	}
	if env.Message == nil || env.Message.Body != "namaste" {
		t.Errorf("unexpected payload: %+v", env.Message)
	}
	if got := env.Key(); got != wire.DirectKey("7") {
		t.Errorf("expected key direct:7, got %s", got)
	}
}

func TestReadEnvelopeMalformedFrameKeepsConnection(t *testing.T) {
	ts := newAuthServer(t, "tok", func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteJSON(wire.Envelope{
			Event:    wire.EventMessageReceived,
			SenderID: "7",
			Message:  &wire.Message{ID: "101", SenderID: "7", Body: "still here"},
		})
	})
	defer ts.Close()

	d := NewWSDialer(5 * time.Second)
	tr, err := d.Dial(context.Background(), wsURL(t, ts), "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = tr.Close() }()

	_, err = tr.ReadEnvelope()
	if !errors.Is(err, wire.ErrMalformed) {
		t.Fatalf("expected ErrMalformed for undecodable frame, got %v", err)
	}
	if errors.Is(err, ErrAuthRejected) {
		t.Fatal("decode failure must not classify as auth rejection")
	}

	env, err := tr.ReadEnvelope()
	if err != nil {
		t.Fatalf("connection should survive a bad frame, got %v", err)
	}
	if env.Message == nil || env.Message.ID != "101" {
		t.Errorf("unexpected envelope after bad frame: %+v", env)
	}
}

func TestWriteCommandConcurrent(t *testing.T) {
	const writers, perWriter = 8, 25

	received := make(chan struct{}, writers*perWriter)
	ts := newAuthServer(t, "tok", func(conn *websocket.Conn) {
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			received <- struct{}{}
		}
	})
	defer ts.Close()

	d := NewWSDialer(5 * time.Second)
	tr, err := d.Dial(context.Background(), wsURL(t, ts), "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = tr.Close() }()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := tr.WriteCommand(map[string]int{"writer": w, "seq": i}); err != nil {
					t.Errorf("write command: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	for i := 0; i < writers*perWriter; i++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatalf("server received only %d of %d commands", i, writers*perWriter)
		}
	}
}

func TestDialAuthRejected(t *testing.T) {
	ts := newAuthServer(t, "good-token", nil)
	defer ts.Close()

	d := NewWSDialer(5 * time.Second)
	_, err := d.Dial(context.Background(), wsURL(t, ts), "bad-token")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestDialInvalidURL(t *testing.T) {
	d := NewWSDialer(time.Second)
	if _, err := d.Dial(context.Background(), "http://not-a-ws", "t"); err == nil {
		t.Fatal("expected error for non-ws scheme")
	}
}

func TestWriteCommand(t *testing.T) {
	got := make(chan map[string]any, 1)
	ts := newAuthServer(t, "tok", func(conn *websocket.Conn) {
		var m map[string]any
		if err := conn.ReadJSON(&m); err == nil {
			got <- m
		}
	})
	defer ts.Close()

	d := NewWSDialer(5 * time.Second)
	tr, err := d.Dial(context.Background(), wsURL(t, ts), "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.WriteCommand(map[string]string{"command": "message.read", "message_id": "101"}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	select {
	case m := <-got:
		if m["command"] != "message.read" {
			t.Errorf("unexpected command payload: %v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the command")
	}
}
