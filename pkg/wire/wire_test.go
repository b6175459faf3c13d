package wire

import (
	"errors"
	"testing"
	"time"
)

func TestParseEnvelopeValid(t *testing.T) {
	data := []byte(`{
		"event": "message.received",
		"kind": "direct",
		"sender_id": "7",
		"message": {"id": "101", "sender_id": "7", "body": "hi", "sent_at": "2026-03-01T10:00:00Z"}
	}`)
	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if env.Event != EventMessageReceived {
		t.Errorf("expected message.received, got %s", env.Event)
	}
	if env.Message == nil || env.Message.ID != "101" {
		t.Errorf("expected message payload, got %+v", env.Message)
	}
}

func TestParseEnvelopeUnknownEvent(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"event": "message.exploded"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestParseEnvelopeMissingEvent(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"sender_id": "7"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for missing event, got %v", err)
	}
}

func TestParseEnvelopeBadJSON(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"event":`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for undecodable frame, got %v", err)
	}
	// Decode failures and unknown events stay distinct classes.
	if errors.Is(err, ErrUnknownEvent) {
		t.Error("decode failure must not classify as unknown event")
	}
}

func TestEnvelopeKeyResolution(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		want ConversationKey
	}{
		{"explicit key wins", Envelope{Event: EventMessageReceived, Kind: KindDirect, ConvID: "7", SenderID: "other"}, DirectKey("7")},
		{"explicit id infers group kind", Envelope{Event: EventGroupMessageReceived, ConvID: "12"}, GroupKey("12")},
		{"group event uses group id", Envelope{Event: EventGroupMessageRead, GroupID: "12", SenderID: "7"}, GroupKey("12")},
		{"direct event uses sender", Envelope{Event: EventMessageReceived, SenderID: "7"}, DirectKey("7")},
		{"group directory event without id", Envelope{Event: EventGroupCreated}, ConversationKey{}},
		{"no addressing", Envelope{Event: EventConnState, State: "connected"}, ConversationKey{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.env.Key(); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	for _, key := range []ConversationKey{DirectKey("7"), GroupKey("city-12")} {
		parsed, err := ParseKey(key.String())
		if err != nil {
			t.Fatalf("parsing %q: %v", key.String(), err)
		}
		if parsed != key {
			t.Errorf("expected %v, got %v", key, parsed)
		}
	}
	for _, raw := range []string{"", "direct:", "room:5", "justkind"} {
		if _, err := ParseKey(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestMessageOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	earlier := Message{ID: "9", SentAt: base}
	later := Message{ID: "1", SentAt: base.Add(time.Second)}
	if !earlier.Before(later) {
		t.Error("expected timestamp to dominate ordering")
	}
	tieA := Message{ID: "a", SentAt: base}
	tieB := Message{ID: "b", SentAt: base}
	if !tieA.Before(tieB) || tieB.Before(tieA) {
		t.Error("expected identifier tie-break to be stable")
	}
}

func TestEventVocabulary(t *testing.T) {
	if !EventGroupMemberAdded.Known() || !EventTypingStop.Known() {
		t.Error("expected wire events to be known")
	}
	if EventConnState.Known() {
		t.Error("conn.state is local only, must not be accepted from the wire")
	}
	if !EventGroupMessageRead.Group() || EventMessageRead.Group() {
		t.Error("group classification wrong")
	}
}
