package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes direct threads from group threads.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// ConversationKey uniquely identifies an open conversation. Direct threads
// are keyed by the peer user identifier, group threads by the group
// identifier. The pair is the registry map key; no pointer identity is used
// anywhere.
type ConversationKey struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (k ConversationKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Zero reports whether the key is unset.
func (k ConversationKey) Zero() bool {
	return k.Kind == "" || k.ID == ""
}

// DirectKey builds the key for a peer-to-peer thread.
func DirectKey(peerID string) ConversationKey {
	return ConversationKey{Kind: KindDirect, ID: peerID}
}

// GroupKey builds the key for a group thread.
func GroupKey(groupID string) ConversationKey {
	return ConversationKey{Kind: KindGroup, ID: groupID}
}

// ParseKey parses the "kind:id" form produced by String.
func ParseKey(s string) (ConversationKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	switch Kind(parts[0]) {
	case KindDirect, KindGroup:
		return ConversationKey{Kind: Kind(parts[0]), ID: parts[1]}, nil
	}
	return ConversationKey{}, fmt.Errorf("invalid conversation kind %q", parts[0])
}

// Attachment describes one file attached to a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	MIME string `json:"mime_type"`
}

// Message is a single chat message as carried on the wire and kept in
// stores. ID is server-assigned; optimistic sends travel under a
// locally-generated temporary identifier until the ack arrives. ReadAt nil
// means unread. Messages are never mutated after merge except for the read
// timestamp and the soft-delete flag.
type Message struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"sender_id"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	SentAt      time.Time    `json:"sent_at"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`
	Deleted     bool         `json:"deleted,omitempty"`
}

// Before reports whether m sorts before other under the store ordering:
// non-decreasing send timestamp with the identifier as a stable tie-break.
func (m Message) Before(other Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return m.ID < other.ID
}

// Envelope is the canonical inbound frame. Event is required; the
// conversation key is either explicit or resolvable from the sender or
// group identifier. TempID is set on send acks so the client can reconcile
// an optimistic message with its authoritative counterpart.
type Envelope struct {
	Event    EventName `json:"event"`
	Kind     Kind      `json:"kind,omitempty"`
	ConvID   string    `json:"conversation_id,omitempty"`
	SenderID string    `json:"sender_id,omitempty"`
	GroupID  string    `json:"group_id,omitempty"`
	TempID   string    `json:"temp_id,omitempty"`
	Message  *Message  `json:"message,omitempty"`

	// MessageID is set on read and delete notifications that carry no full
	// message payload.
	MessageID string     `json:"message_id,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`

	// State is set only on local conn.state notifications.
	State string `json:"state,omitempty"`
}

// ErrUnknownEvent is returned for frames whose event name is outside the
// vocabulary. Callers drop these with a warning instead of failing the
// connection.
var ErrUnknownEvent = errors.New("wire: unknown event")

// ErrMalformed is returned for frames that do not decode into an envelope
// or lack the required event field. Like unknown events these are dropped
// with a warning; one bad frame must not cost the connection.
var ErrMalformed = errors.New("wire: malformed envelope")

// ParseEnvelope decodes and validates one inbound frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	if !env.Event.Known() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}

// Key resolves the conversation this envelope belongs to. Explicit keys win;
// otherwise group events resolve through the group identifier and direct
// events through the sender. A zero key means the envelope addresses no
// particular conversation (e.g. group directory events without an id).
func (e Envelope) Key() ConversationKey {
	if e.ConvID != "" {
		kind := e.Kind
		if kind == "" {
			kind = KindDirect
			if e.Event.Group() {
				kind = KindGroup
			}
		}
		return ConversationKey{Kind: kind, ID: e.ConvID}
	}
	if e.Event.Group() {
		if e.GroupID != "" {
			return GroupKey(e.GroupID)
		}
		return ConversationKey{}
	}
	if e.SenderID != "" {
		return DirectKey(e.SenderID)
	}
	return ConversationKey{}
}
