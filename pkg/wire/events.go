// Package wire defines the event vocabulary and payload types shared between
// the transport, the router and the stores.
//
// It is intentionally dependency-light: nothing here knows about WebSockets,
// sqlite or the CLI. The envelope is the canonical inbound frame; outbound
// commands are plain structs serialized by the transport.
package wire

// EventName identifies one inbound notification kind. Using a named string
// type keeps the router registry keyed by a closed vocabulary instead of ad
// hoc literals.
type EventName string

const (
	// Direct conversation events.
	EventMessageReceived EventName = "message.received"
	EventMessageSentAck  EventName = "message.sent.ack"
	EventMessageRead     EventName = "message.read"
	EventMessageDeleted  EventName = "message.deleted"

	// Group lifecycle and group conversation events.
	EventGroupCreated         EventName = "group.created"
	EventGroupMemberAdded     EventName = "group.member.added"
	EventGroupMemberRemoved   EventName = "group.member.removed"
	EventGroupMemberLeft      EventName = "group.member.left"
	EventGroupDeleted         EventName = "group.deleted"
	EventGroupMessageReceived EventName = "group.message.received"
	EventGroupMessageRead     EventName = "group.message.read"
	EventGroupMessageDeleted  EventName = "group.message.deleted"

	// Typing indicator events. Last write wins; no queueing.
	EventTypingStart EventName = "typing.start"
	EventTypingStop  EventName = "typing.stop"

	// EventConnState is published locally by the session manager on every
	// connection state transition. It never arrives over the wire.
	EventConnState EventName = "conn.state"
)

// knownEvents is the closed set accepted from the transport.
var knownEvents = map[EventName]bool{
	EventMessageReceived:      true,
	EventMessageSentAck:       true,
	EventMessageRead:          true,
	EventMessageDeleted:       true,
	EventGroupCreated:         true,
	EventGroupMemberAdded:     true,
	EventGroupMemberRemoved:   true,
	EventGroupMemberLeft:      true,
	EventGroupDeleted:         true,
	EventGroupMessageReceived: true,
	EventGroupMessageRead:     true,
	EventGroupMessageDeleted:  true,
	EventTypingStart:          true,
	EventTypingStop:           true,
}

// Known reports whether the event name belongs to the inbound vocabulary.
func (e EventName) Known() bool {
	return knownEvents[e]
}

// Group reports whether the event concerns a group conversation.
func (e EventName) Group() bool {
	switch e {
	case EventGroupCreated, EventGroupMemberAdded, EventGroupMemberRemoved,
		EventGroupMemberLeft, EventGroupDeleted, EventGroupMessageReceived,
		EventGroupMessageRead, EventGroupMessageDeleted:
		return true
	}
	return false
}
