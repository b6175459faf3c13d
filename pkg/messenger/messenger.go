// Package messenger is the assembled client: one session, one event
// router, one bounded conversation registry, plus the REST collaborators
// used for history pages and outbound sends. The CLI talks to this package
// and nothing below it.
package messenger

import (
	"context"
	"errors"
	"time"

	"github.com/sandeshapp/sandesh/pkg/archive"
	"github.com/sandeshapp/sandesh/pkg/conversation"
	"github.com/sandeshapp/sandesh/pkg/log"
	"github.com/sandeshapp/sandesh/pkg/router"
	"github.com/sandeshapp/sandesh/pkg/session"
	"github.com/sandeshapp/sandesh/pkg/store"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// ErrNotOpen is returned when an operation targets a conversation that is
// not in the open set.
var ErrNotOpen = errors.New("messenger: conversation not open")

// Page is one slice of conversation history plus the cursor for the next
// older slice. An empty NextCursor means the history is exhausted.
type Page struct {
	Messages   []wire.Message
	NextCursor string
}

// HistoryFetcher loads older history pages, newest page first.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, key wire.ConversationKey, cursor string, limit int) (Page, error)
}

// Sender delivers one outbound message and returns its authoritative
// server-side form (assigned id, server timestamp).
type Sender interface {
	Send(ctx context.Context, key wire.ConversationKey, body string, attachments []wire.Attachment) (wire.Message, error)
}

// command is the outbound frame for receipts and typing notifications.
// Message sends go through the Sender instead so the server response can
// reconcile the optimistic entry synchronously.
type command struct {
	Event     wire.EventName `json:"event"`
	Kind      wire.Kind      `json:"kind"`
	ConvID    string         `json:"conversation_id"`
	MessageID string         `json:"message_id,omitempty"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
}

// Options tunes the assembled client.
type Options struct {
	// SelfID is the local user identifier; own messages never count unread.
	SelfID string
	// PageSize is the history page size (default 50).
	PageSize int
	// AckTimeout bounds how long an optimistic send stays pending.
	AckTimeout time.Duration
	// TypingTTL is the typing indicator expiry.
	TypingTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
}

// Messenger owns the wiring between the session, the router, the registry
// and the archive. It is safe for concurrent use.
type Messenger struct {
	sess     *session.Manager
	router   *router.Router
	registry *conversation.Registry
	fetcher  HistoryFetcher
	sender   Sender
	arch     *archive.Archive
	opts     Options
	logger   *log.Logger
}

// New assembles a messenger. arch may be nil to disable the local archive;
// when set, the caller keeps ownership and closes it after Close.
func New(sess *session.Manager, r *router.Router, fetcher HistoryFetcher, sender Sender, arch *archive.Archive, opts Options) *Messenger {
	opts.applyDefaults()
	storeOpt := store.Options{
		SelfID:     opts.SelfID,
		AckTimeout: opts.AckTimeout,
		TypingTTL:  opts.TypingTTL,
	}
	return &Messenger{
		sess:     sess,
		router:   r,
		registry: conversation.NewRegistry(r, storeOpt),
		fetcher:  fetcher,
		sender:   sender,
		arch:     arch,
		opts:     opts,
		logger:   log.ForComponent("messenger"),
	}
}

// Router exposes the event router for extra subscriptions (connection
// state indicators, group lifecycle toasts).
func (m *Messenger) Router() *router.Router {
	return m.router
}

// Session exposes the connection manager.
func (m *Messenger) Session() *session.Manager {
	return m.sess
}

// Registry exposes the open-conversation set.
func (m *Messenger) Registry() *conversation.Registry {
	return m.registry
}

// Connect establishes the realtime session and attaches the background
// archive subscriptions. Call again after a Disconnect to re-attach them.
func (m *Messenger) Connect(credential string) error {
	if err := m.sess.Connect(credential); err != nil {
		return err
	}
	m.attachArchive()
	return nil
}

// Close tears down every open conversation and the realtime session.
// Disconnecting drops all router subscriptions, so open handles do not
// survive it.
func (m *Messenger) Close() {
	m.registry.CloseAll()
	m.sess.Disconnect()
}

// Open admits a conversation into the bounded open set. When the archive
// is enabled the store is warm-loaded with the most recent archived page so
// the thread renders before the first network fetch.
func (m *Messenger) Open(d conversation.Descriptor) (*conversation.Handle, error) {
	key := d.Key()
	_, known := m.registry.Get(key)
	h, err := m.registry.Open(d)
	if err != nil {
		return nil, err
	}
	if !known && m.arch != nil {
		msgs, err := m.arch.Recent(key, m.opts.PageSize)
		if err != nil {
			m.logger.Warnf("archive warm load for %s failed: %v", key, err)
		} else {
			for _, msg := range msgs {
				h.Store.Merge(msg)
			}
		}
	}
	return h, nil
}

// CloseConversation removes a conversation from the open set.
func (m *Messenger) CloseConversation(key wire.ConversationKey) {
	m.registry.Close(key)
}

// Send appends an optimistic message, delivers it and reconciles the
// temporary entry with the server's authoritative copy. On delivery failure
// the message is marked failed but stays visible for Retry. The temporary
// key is returned either way.
func (m *Messenger) Send(ctx context.Context, key wire.ConversationKey, body string, attachments []wire.Attachment) (string, error) {
	h, ok := m.registry.Get(key)
	if !ok {
		return "", ErrNotOpen
	}

	tempKey := h.Store.AppendLocal(body, attachments)
	msg, err := m.sender.Send(ctx, key, body, attachments)
	if err != nil {
		h.Store.FailSend(tempKey)
		return tempKey, err
	}
	h.Store.Reconcile(tempKey, msg)
	m.archiveSave(key, msg)
	return tempKey, nil
}

// Retry re-sends a previously failed optimistic message under its original
// temporary key, so a late ack from the first attempt still reconciles.
func (m *Messenger) Retry(ctx context.Context, key wire.ConversationKey, tempKey string) error {
	h, ok := m.registry.Get(key)
	if !ok {
		return ErrNotOpen
	}

	rec, err := h.Store.Retry(tempKey)
	if err != nil {
		return err
	}
	msg, err := m.sender.Send(ctx, key, rec.Body, rec.Attachments)
	if err != nil {
		h.Store.FailSend(tempKey)
		return err
	}
	h.Store.Reconcile(tempKey, msg)
	m.archiveSave(key, msg)
	return nil
}

// MarkRead marks a message read locally and publishes the receipt. If the
// receipt cannot be written to a live transport the local mark is rolled
// back; while disconnected the receipt is queued and the mark stands.
func (m *Messenger) MarkRead(key wire.ConversationKey, messageID string) error {
	h, ok := m.registry.Get(key)
	if !ok {
		return ErrNotOpen
	}

	now := time.Now()
	if err := h.Store.MarkReadLocal(messageID, now); err != nil {
		return err
	}

	event := wire.EventMessageRead
	if key.Kind == wire.KindGroup {
		event = wire.EventGroupMessageRead
	}
	if err := m.sess.Publish(command{
		Event:     event,
		Kind:      key.Kind,
		ConvID:    key.ID,
		MessageID: messageID,
		ReadAt:    &now,
	}); err != nil {
		h.Store.RollbackRead(messageID)
		return err
	}
	return nil
}

// SetTyping publishes a typing start or stop for the local user.
func (m *Messenger) SetTyping(key wire.ConversationKey, active bool) error {
	event := wire.EventTypingStart
	if !active {
		event = wire.EventTypingStop
	}
	return m.sess.Publish(command{Event: event, Kind: key.Kind, ConvID: key.ID})
}

// LoadOlder fetches the next older history page and merges it. The merge
// is idempotent, so a retried fetch after a timeout cannot duplicate or
// reorder anything. A page that completes after the conversation was
// closed is discarded. Returns the number of messages in the page.
func (m *Messenger) LoadOlder(ctx context.Context, key wire.ConversationKey) (int, error) {
	h, ok := m.registry.Get(key)
	if !ok {
		return 0, ErrNotOpen
	}

	page, err := m.fetcher.FetchPage(ctx, key, h.Store.Cursor(), m.opts.PageSize)
	if err != nil {
		return 0, err
	}

	cur, ok := m.registry.Get(key)
	if !ok || cur != h {
		m.logger.Debugf("dropping history page for closed conversation %s", key)
		return 0, nil
	}
	h.Store.MergePage(page.Messages, page.NextCursor)
	if m.arch != nil && len(page.Messages) > 0 {
		if err := m.arch.SaveBatch(key, page.Messages); err != nil {
			m.logger.Warnf("archiving history page for %s failed: %v", key, err)
		}
	}
	return len(page.Messages), nil
}

// attachArchive subscribes the archive to inbound message events so
// history accumulates even for conversations that are not open. The
// session clears all subscriptions on disconnect, which detaches these
// too; Connect re-attaches them.
func (m *Messenger) attachArchive() {
	if m.arch == nil {
		return
	}
	for _, event := range []wire.EventName{wire.EventMessageReceived, wire.EventGroupMessageReceived} {
		m.router.Subscribe(event, func(env wire.Envelope) {
			if env.Message == nil || env.Message.ID == "" {
				return
			}
			key := env.Key()
			if key.Zero() {
				return
			}
			m.archiveSave(key, *env.Message)
		})
	}
}

func (m *Messenger) archiveSave(key wire.ConversationKey, msg wire.Message) {
	if m.arch == nil {
		return
	}
	if err := m.arch.Save(key, msg); err != nil {
		m.logger.Warnf("archiving %s in %s failed: %v", msg.ID, key, err)
	}
}
