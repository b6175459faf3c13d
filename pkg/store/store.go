// Package store maintains one conversation's ordered message list and its
// read/unread state.
//
// Three sources feed a store: paginated history fetches, realtime push
// events and locally-originated optimistic sends. All of them go through
// the same idempotent merge: a message whose identifier is already present
// is updated in place, a new identifier is inserted, and the list is
// re-sorted on (send timestamp, identifier) so arrival order never leaks
// into display order. Network delivery order is assumed unreliable;
// duplicates and reordering are tolerated by construction.
//
// Optimistic sends live under a locally-generated temporary key until the
// server ack arrives, at which point the temporary entry is reconciled into
// the authoritative message. An ack that never arrives within the bounded
// timeout marks the message failed but keeps it visible for retry, and the
// retry re-uses the same temporary key so a late ack still reconciles.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sandeshapp/sandesh/pkg/log"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// ErrUnknownMessage is returned when a read or retry targets an identifier
// the store has never seen.
var ErrUnknownMessage = errors.New("store: unknown message")

// Record is a message plus its local-only delivery state.
type Record struct {
	wire.Message

	// TempKey is the local identifier of an optimistic send. It stays
	// attached after reconciliation so duplicate acks remain no-ops.
	TempKey string
	// Pending is true while an optimistic send awaits its ack.
	Pending bool
	// Failed is true after an ack timeout or an explicit send rejection.
	Failed bool
}

// Options tunes one store instance.
type Options struct {
	// SelfID is the local user; own messages never count as unread.
	SelfID string
	// AckTimeout bounds how long an optimistic send may stay pending.
	AckTimeout time.Duration
	// TypingTTL is how long a typing indicator stays lit without a stop.
	TypingTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 5 * time.Second
	}
}

// Store holds the conversation state. All mutation entry points serialize
// on one mutex; the update callback runs outside it so subscribers may read
// the store freely.
type Store struct {
	mu      sync.Mutex
	key     wire.ConversationKey
	opts    Options
	records []Record
	index   map[string]int // message id or temp key -> position
	cursor  string
	typing  bool

	typingTimer *time.Timer
	ackTimers   map[string]*time.Timer
	onUpdate    func()
	closed      bool

	logger *log.Logger
}

// New creates an empty store for one conversation.
func New(key wire.ConversationKey, opts Options) *Store {
	opts.applyDefaults()
	return &Store{
		key:       key,
		opts:      opts,
		index:     make(map[string]int),
		ackTimers: make(map[string]*time.Timer),
		logger:    log.ForComponent("store:" + key.String()),
	}
}

// Key returns the conversation this store belongs to.
func (s *Store) Key() wire.ConversationKey {
	return s.key
}

// SetOnUpdate registers the single UI callback invoked after any mutation:
// new message, read-state change, typing change.
func (s *Store) SetOnUpdate(fn func()) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// Merge inserts or updates one message by identifier. Immutable fields of
// an existing entry win; read state and the soft-delete flag are the only
// things a duplicate may advance. Returns true when the store changed.
func (s *Store) Merge(msg wire.Message) bool {
	if msg.ID == "" {
		s.logger.Warnf("dropping message without identifier")
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	changed := s.mergeLocked(msg)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

func (s *Store) mergeLocked(msg wire.Message) bool {
	pos, ok := s.index[msg.ID]
	if !ok {
		s.records = append(s.records, Record{Message: msg})
		s.resortLocked()
		return true
	}

	rec := &s.records[pos]
	changed := false
	if msg.ReadAt != nil && rec.ReadAt == nil {
		rec.ReadAt = msg.ReadAt
		changed = true
	}
	if msg.Deleted && !rec.Deleted {
		rec.Deleted = true
		changed = true
	}
	if rec.Pending {
		// An authoritative copy of an optimistic send: adopt the server's
		// timestamp and stop waiting for the ack.
		rec.SentAt = msg.SentAt
		rec.Pending = false
		rec.Failed = false
		s.cancelAckTimerLocked(rec.TempKey)
		s.resortLocked()
		changed = true
	}
	return changed
}

// AppendLocal inserts an optimistic send and returns its temporary key. The
// ack timer starts immediately; without an ack before AckTimeout the entry
// is marked failed.
func (s *Store) AppendLocal(body string, attachments []wire.Attachment) string {
	tempKey := "tmp-" + uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tempKey
	}
	s.records = append(s.records, Record{
		Message: wire.Message{
			ID:          tempKey,
			SenderID:    s.opts.SelfID,
			Body:        body,
			Attachments: attachments,
			SentAt:      time.Now(),
		},
		TempKey: tempKey,
		Pending: true,
	})
	s.resortLocked()
	s.startAckTimerLocked(tempKey)
	s.mu.Unlock()

	s.notify()
	return tempKey
}

// Reconcile resolves an optimistic send against the authoritative message
// from the ack (or a push that beat the ack). One entry survives, under the
// server identifier. Idempotent: duplicate acks are no-ops.
func (s *Store) Reconcile(tempKey string, msg wire.Message) {
	if msg.ID == "" {
		s.logger.Warnf("dropping ack without identifier for %s", tempKey)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	pos, ok := s.index[tempKey]
	if !ok {
		// Late ack for an entry we no longer track; treat as a plain push.
		changed := s.mergeLocked(msg)
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return
	}

	rec := &s.records[pos]
	if rec.ID == msg.ID {
		s.mu.Unlock()
		return
	}

	if otherPos, dup := s.index[msg.ID]; dup && otherPos != pos {
		// The push path already delivered the authoritative message; drop
		// the optimistic duplicate.
		s.records = append(s.records[:pos], s.records[pos+1:]...)
		delete(s.index, tempKey)
	} else {
		delete(s.index, rec.ID)
		rec.Message = msg
		rec.Pending = false
		rec.Failed = false
	}
	s.cancelAckTimerLocked(tempKey)
	s.resortLocked()
	// Keep the temp key resolvable so a duplicate late ack stays a no-op.
	if pos, ok := s.index[msg.ID]; ok {
		s.index[tempKey] = pos
	}
	s.mu.Unlock()

	s.notify()
}

// FailSend marks a pending optimistic send as failed (ack timeout or
// explicit rejection). The entry stays visible for retry.
func (s *Store) FailSend(tempKey string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	pos, ok := s.index[tempKey]
	if !ok || !s.records[pos].Pending {
		s.mu.Unlock()
		return
	}
	s.records[pos].Pending = false
	s.records[pos].Failed = true
	s.cancelAckTimerLocked(tempKey)
	s.mu.Unlock()

	s.logger.Warnf("send %s failed, kept for retry", tempKey)
	s.notify()
}

// Retry re-arms a failed send under the same temporary key and returns the
// record for resubmission.
func (s *Store) Retry(tempKey string) (Record, error) {
	s.mu.Lock()
	pos, ok := s.index[tempKey]
	if !ok || s.closed {
		s.mu.Unlock()
		return Record{}, ErrUnknownMessage
	}
	rec := &s.records[pos]
	if !rec.Failed {
		s.mu.Unlock()
		return Record{}, errors.New("store: message is not in a failed state")
	}
	rec.Failed = false
	rec.Pending = true
	s.startAckTimerLocked(tempKey)
	out := *rec
	s.mu.Unlock()

	s.notify()
	return out, nil
}

// MarkReadLocal applies the optimistic half of the two-phase read marking.
// The server command goes out separately; RollbackRead undoes this if the
// command is rejected.
func (s *Store) MarkReadLocal(id string, at time.Time) error {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if s.records[pos].ReadAt != nil {
		s.mu.Unlock()
		return nil
	}
	s.records[pos].ReadAt = &at
	s.mu.Unlock()

	s.notify()
	return nil
}

// RollbackRead restores a message to unread after a rejected read receipt.
func (s *Store) RollbackRead(id string) {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok || s.closed || s.records[pos].ReadAt == nil {
		s.mu.Unlock()
		return
	}
	s.records[pos].ReadAt = nil
	s.mu.Unlock()

	s.notify()
}

// ApplyRead applies an authoritative read notification from the server.
func (s *Store) ApplyRead(id string, at *time.Time) {
	when := time.Now()
	if at != nil {
		when = *at
	}
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	s.records[pos].ReadAt = &when
	s.mu.Unlock()

	s.notify()
}

// ApplyDelete soft-deletes a message. The entry stays in place so ordering
// and pagination remain stable.
func (s *Store) ApplyDelete(id string) {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok || s.closed || s.records[pos].Deleted {
		s.mu.Unlock()
		return
	}
	s.records[pos].Deleted = true
	s.mu.Unlock()

	s.notify()
}

// MergePage merges one page of older history and advances the pagination
// cursor. Retrying the same page is harmless: the identifier merge absorbs
// duplicates and an existing entry's read state is never regressed.
func (s *Store) MergePage(msgs []wire.Message, nextCursor string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	for _, msg := range msgs {
		if msg.ID == "" {
			s.logger.Warnf("dropping history entry without identifier")
			continue
		}
		if s.mergeLocked(msg) {
			changed = true
		}
	}
	s.cursor = nextCursor
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Cursor returns the older-history pagination cursor.
func (s *Store) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SetTyping updates the typing indicator. Start arms (or re-arms) the
// expiry timer; stop clears immediately. Last write wins.
func (s *Store) SetTyping(active bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	changed := s.typing != active
	s.typing = active
	if active {
		s.typingTimer = time.AfterFunc(s.opts.TypingTTL, func() {
			s.SetTyping(false)
		})
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Typing reports whether the peer is currently typing.
func (s *Store) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// UnreadCount derives the unread total: messages from someone else with no
// read timestamp that are not deleted. Derived, never independently
// mutated, so it cannot drift from the list.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.SenderID != s.opts.SelfID && rec.ReadAt == nil && !rec.Deleted {
			n++
		}
	}
	return n
}

// Len returns the number of records, including soft-deleted ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns a copy of the ordered records for rendering.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Close stops timers and freezes the store. Late completions (history
// fetches, acks) arriving after close are ignored.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	for key, timer := range s.ackTimers {
		timer.Stop()
		delete(s.ackTimers, key)
	}
	s.onUpdate = nil
}

// resortLocked restores (timestamp, identifier) order and rebuilds the
// index. A full stable sort keeps the merge correct under any arrival
// order; the lists involved are UI-sized.
func (s *Store) resortLocked() {
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].Message.Before(s.records[j].Message)
	})
	for i := range s.index {
		delete(s.index, i)
	}
	for i, rec := range s.records {
		s.index[rec.ID] = i
		if rec.TempKey != "" && rec.TempKey != rec.ID {
			s.index[rec.TempKey] = i
		}
	}
}

func (s *Store) startAckTimerLocked(tempKey string) {
	if timer, ok := s.ackTimers[tempKey]; ok {
		timer.Stop()
	}
	s.ackTimers[tempKey] = time.AfterFunc(s.opts.AckTimeout, func() {
		s.FailSend(tempKey)
	})
}

func (s *Store) cancelAckTimerLocked(tempKey string) {
	if timer, ok := s.ackTimers[tempKey]; ok {
		timer.Stop()
		delete(s.ackTimers, tempKey)
	}
}

// notify invokes the update callback outside the lock.
func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
