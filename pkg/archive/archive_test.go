package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sandeshapp/sandesh/pkg/wire"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func msgAt(id, sender, body string, at time.Time) wire.Message {
	return wire.Message{ID: id, SenderID: sender, Body: body, SentAt: at}
}

func TestSaveAndThread(t *testing.T) {
	a := openTestArchive(t)
	key := wire.DirectKey("7")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := a.Save(key, msgAt("2", "7", "second", base.Add(time.Minute))); err != nil {
		t.Fatalf("saving: %v", err)
	}
	if err := a.Save(key, msgAt("1", "me", "first", base)); err != nil {
		t.Fatalf("saving: %v", err)
	}

	msgs, err := a.Thread(key)
	if err != nil {
		t.Fatalf("reading thread: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[1].ID != "2" {
		t.Errorf("expected ascending order [1 2], got [%s %s]", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].Body != "first" {
		t.Errorf("expected body 'first', got %q", msgs[0].Body)
	}
}

func TestUpsertIdempotentAndReadStateAdvances(t *testing.T) {
	a := openTestArchive(t)
	key := wire.DirectKey("7")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	read := base.Add(time.Minute)
	withRead := msgAt("1", "7", "hello", base)
	withRead.ReadAt = &read
	if err := a.Save(key, withRead); err != nil {
		t.Fatalf("saving: %v", err)
	}

	// A stale replay without read state must not clear it.
	if err := a.Save(key, msgAt("1", "7", "hello", base)); err != nil {
		t.Fatalf("replaying: %v", err)
	}

	msgs, err := a.Thread(key)
	if err != nil {
		t.Fatalf("reading thread: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after replay, got %d", len(msgs))
	}
	if msgs[0].ReadAt == nil || !msgs[0].ReadAt.Equal(read) {
		t.Errorf("expected read state preserved, got %v", msgs[0].ReadAt)
	}
}

func TestDeletedFlagIsSticky(t *testing.T) {
	a := openTestArchive(t)
	key := wire.GroupKey("12")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tombstone := msgAt("1", "7", "", base)
	tombstone.Deleted = true
	if err := a.Save(key, tombstone); err != nil {
		t.Fatalf("saving tombstone: %v", err)
	}
	if err := a.Save(key, msgAt("1", "7", "resurrected", base)); err != nil {
		t.Fatalf("replaying: %v", err)
	}

	msgs, err := a.Thread(key)
	if err != nil {
		t.Fatalf("reading thread: %v", err)
	}
	if !msgs[0].Deleted {
		t.Error("expected deleted flag to survive replay")
	}
}

func TestRecentLimitsAndOrders(t *testing.T) {
	a := openTestArchive(t)
	key := wire.DirectKey("7")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var batch []wire.Message
	for i := 0; i < 5; i++ {
		batch = append(batch, msgAt(string(rune('a'+i)), "7", "m", base.Add(time.Duration(i)*time.Minute)))
	}
	if err := a.SaveBatch(key, batch); err != nil {
		t.Fatalf("saving batch: %v", err)
	}

	msgs, err := a.Recent(key, 2)
	if err != nil {
		t.Fatalf("reading recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "d" || msgs[1].ID != "e" {
		t.Errorf("expected newest-two ascending [d e], got [%s %s]", msgs[0].ID, msgs[1].ID)
	}
}

func TestAttachmentsRoundTrip(t *testing.T) {
	a := openTestArchive(t)
	key := wire.DirectKey("7")

	msg := msgAt("1", "7", "see attached", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	msg.Attachments = []wire.Attachment{{URL: "https://files.example/x.pdf", Name: "x.pdf", Size: 1024, MIME: "application/pdf"}}
	if err := a.Save(key, msg); err != nil {
		t.Fatalf("saving: %v", err)
	}

	msgs, err := a.Thread(key)
	if err != nil {
		t.Fatalf("reading thread: %v", err)
	}
	if len(msgs[0].Attachments) != 1 || msgs[0].Attachments[0].Name != "x.pdf" {
		t.Errorf("expected attachment to round-trip, got %+v", msgs[0].Attachments)
	}
}

func TestConversationsAndStats(t *testing.T) {
	a := openTestArchive(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := a.Save(wire.DirectKey("7"), msgAt("1", "7", "a", base)); err != nil {
		t.Fatalf("saving: %v", err)
	}
	if err := a.Save(wire.GroupKey("12"), msgAt("2", "7", "b", base)); err != nil {
		t.Fatalf("saving: %v", err)
	}
	if err := a.Save(wire.GroupKey("12"), msgAt("3", "9", "c", base)); err != nil {
		t.Fatalf("saving: %v", err)
	}

	keys, err := a.Conversations()
	if err != nil {
		t.Fatalf("listing conversations: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(keys))
	}

	stats, err := a.Stats()
	if err != nil {
		t.Fatalf("reading stats: %v", err)
	}
	if stats["total"] != 3 {
		t.Errorf("expected total 3, got %d", stats["total"])
	}
	if stats[wire.GroupKey("12").String()] != 2 {
		t.Errorf("expected 2 messages in group, got %d", stats[wire.GroupKey("12").String()])
	}
}

func TestSkipsMessagesWithoutID(t *testing.T) {
	a := openTestArchive(t)
	key := wire.DirectKey("7")

	if err := a.Save(key, wire.Message{SenderID: "7", Body: "pending"}); err != nil {
		t.Fatalf("saving: %v", err)
	}
	msgs, err := a.Thread(key)
	if err != nil {
		t.Fatalf("reading thread: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected pending message to be skipped, got %d rows", len(msgs))
	}
}
