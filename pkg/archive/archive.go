// Package archive keeps a local sqlite copy of every merged message so
// history survives restarts and the history/export commands work offline.
//
// The archive is a cache, not the source of truth: the server owns message
// state. Writes are idempotent upserts keyed by (conversation, message id)
// that never regress read state or un-delete, mirroring the in-memory
// merge rules.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// Archive is one local message database.
type Archive struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at dbPath.
func Open(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	a := &Archive{db: db}
	if err := a.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
	conversation TEXT NOT NULL,
	id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	body TEXT NOT NULL,
	attachments TEXT NOT NULL DEFAULT '[]',
	sent_at TEXT NOT NULL,
	read_at TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_sent ON messages(conversation, sent_at, id);
`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Save upserts one message. Read state only advances and the deleted flag
// is sticky, so replays and stale history pages cannot lose local progress.
func (a *Archive) Save(key wire.ConversationKey, msg wire.Message) error {
	return a.SaveBatch(key, []wire.Message{msg})
}

// SaveBatch upserts messages in one transaction.
func (a *Archive) SaveBatch(key wire.ConversationKey, msgs []wire.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (conversation, id, sender_id, body, attachments, sent_at, read_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation, id) DO UPDATE SET
			read_at = COALESCE(excluded.read_at, messages.read_at),
			deleted = MAX(excluded.deleted, messages.deleted)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		attachments, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("marshaling attachments for %s: %w", msg.ID, err)
		}
		var readAt any
		if msg.ReadAt != nil {
			readAt = msg.ReadAt.UTC().Format(time.RFC3339Nano)
		}
		deleted := 0
		if msg.Deleted {
			deleted = 1
		}
		if _, err := stmt.Exec(
			key.String(), msg.ID, msg.SenderID, msg.Body, string(attachments),
			msg.SentAt.UTC().Format(time.RFC3339Nano), readAt, deleted,
		); err != nil {
			return fmt.Errorf("saving message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

// Recent returns the newest limit messages of a conversation in ascending
// (sent_at, id) order.
func (a *Archive) Recent(key wire.ConversationKey, limit int) ([]wire.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(`
		SELECT id, sender_id, body, attachments, sent_at, read_at, deleted
		FROM (
			SELECT * FROM messages WHERE conversation = ?
			ORDER BY sent_at DESC, id DESC LIMIT ?
		)
		ORDER BY sent_at ASC, id ASC
	`, key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// Thread returns the whole archived conversation in ascending order.
func (a *Archive) Thread(key wire.ConversationKey) ([]wire.Message, error) {
	rows, err := a.db.Query(`
		SELECT id, sender_id, body, attachments, sent_at, read_at, deleted
		FROM messages WHERE conversation = ?
		ORDER BY sent_at ASC, id ASC
	`, key.String())
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// Conversations lists every archived conversation key.
func (a *Archive) Conversations() ([]wire.ConversationKey, error) {
	rows, err := a.db.Query(`SELECT DISTINCT conversation FROM messages ORDER BY conversation`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []wire.ConversationKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		key, err := wire.ParseKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Stats returns per-conversation and total message counts.
func (a *Archive) Stats() (map[string]int, error) {
	rows, err := a.db.Query(`SELECT conversation, COUNT(*) FROM messages GROUP BY conversation`)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]int)
	total := 0
	for rows.Next() {
		var conv string
		var count int
		if err := rows.Scan(&conv, &count); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		stats[conv] = count
		total += count
	}
	stats["total"] = total
	return stats, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]wire.Message, error) {
	var msgs []wire.Message
	for rows.Next() {
		var (
			msg         wire.Message
			attachments string
			sentAt      string
			readAt      sql.NullString
			deleted     int
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Body, &attachments, &sentAt, &readAt, &deleted); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshaling attachments for %s: %w", msg.ID, err)
		}
		t, err := time.Parse(time.RFC3339Nano, sentAt)
		if err != nil {
			return nil, fmt.Errorf("parsing sent_at for %s: %w", msg.ID, err)
		}
		msg.SentAt = t
		if readAt.Valid {
			r, err := time.Parse(time.RFC3339Nano, readAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing read_at for %s: %w", msg.ID, err)
			}
			msg.ReadAt = &r
		}
		msg.Deleted = deleted != 0
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
