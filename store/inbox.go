package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertInboxMessage inserts or updates a cached message (idempotent on
// room_id + msg_id). Replayed remote fan-out never duplicates rows.
func (db *DB) UpsertInboxMessage(m *Message) error {
	meta, err := json.Marshal(metaOrEmpty(m.Metadata))
	if err != nil {
		return &PersistenceError{Op: "upsert inbox", Err: err}
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO inbox (msg_id, room_id, sender_id, sender_name, body, message_type, metadata, ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			metadata = excluded.metadata`,
		m.MsgID, m.RoomID, m.SenderID, m.SenderName, m.Body, m.Type, string(meta), m.Timestamp, now)
	if err != nil {
		return &PersistenceError{Op: "upsert inbox", Err: err}
	}
	return nil
}

// ListInboxMessages returns up to limit cached messages for a room, newest
// first, strictly older than the cursor message when one is given. The cursor
// is a message ID previously returned as Page.NextCursor.
func (db *DB) ListInboxMessages(roomID string, limit int, beforeMsgID string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if beforeMsgID == "" {
		rows, err = db.Query(`
			SELECT msg_id, room_id, sender_id, sender_name, body, message_type, metadata, ts
			FROM inbox
			WHERE room_id = ?
			ORDER BY ts DESC, msg_id DESC
			LIMIT ?`, roomID, limit)
	} else {
		var cursorTs int64
		scanErr := db.QueryRow(`SELECT ts FROM inbox WHERE room_id = ? AND msg_id = ?`,
			roomID, beforeMsgID).Scan(&cursorTs)
		if scanErr == sql.ErrNoRows {
			return nil, &PersistenceError{Op: "list inbox", Err: fmt.Errorf("unknown cursor %q", beforeMsgID)}
		}
		if scanErr != nil {
			return nil, &PersistenceError{Op: "list inbox", Err: scanErr}
		}
		rows, err = db.Query(`
			SELECT msg_id, room_id, sender_id, sender_name, body, message_type, metadata, ts
			FROM inbox
			WHERE room_id = ? AND (ts < ? OR (ts = ? AND msg_id < ?))
			ORDER BY ts DESC, msg_id DESC
			LIMIT ?`, roomID, cursorTs, cursorTs, beforeMsgID, limit)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "list inbox", Err: err}
	}
	defer func() { _ = rows.Close() }()

	page := &Page{}
	for rows.Next() {
		var m Message
		var meta string
		if err := rows.Scan(&m.MsgID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &m.Type, &meta, &m.Timestamp); err != nil {
			return nil, &PersistenceError{Op: "list inbox", Err: err}
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, &PersistenceError{Op: "list inbox", Err: fmt.Errorf("metadata: %w", err)}
		}
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list inbox", Err: err}
	}

	page.HasMore = len(page.Messages) == limit
	if n := len(page.Messages); n > 0 {
		page.NextCursor = page.Messages[n-1].MsgID
	}
	return page, nil
}
