package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueOutbox durably inserts a new queue entry in a single transaction.
// The entry is visible to drains as soon as this returns.
func (db *DB) EnqueueOutbox(e *QueuedEntry) error {
	meta, err := json.Marshal(metaOrEmpty(e.Message.Metadata))
	if err != nil {
		return &PersistenceError{Op: "enqueue outbox", Err: err}
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO outbox (local_id, msg_id, room_id, sender_id, sender_name, body, message_type, metadata, status, retry_count, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID, e.Message.MsgID, e.Message.RoomID, e.Message.SenderID, e.Message.SenderName,
		e.Message.Body, e.Message.Type, string(meta), e.Status, e.RetryCount, e.NextAttemptAt,
		e.CreatedAt, now)
	if err != nil {
		return &PersistenceError{Op: "enqueue outbox", Err: err}
	}
	return nil
}

// DueOutbox returns entries eligible for a delivery attempt: PENDING, retry
// budget not exhausted, and backoff delay elapsed. Oldest first.
func (db *DB) DueOutbox(now int64, maxAttempts int) ([]QueuedEntry, error) {
	rows, err := db.Query(`
		SELECT local_id, msg_id, room_id, sender_id, sender_name, body, message_type, metadata, status, retry_count, next_attempt_at, last_error, created_at
		FROM outbox
		WHERE status = ? AND retry_count < ? AND next_attempt_at <= ?
		ORDER BY created_at ASC`,
		StatusPending, maxAttempts, now)
	if err != nil {
		return nil, &PersistenceError{Op: "select due outbox", Err: err}
	}
	return scanOutbox(rows)
}

// GetOutbox returns the entry with the given local ID, or nil if absent.
func (db *DB) GetOutbox(localID string) (*QueuedEntry, error) {
	rows, err := db.Query(`
		SELECT local_id, msg_id, room_id, sender_id, sender_name, body, message_type, metadata, status, retry_count, next_attempt_at, last_error, created_at
		FROM outbox WHERE local_id = ?`, localID)
	if err != nil {
		return nil, &PersistenceError{Op: "get outbox", Err: err}
	}
	entries, err := scanOutbox(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// FailedOutbox returns entries that exhausted their retry budget, oldest first.
func (db *DB) FailedOutbox() ([]QueuedEntry, error) {
	rows, err := db.Query(`
		SELECT local_id, msg_id, room_id, sender_id, sender_name, body, message_type, metadata, status, retry_count, next_attempt_at, last_error, created_at
		FROM outbox WHERE status = ? ORDER BY created_at ASC`, StatusFailed)
	if err != nil {
		return nil, &PersistenceError{Op: "select failed outbox", Err: err}
	}
	return scanOutbox(rows)
}

// MarkOutboxSending transitions an entry to SENDING so a concurrent pass
// cannot pick it up again.
func (db *DB) MarkOutboxSending(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE local_id = ?`,
		StatusSending, now, localID)
	if err != nil {
		return &PersistenceError{Op: "mark sending", Err: err}
	}
	return nil
}

// DeleteOutbox removes an entry. Used on confirmed delivery and on explicit
// discard of a failed entry.
func (db *DB) DeleteOutbox(localID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	if err != nil {
		return &PersistenceError{Op: "delete outbox", Err: err}
	}
	return nil
}

// ScheduleOutboxRetry records a failed attempt: bumps the retry counter,
// returns the entry to PENDING and sets the next-attempt time.
func (db *DB) ScheduleOutboxRetry(localID string, retryCount int, nextAttemptAt int64, lastErr string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE local_id = ?`,
		StatusPending, retryCount, nextAttemptAt, lastErr, now, localID)
	if err != nil {
		return &PersistenceError{Op: "schedule retry", Err: err}
	}
	return nil
}

// MarkOutboxFailed parks an entry as FAILED. It stays persisted until the
// caller retries or discards it.
func (db *DB) MarkOutboxFailed(localID string, retryCount int, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE local_id = ?`,
		StatusFailed, retryCount, reason, now, localID)
	if err != nil {
		return &PersistenceError{Op: "mark failed", Err: err}
	}
	return nil
}

// ResetFailedOutbox returns every FAILED entry to PENDING with a fresh retry
// budget. Returns the number of entries reset.
func (db *DB) ResetFailedOutbox() (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, retry_count = 0, next_attempt_at = 0, last_error = '', updated_at = ?
		WHERE status = ?`,
		StatusPending, now, StatusFailed)
	if err != nil {
		return 0, &PersistenceError{Op: "reset failed outbox", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverSendingOutbox returns entries stuck at SENDING to PENDING. Run once
// at startup: a crash mid-attempt leaves SENDING rows behind, and re-sending
// is harmless because retries reuse the idempotency key.
func (db *DB) RecoverSendingOutbox() (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, next_attempt_at = 0, updated_at = ?
		WHERE status = ?`,
		StatusPending, now, StatusSending)
	if err != nil {
		return 0, &PersistenceError{Op: "recover sending outbox", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanOutbox(rows *sql.Rows) ([]QueuedEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []QueuedEntry
	for rows.Next() {
		var e QueuedEntry
		var meta string
		if err := rows.Scan(&e.LocalID, &e.Message.MsgID, &e.Message.RoomID, &e.Message.SenderID,
			&e.Message.SenderName, &e.Message.Body, &e.Message.Type, &meta, &e.Status,
			&e.RetryCount, &e.NextAttemptAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, &PersistenceError{Op: "scan outbox", Err: err}
		}
		if err := json.Unmarshal([]byte(meta), &e.Message.Metadata); err != nil {
			return nil, &PersistenceError{Op: "scan outbox", Err: fmt.Errorf("metadata: %w", err)}
		}
		e.Message.Timestamp = e.CreatedAt
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "scan outbox", Err: err}
	}
	return entries, nil
}

func metaOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
