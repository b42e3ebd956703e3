package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueOutbox durably records an outgoing message before any network
// attempt. This write is the delivery guarantee: a crash after it still
// resends on restart.
func (db *DB) EnqueueOutbox(e *OutboxEntry) error {
	content, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO outbox (message_id, room_id, sender_id, content, created_at, reply_to_id, status, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		e.MessageID, e.RoomID, e.SenderID, string(content), e.CreatedAtMs,
		nullableStr(e.ReplyToID), OutboxPending, now)
	return err
}

// MarkOutboxSending flips an entry to sending for the duration of an attempt.
func (db *DB) MarkOutboxSending(messageID string) error {
	return db.setOutboxStatus(messageID, OutboxSending)
}

// MarkOutboxFailed records a failed attempt: status failed, retry_count
// incremented, last_retry_at stamped.
func (db *DB) MarkOutboxFailed(messageID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox
		SET status = ?, retry_count = retry_count + 1, last_retry_at = ?, last_error = ?, updated_at = ?
		WHERE message_id = ?`,
		OutboxFailed, now, errMsg, now, messageID)
	return err
}

// MarkOutboxAbandoned parks an entry past the retry ceiling. Only an explicit
// user retry revives it.
func (db *DB) MarkOutboxAbandoned(messageID string) error {
	return db.setOutboxStatus(messageID, OutboxAbandoned)
}

// DeleteOutbox removes an entry the instant the server confirms persistence.
func (db *DB) DeleteOutbox(messageID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	return err
}

// ResetOutboxRetry re-arms a single entry for immediate retry.
func (db *DB) ResetOutboxRetry(messageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox
		SET status = ?, retry_count = 0, last_retry_at = NULL, last_error = '', updated_at = ?
		WHERE message_id = ?`,
		OutboxPending, now, messageID)
	return err
}

// ResetAllOutboxRetries re-arms every failed and abandoned entry.
func (db *DB) ResetAllOutboxRetries() error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox
		SET status = ?, retry_count = 0, last_retry_at = NULL, last_error = '', updated_at = ?
		WHERE status IN (?, ?)`,
		OutboxPending, now, OutboxFailed, OutboxAbandoned)
	return err
}

// PendingOutbox returns entries still awaiting delivery (pending or failed,
// plus sending rows orphaned by a crash mid-attempt), oldest first.
func (db *DB) PendingOutbox() ([]*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, message_id, room_id, sender_id, content, created_at, reply_to_id, status, retry_count, last_retry_at, last_error
		FROM outbox
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC`,
		OutboxPending, OutboxFailed, OutboxSending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns a single entry by message id, or nil if absent.
func (db *DB) GetOutbox(messageID string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, message_id, room_id, sender_id, content, created_at, reply_to_id, status, retry_count, last_retry_at, last_error
		FROM outbox WHERE message_id = ?`, messageID)
	e, err := scanOutbox(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// CountOutbox tallies entries per status for the metrics snapshot.
func (db *DB) CountOutbox() (*OutboxCounts, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var counts OutboxCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case OutboxPending:
			counts.Pending = n
		case OutboxSending:
			counts.Sending = n
		case OutboxFailed:
			counts.Failed = n
		case OutboxAbandoned:
			counts.Abandoned = n
		}
	}
	return &counts, rows.Err()
}

func (db *DB) setOutboxStatus(messageID, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE message_id = ?`, status, now, messageID)
	return err
}

func scanOutbox(scan func(...any) error) (*OutboxEntry, error) {
	var e OutboxEntry
	var content string
	var replyTo sql.NullString
	var lastRetry sql.NullInt64
	if err := scan(&e.RowID, &e.MessageID, &e.RoomID, &e.SenderID, &content, &e.CreatedAtMs,
		&replyTo, &e.Status, &e.RetryCount, &lastRetry, &e.LastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if replyTo.Valid {
		e.ReplyToID = replyTo.String
	}
	if lastRetry.Valid {
		e.LastRetryAtMs = lastRetry.Int64
	}
	return &e, nil
}
