package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/protocol"
)

// UpsertMessage inserts or updates a message (idempotent on id). Applying the
// same server-confirmed message twice is a no-op.
func (db *DB) UpsertMessage(m *protocol.Message) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO messages (id, room_id, sender_id, content, created_at, delivery_state, edited_at, reply_to_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			delivery_state = excluded.delivery_state,
			edited_at = excluded.edited_at`,
		m.ID, m.RoomID, m.SenderID, string(content), m.CreatedAtMs,
		string(m.DeliveryState), nullableMs(m.EditedAtMs), nullableStr(m.ReplyToID))
	return err
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*protocol.Message, error) {
	row := db.QueryRow(`
		SELECT id, room_id, sender_id, content, created_at, delivery_state, edited_at, reply_to_id
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMessages returns a room's messages using keyset pagination by the
// client-assigned timestamp, newest first.
func (db *DB) ListMessages(roomID string, beforeMs int64, limit int) ([]*protocol.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMs <= 0 {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, room_id, sender_id, content, created_at, delivery_state, edited_at, reply_to_id
		FROM messages
		WHERE room_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, roomID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*protocol.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetDeliveryState updates a message's delivery state.
func (db *DB) SetDeliveryState(id string, state protocol.DeliveryState) error {
	_, err := db.Exec(`UPDATE messages SET delivery_state = ? WHERE id = ?`, string(state), id)
	return err
}

func scanMessage(scan func(...any) error) (*protocol.Message, error) {
	var m protocol.Message
	var content, state string
	var editedAt sql.NullInt64
	var replyTo sql.NullString
	if err := scan(&m.ID, &m.RoomID, &m.SenderID, &content, &m.CreatedAtMs, &state, &editedAt, &replyTo); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	m.DeliveryState = protocol.DeliveryState(state)
	if editedAt.Valid {
		m.EditedAtMs = editedAt.Int64
	}
	if replyTo.Valid {
		m.ReplyToID = replyTo.String
	}
	return &m, nil
}

func nullableMs(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
