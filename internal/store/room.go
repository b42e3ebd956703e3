package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"chatsync/internal/protocol"
)

// UpsertRoom inserts or updates a room (idempotent on id). The server copy
// always wins for name, type, and membership; updated_at only moves forward.
func (db *DB) UpsertRoom(r *protocol.Room) error {
	participants, err := json.Marshal(r.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO rooms (id, name, type, participant_ids, last_message_summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			participant_ids = excluded.participant_ids,
			last_message_summary = CASE WHEN excluded.updated_at >= rooms.updated_at THEN excluded.last_message_summary ELSE rooms.last_message_summary END,
			updated_at = MAX(rooms.updated_at, excluded.updated_at)`,
		r.ID, r.Name, string(r.Type), string(participants), r.LastMessageSummary, r.UpdatedAtMs)
	return err
}

// TouchRoom bumps a room's summary and updated_at for an incoming message,
// creating a placeholder row if the room is not cached yet. Older messages
// never move updated_at backwards.
func (db *DB) TouchRoom(roomID, summary string, atMs int64) error {
	_, err := db.Exec(`
		INSERT INTO rooms (id, last_message_summary, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_summary = CASE WHEN excluded.updated_at >= rooms.updated_at THEN excluded.last_message_summary ELSE rooms.last_message_summary END,
			updated_at = MAX(rooms.updated_at, excluded.updated_at)`,
		roomID, summary, atMs)
	return err
}

// GetRoom returns a room by id, or nil if not cached.
func (db *DB) GetRoom(id string) (*protocol.Room, error) {
	row := db.QueryRow(`
		SELECT id, name, type, participant_ids, last_message_summary, updated_at
		FROM rooms WHERE id = ?`, id)
	r, err := scanRoom(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRooms returns cached rooms, most recently active first.
func (db *DB) ListRooms() ([]*protocol.Room, error) {
	rows, err := db.Query(`
		SELECT id, name, type, participant_ids, last_message_summary, updated_at
		FROM rooms ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*protocol.Room
	for rows.Next() {
		r, err := scanRoom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRoom(scan func(...any) error) (*protocol.Room, error) {
	var r protocol.Room
	var typ, participants string
	if err := scan(&r.ID, &r.Name, &typ, &participants, &r.LastMessageSummary, &r.UpdatedAtMs); err != nil {
		return nil, err
	}
	r.Type = protocol.RoomType(typ)
	if err := json.Unmarshal([]byte(participants), &r.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &r, nil
}
