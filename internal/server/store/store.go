// Package store is the server's durable store. The server is authoritative
// for rooms and messages; clients hold reconcilable caches of both.
package store

import (
	"encoding/json"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatsync/internal/protocol"
)

// Room is the persisted room record. Participants live in a join table so
// membership queries do not parse JSON.
type Room struct {
	ID                 string `gorm:"primaryKey"`
	Name               string
	Type               string
	LastMessageSummary string
	UpdatedAtMs        int64 `gorm:"index"`

	Participants []Participant `gorm:"foreignKey:RoomID;references:ID;constraint:OnDelete:CASCADE"`
}

// Participant is one room membership row.
type Participant struct {
	RoomID string `gorm:"primaryKey"`
	UserID string `gorm:"primaryKey;index"`
}

// Message is the persisted message record. The primary key is the
// client-supplied id, which is what makes redelivery idempotent.
type Message struct {
	ID            string `gorm:"primaryKey"`
	RoomID        string `gorm:"index:idx_room_created"`
	SenderID      string
	Content       string // JSON-encoded protocol.Content
	CreatedAtMs   int64  `gorm:"index:idx_room_created"`
	DeliveryState string
	EditedAtMs    int64
	ReplyToID     string
}

// Store wraps the gorm connection and exposes the repositories the hub and
// REST handlers share.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the server database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	if err := db.AutoMigrate(&Room{}, &Participant{}, &Message{}); err != nil {
		return nil, fmt.Errorf("migrate server db: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateRoom persists a new room with its membership. The creator must be in
// the participant set; callers enforce that before reaching here.
func (s *Store) CreateRoom(room *protocol.Room) error {
	rec := Room{
		ID:          room.ID,
		Name:        room.Name,
		Type:        string(room.Type),
		UpdatedAtMs: room.UpdatedAtMs,
	}
	for _, userID := range room.ParticipantIDs {
		rec.Participants = append(rec.Participants, Participant{RoomID: room.ID, UserID: userID})
	}
	return s.db.Create(&rec).Error
}

// GetRoom returns one room with its participants, or nil if absent.
func (s *Store) GetRoom(id string) (*protocol.Room, error) {
	var rec Room
	err := s.db.Preload("Participants").First(&rec, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.toProtocol(), nil
}

// ListRoomsForUser returns the rooms a user belongs to, most recently
// active first.
func (s *Store) ListRoomsForUser(userID string) ([]*protocol.Room, error) {
	var recs []Room
	err := s.db.Preload("Participants").
		Joins("JOIN participants ON participants.room_id = rooms.id AND participants.user_id = ?", userID).
		Order("rooms.updated_at_ms DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.Room, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toProtocol())
	}
	return out, nil
}

// RoomMembers returns the member user ids of a room.
func (s *Store) RoomMembers(roomID string) ([]string, error) {
	var members []string
	err := s.db.Model(&Participant{}).
		Where("room_id = ?", roomID).
		Pluck("user_id", &members).Error
	return members, err
}

// IsMember reports whether userID belongs to roomID.
func (s *Store) IsMember(roomID, userID string) (bool, error) {
	var count int64
	err := s.db.Model(&Participant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	return count > 0, err
}

// SaveMessage persists a message, keeping the client-supplied id so the
// sender can match the confirmation to its outbox entry. Redelivery of an
// already-stored id is a no-op; the stored copy is returned either way.
func (s *Store) SaveMessage(msg *protocol.Message) (*protocol.Message, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	rec := Message{
		ID:            msg.ID,
		RoomID:        msg.RoomID,
		SenderID:      msg.SenderID,
		Content:       string(content),
		CreatedAtMs:   msg.CreatedAtMs,
		DeliveryState: string(protocol.StateSent),
		ReplyToID:     msg.ReplyToID,
	}
	err = s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return nil, err
	}

	// Return what is actually stored: on a duplicate id the first write wins.
	var stored Message
	if err := s.db.First(&stored, "id = ?", msg.ID).Error; err != nil {
		return nil, err
	}
	return stored.toProtocol()
}

// TouchRoom bumps a room's activity marker; updated_at never moves backwards.
func (s *Store) TouchRoom(roomID, summary string, atMs int64) error {
	return s.db.Model(&Room{}).
		Where("id = ? AND updated_at_ms <= ?", roomID, atMs).
		Updates(map[string]any{
			"last_message_summary": summary,
			"updated_at_ms":        atMs,
		}).Error
}

// ListMessages returns a room's messages with keyset pagination by the
// client-assigned timestamp, newest first.
func (s *Store) ListMessages(roomID string, beforeMs int64, limit int) ([]*protocol.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.db.Where("room_id = ?", roomID)
	if beforeMs > 0 {
		q = q.Where("created_at_ms < ?", beforeMs)
	}
	var recs []Message
	if err := q.Order("created_at_ms DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*protocol.Message, 0, len(recs))
	for i := range recs {
		m, err := recs[i].toProtocol()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *Room) toProtocol() *protocol.Room {
	out := &protocol.Room{
		ID:                 r.ID,
		Name:               r.Name,
		Type:               protocol.RoomType(r.Type),
		LastMessageSummary: r.LastMessageSummary,
		UpdatedAtMs:        r.UpdatedAtMs,
	}
	for _, p := range r.Participants {
		out.ParticipantIDs = append(out.ParticipantIDs, p.UserID)
	}
	return out
}

func (m *Message) toProtocol() (*protocol.Message, error) {
	var content protocol.Content
	if err := json.Unmarshal([]byte(m.Content), &content); err != nil {
		return nil, fmt.Errorf("unmarshal content of %s: %w", m.ID, err)
	}
	return &protocol.Message{
		ID:            m.ID,
		RoomID:        m.RoomID,
		SenderID:      m.SenderID,
		Content:       content,
		CreatedAtMs:   m.CreatedAtMs,
		DeliveryState: protocol.DeliveryState(m.DeliveryState),
		EditedAtMs:    m.EditedAtMs,
		ReplyToID:     m.ReplyToID,
	}, nil
}
