package protocol

// DeliveryState tracks a message's progress from composition to read receipt.
type DeliveryState string

const (
	StateSending   DeliveryState = "sending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// RoomType enumerates room shapes.
type RoomType string

const (
	RoomDirect  RoomType = "direct"
	RoomGroup   RoomType = "group"
	RoomChannel RoomType = "channel"
)

// Message is the wire representation of a chat message. ID is client-generated
// and stable across retries; CreatedAt is the client-assigned timestamp and is
// authoritative for ordering.
type Message struct {
	ID            string        `json:"id"`
	RoomID        string        `json:"room_id"`
	SenderID      string        `json:"sender_id"`
	Content       Content       `json:"content"`
	CreatedAtMs   int64         `json:"created_at_ms"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
	EditedAtMs    int64         `json:"edited_at_ms,omitempty"`
	ReplyToID     string        `json:"reply_to_id,omitempty"`
}

// Room is the wire representation of a conversation.
type Room struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Type               RoomType `json:"type"`
	ParticipantIDs     []string `json:"participant_ids"`
	LastMessageSummary string   `json:"last_message_summary,omitempty"`
	UpdatedAtMs        int64    `json:"updated_at_ms"`
}
