package store

import "chatsync/internal/protocol"

// Outbox entry statuses.
const (
	OutboxPending   = "pending"
	OutboxSending   = "sending"
	OutboxFailed    = "failed"
	OutboxAbandoned = "abandoned"
)

// OutboxEntry is one not-yet-confirmed outgoing message. MessageID doubles as
// the Message id, stable across retries so the server can deduplicate.
type OutboxEntry struct {
	RowID         int64
	MessageID     string
	RoomID        string
	SenderID      string
	Content       protocol.Content
	CreatedAtMs   int64
	ReplyToID     string
	Status        string
	RetryCount    int
	LastRetryAtMs int64 // 0 means never attempted
	LastError     string
}

// Message converts the entry back into the wire shape for sending.
func (e *OutboxEntry) Message() *protocol.Message {
	return &protocol.Message{
		ID:          e.MessageID,
		RoomID:      e.RoomID,
		SenderID:    e.SenderID,
		Content:     e.Content,
		CreatedAtMs: e.CreatedAtMs,
		ReplyToID:   e.ReplyToID,
	}
}

// OutboxCounts is a per-status tally used by the metrics snapshot.
type OutboxCounts struct {
	Pending   int
	Sending   int
	Failed    int
	Abandoned int
}
