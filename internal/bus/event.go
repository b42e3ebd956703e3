package bus

import "time"

// Event is a domain event published on the bus. Kind is a dotted name whose
// leading segment acts as the subscription namespace.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Subscribers usually filter on the namespace prefix
// (everything up to and including the first dot).
const (
	// Connection lifecycle.
	KindConnStatusChanged = "conn.status_changed"

	// Server pushes decoded off the wire.
	KindPushNewMessage    = "push.new_message"
	KindPushMessageSent   = "push.message_sent"
	KindPushNewRoom       = "push.new_room"
	KindPushTyping        = "push.typing"
	KindPushServerError   = "push.server_error"
	KindPushAuthConfirmed = "push.auth_confirmed"

	// Reconciled local state.
	KindMessageUpserted = "message.upserted"
	KindRoomUpserted    = "room.upserted"
	KindTypingChanged   = "typing.changed"

	// Outbox delivery.
	KindOutboxQueued    = "outbox.queued"
	KindOutboxSent      = "outbox.sent"
	KindOutboxFailed    = "outbox.failed"
	KindOutboxAbandoned = "outbox.abandoned"
	KindOutboxBreaker   = "outbox.breaker_open"
)

// Now returns an event of the given kind stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
