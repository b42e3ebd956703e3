package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned when a frame names an event type this build does
// not understand. The reader logs and drops the frame; the connection stays up.
var ErrUnknownEvent = errors.New("unknown event type")

// Frame type tags, one JSON object per text frame.
const (
	TypeAuthenticate = "authenticate"
	TypeJoinRoom     = "join_room"
	TypeSendMessage  = "send_message"
	TypeTyping       = "typing_indicator"
	TypeAuthSuccess  = "authentication_success"
	TypeNewRoom      = "new_room"
	TypeNewMessage   = "new_message"
	TypeMessageSent  = "message_sent"
	TypeError        = "error"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientEvent is implemented by every client-to-server frame payload.
type ClientEvent interface {
	clientEvent() string
}

// Authenticate must be the first frame on a new connection.
type Authenticate struct {
	UserID string `json:"user_id"`
}

// JoinRoom subscribes the connection's user to a room.
type JoinRoom struct {
	RoomID string `json:"room_id"`
}

// SendMessage submits a message for persistence and fan-out. MessageID is the
// client-generated id, preserved by the server so the sender can match its
// outbox entry.
type SendMessage struct {
	MessageID   string  `json:"message_id"`
	RoomID      string  `json:"room_id"`
	Content     Content `json:"content"`
	CreatedAtMs int64   `json:"created_at_ms"`
	ReplyToID   string  `json:"reply_to_id,omitempty"`
}

// ClientTyping signals typing state for a room.
type ClientTyping struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

func (Authenticate) clientEvent() string { return TypeAuthenticate }
func (JoinRoom) clientEvent() string     { return TypeJoinRoom }
func (SendMessage) clientEvent() string  { return TypeSendMessage }
func (ClientTyping) clientEvent() string { return TypeTyping }

// ServerEvent is implemented by every server-to-client frame payload.
type ServerEvent interface {
	serverEvent() string
}

// AuthSuccess confirms the Authenticate handshake. Advisory: the client
// transitions to connected on a successful Authenticate write, not on this.
type AuthSuccess struct {
	UserID      string `json:"user_id"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// NewRoom announces a room the user was just added to.
type NewRoom struct {
	Room Room `json:"room"`
}

// NewMessage carries a message persisted on behalf of another participant.
type NewMessage struct {
	Message Message `json:"message"`
}

// MessageSent confirms persistence of the sender's own message. ClientID
// matches the id the sender supplied; Message is the server-confirmed copy.
type MessageSent struct {
	ClientID string  `json:"client_id"`
	Message  Message `json:"message"`
}

// ServerTyping relays a participant's typing state.
type ServerTyping struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ServerError reports a rejected frame or server-side failure.
type ServerError struct {
	Message string `json:"message"`
}

func (AuthSuccess) serverEvent() string  { return TypeAuthSuccess }
func (NewRoom) serverEvent() string      { return TypeNewRoom }
func (NewMessage) serverEvent() string   { return TypeNewMessage }
func (MessageSent) serverEvent() string  { return TypeMessageSent }
func (ServerTyping) serverEvent() string { return TypeTyping }
func (ServerError) serverEvent() string  { return TypeError }

// EncodeClientEvent wraps a client event in its typed envelope.
func EncodeClientEvent(ev ClientEvent) ([]byte, error) {
	return encode(ev.clientEvent(), ev)
}

// EncodeServerEvent wraps a server event in its typed envelope.
func EncodeServerEvent(ev ServerEvent) ([]byte, error) {
	return encode(ev.serverEvent(), ev)
}

func encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, Payload: raw})
}

// DecodeClientEvent parses a client-to-server frame.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case TypeAuthenticate:
		return decodePayload[Authenticate](env)
	case TypeJoinRoom:
		return decodePayload[JoinRoom](env)
	case TypeSendMessage:
		return decodePayload[SendMessage](env)
	case TypeTyping:
		return decodePayload[ClientTyping](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// DecodeServerEvent parses a server-to-client frame.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case TypeAuthSuccess:
		return decodePayload[AuthSuccess](env)
	case TypeNewRoom:
		return decodePayload[NewRoom](env)
	case TypeNewMessage:
		return decodePayload[NewMessage](env)
	case TypeMessageSent:
		return decodePayload[MessageSent](env)
	case TypeTyping:
		return decodePayload[ServerTyping](env)
	case TypeError:
		return decodePayload[ServerError](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func decodePayload[T any](env envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return v, nil
}
