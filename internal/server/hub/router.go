package hub

import (
	"time"

	"go.uber.org/zap"

	"chatsync/internal/protocol"
	"chatsync/internal/server/store"
)

// Router drives one connection's read loop: decode, dispatch, reply. The
// authentication gate lives here — an unauthenticated connection may only
// send Authenticate, and anything else gets an explicit error event back
// rather than silence.
type Router struct {
	hub    *Hub
	store  *store.Store
	logger *zap.Logger
}

// NewRouter creates a router over the given hub and store.
func NewRouter(h *Hub, s *store.Store, logger *zap.Logger) *Router {
	return &Router{hub: h, store: s, logger: logger}
}

// Serve runs the read loop for one connection until it closes. Call from a
// dedicated goroutine per connection.
func (r *Router) Serve(conn Conn) {
	handle := NewHandle(conn)
	defer func() {
		if userID := handle.UserID(); userID != "" {
			r.hub.RemoveConnection(userID, handle)
		}
		handle.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		event, err := protocol.DecodeClientEvent(frame)
		if err != nil {
			// Malformed or unknown frames do not tear the connection down.
			r.logger.Warn("dropping bad frame", zap.Error(err), zap.String("user_id", handle.UserID()))
			continue
		}

		r.dispatch(handle, event)
	}
}

func (r *Router) dispatch(handle *Handle, event protocol.ClientEvent) {
	auth, isAuth := event.(protocol.Authenticate)

	if handle.UserID() == "" {
		if !isAuth {
			r.reject(handle, "authentication required")
			return
		}
		r.authenticate(handle, auth)
		return
	}

	switch ev := event.(type) {
	case protocol.Authenticate:
		// Re-authentication on a live connection is a protocol violation.
		r.reject(handle, "already authenticated")
	case protocol.JoinRoom:
		r.joinRoom(handle, ev)
	case protocol.SendMessage:
		r.sendMessage(handle, ev)
	case protocol.ClientTyping:
		r.typing(handle, ev)
	}
}

func (r *Router) authenticate(handle *Handle, auth protocol.Authenticate) {
	if auth.UserID == "" {
		r.reject(handle, "empty user id")
		return
	}
	handle.setUserID(auth.UserID)
	r.hub.AddConnection(auth.UserID, handle)

	frame, err := protocol.EncodeServerEvent(protocol.AuthSuccess{
		UserID:      auth.UserID,
		TimestampMs: time.Now().UnixMilli(),
	})
	if err == nil {
		handle.Send(frame)
	}

	// Subscribe the user to every room they belong to, so pushes reach them
	// without an explicit JoinRoom for each.
	rooms, err := r.store.ListRoomsForUser(auth.UserID)
	if err != nil {
		r.logger.Error("failed to load user rooms", zap.Error(err), zap.String("user_id", auth.UserID))
		return
	}
	for _, room := range rooms {
		r.ensureRoom(room.ID)
		r.hub.JoinRoom(auth.UserID, room.ID)
	}
}

func (r *Router) joinRoom(handle *Handle, ev protocol.JoinRoom) {
	userID := handle.UserID()
	member, err := r.store.IsMember(ev.RoomID, userID)
	if err != nil {
		r.logger.Error("membership check failed", zap.Error(err), zap.String("room_id", ev.RoomID))
		return
	}
	if !member {
		r.reject(handle, "not a member of room "+ev.RoomID)
		return
	}
	r.ensureRoom(ev.RoomID)
	r.hub.JoinRoom(userID, ev.RoomID)
}

// sendMessage is the message acceptance path: persist preserving the
// client-supplied id, confirm to the sender, broadcast to the rest.
func (r *Router) sendMessage(handle *Handle, ev protocol.SendMessage) {
	userID := handle.UserID()

	member, err := r.store.IsMember(ev.RoomID, userID)
	if err != nil {
		r.logger.Error("membership check failed", zap.Error(err), zap.String("room_id", ev.RoomID))
		return
	}
	if !member {
		r.reject(handle, "not a member of room "+ev.RoomID)
		return
	}

	stored, err := r.store.SaveMessage(&protocol.Message{
		ID:          ev.MessageID,
		RoomID:      ev.RoomID,
		SenderID:    userID,
		Content:     ev.Content,
		CreatedAtMs: ev.CreatedAtMs,
		ReplyToID:   ev.ReplyToID,
	})
	if err != nil {
		r.logger.Error("failed to persist message", zap.Error(err), zap.String("message_id", ev.MessageID))
		r.reject(handle, "message not persisted")
		return
	}
	if err := r.store.TouchRoom(stored.RoomID, stored.Content.Preview(), stored.CreatedAtMs); err != nil {
		r.logger.Error("failed to touch room", zap.Error(err), zap.String("room_id", stored.RoomID))
	}

	// Confirmation goes to the sender's every device, then fan-out to the
	// rest of the room.
	r.ensureRoom(stored.RoomID)
	r.hub.SendToUser(userID, protocol.MessageSent{ClientID: ev.MessageID, Message: *stored})
	r.hub.BroadcastToRoom(stored.RoomID, protocol.NewMessage{Message: *stored}, userID)
}

func (r *Router) typing(handle *Handle, ev protocol.ClientTyping) {
	r.ensureRoom(ev.RoomID)
	r.hub.BroadcastToRoom(ev.RoomID, protocol.ServerTyping{
		RoomID:   ev.RoomID,
		UserID:   handle.UserID(),
		IsTyping: ev.IsTyping,
	}, handle.UserID())
}

// ensureRoom seeds the hub's member set from the durable store the first
// time a room sees traffic.
func (r *Router) ensureRoom(roomID string) {
	if r.hub.HasRoom(roomID) {
		return
	}
	members, err := r.store.RoomMembers(roomID)
	if err != nil {
		r.logger.Error("failed to load room members", zap.Error(err), zap.String("room_id", roomID))
		return
	}
	r.hub.SetRoomMembers(roomID, members)
}

func (r *Router) reject(handle *Handle, reason string) {
	frame, err := protocol.EncodeServerEvent(protocol.ServerError{Message: reason})
	if err != nil {
		return
	}
	handle.Send(frame)
}

// AnnounceRoom pushes a NewRoom event to every participant that is online,
// and registers the room's member set. Called by the REST layer after a
// room is created.
func (r *Router) AnnounceRoom(room *protocol.Room, excludeUserID string) {
	r.hub.SetRoomMembers(room.ID, room.ParticipantIDs)
	r.hub.BroadcastToRoom(room.ID, protocol.NewRoom{Room: *room}, excludeUserID)
}

// Ingest persists and fans out a message arriving over the REST fallback
// path, mirroring the websocket acceptance path. The confirmed copy is
// returned for the HTTP response.
func (r *Router) Ingest(senderID string, msg *protocol.Message) (*protocol.Message, error) {
	msg.SenderID = senderID
	stored, err := r.store.SaveMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := r.store.TouchRoom(stored.RoomID, stored.Content.Preview(), stored.CreatedAtMs); err != nil {
		r.logger.Error("failed to touch room", zap.Error(err), zap.String("room_id", stored.RoomID))
	}
	r.ensureRoom(stored.RoomID)
	r.hub.SendToUser(senderID, protocol.MessageSent{ClientID: stored.ID, Message: *stored})
	r.hub.BroadcastToRoom(stored.RoomID, protocol.NewMessage{Message: *stored}, senderID)
	return stored, nil
}
