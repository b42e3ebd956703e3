// Package hub is the server's session registry and broadcast router: it
// knows which users are reachable right now and delivers events to exactly
// those.
package hub

import (
	"sync"

	"go.uber.org/zap"

	"chatsync/internal/protocol"
)

// Hub tracks live connections per user and room membership per room.
// Connections are a multiset per user (multi-device); membership is
// independent of connection liveness, so an offline member is still a member.
type Hub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Handle]struct{}
	rooms    map[string]map[string]struct{}
}

// New creates an empty hub.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[string]map[*Handle]struct{}),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// AddConnection registers a live handle for a user.
func (h *Hub) AddConnection(userID string, handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*Handle]struct{})
	}
	h.sessions[userID][handle] = struct{}{}
	h.logger.Info("connection registered",
		zap.String("user_id", userID),
		zap.Int("devices", len(h.sessions[userID])))
}

// RemoveConnection drops one handle. The user's session disappears the
// instant its last handle closes.
func (h *Hub) RemoveConnection(userID string, handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handles, ok := h.sessions[userID]
	if !ok {
		return
	}
	delete(handles, handle)
	if len(handles) == 0 {
		delete(h.sessions, userID)
	}
	h.logger.Info("connection removed",
		zap.String("user_id", userID),
		zap.Int("devices", len(handles)))
}

// Online reports whether a user has at least one live handle.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// JoinRoom adds a user to a room's member set.
func (h *Hub) JoinRoom(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][userID] = struct{}{}
}

// LeaveRoom removes a user from a room's member set.
func (h *Hub) LeaveRoom(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[roomID], userID)
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
}

// SetRoomMembers replaces a room's member set wholesale, used to seed the
// hub from the durable store the first time a room sees traffic.
func (h *Hub) SetRoomMembers(roomID string, userIDs []string) {
	members := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		members[id] = struct{}{}
	}
	h.mu.Lock()
	h.rooms[roomID] = members
	h.mu.Unlock()
}

// HasRoom reports whether the hub holds a member set for the room.
func (h *Hub) HasRoom(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID] != nil
}

// BroadcastToRoom serializes the event once and writes it to every live
// handle of every room member except excludeUserID. A failed handle is
// dropped silently; the rest still get the event.
func (h *Hub) BroadcastToRoom(roomID string, event protocol.ServerEvent, excludeUserID string) {
	frame, err := protocol.EncodeServerEvent(event)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.Error(err), zap.String("room_id", roomID))
		return
	}

	h.mu.RLock()
	var targets []*Handle
	for userID := range h.rooms[roomID] {
		if userID == excludeUserID {
			continue
		}
		for handle := range h.sessions[userID] {
			targets = append(targets, handle)
		}
	}
	h.mu.RUnlock()

	for _, handle := range targets {
		if !handle.Send(frame) {
			// Dead handle: its pumps are shutting down and will deregister.
			h.logger.Warn("dropping dead handle",
				zap.String("user_id", handle.UserID()),
				zap.String("room_id", roomID))
			handle.Close()
		}
	}
}

// SendToUser serializes the event once and writes it to every live handle of
// one user.
func (h *Hub) SendToUser(userID string, event protocol.ServerEvent) {
	frame, err := protocol.EncodeServerEvent(event)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err), zap.String("user_id", userID))
		return
	}

	h.mu.RLock()
	var targets []*Handle
	for handle := range h.sessions[userID] {
		targets = append(targets, handle)
	}
	h.mu.RUnlock()

	for _, handle := range targets {
		if !handle.Send(frame) {
			handle.Close()
		}
	}
}
