// Package httpapi is the server's REST surface plus the websocket upgrade
// endpoint. The POST /messages path is the HTTP fallback for clients whose
// live channel is down; it funnels into the same persist-and-broadcast path
// as the websocket one.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/protocol"
	"chatsync/internal/server/hub"
	"chatsync/internal/server/store"
)

// TokenVerifier resolves a bearer token to a user id. The identity provider
// boundary: token issuance lives elsewhere.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// Handler holds the REST and websocket endpoints.
type Handler struct {
	store    *store.Store
	hub      *hub.Hub
	router   *hub.Router
	verifier TokenVerifier
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the HTTP handler set.
func NewHandler(s *store.Store, h *hub.Hub, r *hub.Router, verifier TokenVerifier, logger *zap.Logger) *Handler {
	return &Handler{
		store:    s,
		hub:      h,
		router:   r,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the gin engine with all endpoints behind bearer auth.
func (h *Handler) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	authed := engine.Group("/", h.authMiddleware())
	authed.POST("/rooms", h.createRoom)
	authed.GET("/rooms", h.listRooms)
	authed.GET("/messages", h.listMessages)
	authed.POST("/messages", h.postMessage)
	authed.GET("/ws", h.serveWs)

	return engine
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, err := h.verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString("user_id")
}

type createRoomRequest struct {
	Name           string            `json:"name" binding:"required"`
	Type           protocol.RoomType `json:"type" binding:"required"`
	ParticipantIDs []string          `json:"participant_ids"`
}

func (h *Handler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Type {
	case protocol.RoomDirect, protocol.RoomGroup, protocol.RoomChannel:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown room type"})
		return
	}

	creator := currentUser(c)
	participants := dedupe(append(req.ParticipantIDs, creator))

	room := &protocol.Room{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Type:           req.Type,
		ParticipantIDs: participants,
		UpdatedAtMs:    time.Now().UnixMilli(),
	}
	if err := h.store.CreateRoom(room); err != nil {
		h.logger.Error("failed to create room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room not created"})
		return
	}

	// Push the new room to every online participant except the creator, who
	// gets it in this response.
	h.router.AnnounceRoom(room, creator)

	c.JSON(http.StatusCreated, room)
}

func (h *Handler) listRooms(c *gin.Context) {
	rooms, err := h.store.ListRoomsForUser(currentUser(c))
	if err != nil {
		h.logger.Error("failed to list rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rooms unavailable"})
		return
	}
	if rooms == nil {
		rooms = []*protocol.Room{}
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *Handler) listMessages(c *gin.Context) {
	roomID := c.Query("room_id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id required"})
		return
	}
	member, err := h.store.IsMember(roomID, currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return
	}

	beforeMs, _ := strconv.ParseInt(c.Query("before"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.store.ListMessages(roomID, beforeMs, limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err), zap.String("room_id", roomID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "messages unavailable"})
		return
	}
	if msgs == nil {
		msgs = []*protocol.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) postMessage(c *gin.Context) {
	var msg protocol.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.ID == "" || msg.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and room_id required"})
		return
	}

	userID := currentUser(c)
	member, err := h.store.IsMember(msg.RoomID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return
	}

	stored, err := h.router.Ingest(userID, &msg)
	if err != nil {
		h.logger.Error("failed to ingest message", zap.Error(err), zap.String("message_id", msg.ID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message not persisted"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

// serveWs upgrades to a websocket and hands the connection to the router.
// The bearer token gates the upgrade; the Authenticate frame still opens the
// session on the socket itself.
func (h *Handler) serveWs(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	go h.router.Serve(ws)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
