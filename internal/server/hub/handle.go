package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = int64(64 * 1024)
)

// Conn is the subset of *websocket.Conn the handle needs. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
}

// Handle is one live client connection: the conn, a buffered outbound queue,
// and the write pump draining it. All writes go through Send; nothing else
// touches the conn for writing.
type Handle struct {
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	userID string
}

// NewHandle wraps a connection. The write pump starts immediately; the read
// side is driven by the router.
func NewHandle(conn Conn) *Handle {
	h := &Handle{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go h.writePump()
	return h
}

// UserID returns the authenticated user, or "" before authentication.
func (h *Handle) UserID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userID
}

func (h *Handle) setUserID(id string) {
	h.mu.Lock()
	h.userID = id
	h.mu.Unlock()
}

// Send queues a frame. Returns false if the handle is closed or its buffer
// is full; callers treat false as a dead connection.
func (h *Handle) Send(frame []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.send <- frame:
		return true
	case <-h.done:
		return false
	default:
		return false
	}
}

// Close shuts the handle down. Safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() {
		close(h.done)
		_ = h.conn.Close()
	})
}

func (h *Handle) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.Close()
	}()

	for {
		select {
		case frame := <-h.send:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.done:
			return
		}
	}
}
