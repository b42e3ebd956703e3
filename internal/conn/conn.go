// Package conn owns the client's single persistent server connection: the
// dial, the Authenticate handshake, and the reconnect loop. No other
// component ever touches the raw connection; they submit frames through Send
// and observe state through the status machine and the bus.
package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send while no live connection exists. The
// outbox treats it like any other transient send failure.
var ErrNotConnected = errors.New("not connected")

// Conn is the minimal surface the manager needs from a websocket connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections. Swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// wire is one live connection plus its writer goroutine. The writer is the
// sole goroutine that ever calls WriteMessage after the handshake.
type wire struct {
	conn Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newWire(c Conn) *wire {
	return &wire{
		conn: c,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

// writePump drains the outbound queue. A write failure closes the connection,
// which unblocks the read loop and hands control to the reconnect path.
func (w *wire) writePump() {
	for {
		select {
		case data := <-w.out:
			if err := w.conn.WriteMessage(data); err != nil {
				w.close()
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *wire) send(data []byte) error {
	select {
	case <-w.done:
		return ErrNotConnected
	default:
	}
	select {
	case w.out <- data:
		return nil
	case <-w.done:
		return ErrNotConnected
	}
}

func (w *wire) close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}
