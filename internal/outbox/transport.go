package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/bus"
	"chatsync/internal/conn"
	"chatsync/internal/protocol"
)

// Transport delivers one message to the server and returns the
// server-confirmed copy. Implementations must be safe to retry: the server
// deduplicates on the client-supplied message id.
type Transport interface {
	Deliver(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
}

// ChannelTransport sends over the live websocket and waits for the matching
// MessageSent confirmation pushed back by the server.
type ChannelTransport struct {
	conn    *conn.Manager
	bus     *bus.Bus
	timeout time.Duration
}

// NewChannelTransport creates a live-channel transport. timeout bounds the
// wait for the server's confirmation.
func NewChannelTransport(m *conn.Manager, b *bus.Bus, timeout time.Duration) *ChannelTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChannelTransport{conn: m, bus: b, timeout: timeout}
}

func (t *ChannelTransport) Deliver(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	// Subscribe before sending so the confirmation cannot slip past.
	sub := t.bus.Subscribe(bus.KindPushMessageSent, 16)
	defer sub.Stop()

	err := t.conn.Send(protocol.SendMessage{
		MessageID:   msg.ID,
		RoomID:      msg.RoomID,
		Content:     msg.Content,
		CreatedAtMs: msg.CreatedAtMs,
		ReplyToID:   msg.ReplyToID,
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	for {
		select {
		case evt := <-sub.C:
			sent, ok := evt.Payload.(protocol.MessageSent)
			if !ok || sent.ClientID != msg.ID {
				continue
			}
			confirmed := sent.Message
			return &confirmed, nil
		case <-timer.C:
			return nil, fmt.Errorf("no confirmation for %s within %v", msg.ID, t.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// HTTPTransport posts through the REST API; the response body is the
// confirmation.
type HTTPTransport struct {
	client *api.Client
}

// NewHTTPTransport creates a REST fallback transport.
func NewHTTPTransport(client *api.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Deliver(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return t.client.PostMessage(ctx, msg)
}

// FallbackTransport tries the live channel first and falls back to HTTP when
// no connection is up.
type FallbackTransport struct {
	Primary   Transport
	Secondary Transport
}

func (t *FallbackTransport) Deliver(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	confirmed, err := t.Primary.Deliver(ctx, msg)
	if err == nil {
		return confirmed, nil
	}
	if errors.Is(err, conn.ErrNotConnected) && t.Secondary != nil {
		return t.Secondary.Deliver(ctx, msg)
	}
	return nil, err
}
