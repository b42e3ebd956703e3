package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/backoff"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/identity"
	"chatsync/internal/protocol"
	"chatsync/internal/status"
)

// ErrStopped is returned by Connect after Disconnect was called.
var ErrStopped = errors.New("connection manager stopped")

// ErrRetryNotAllowed is returned by Retry outside the Error state.
var ErrRetryNotAllowed = errors.New("manual retry only allowed from error state")

// Manager maintains exactly one live connection per process, authenticates
// it, and recovers from loss with capped exponential backoff.
type Manager struct {
	cfg      *config.Config
	identity identity.Provider
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	dialer   Dialer

	mu         sync.Mutex
	connecting bool
	stopped    bool
	attempts   int
	current    *wire
	stopCh     chan struct{}
}

// NewManager creates a connection manager. It does not dial until Connect.
func NewManager(cfg *config.Config, provider identity.Provider, machine *status.Machine, b *bus.Bus, dialer Dialer, logger *zap.Logger) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Manager{
		cfg:      cfg,
		identity: provider,
		machine:  machine,
		bus:      b,
		logger:   logger,
		dialer:   dialer,
		stopCh:   make(chan struct{}),
	}
}

// Connect dials and authenticates. It is idempotent: a no-op while already
// connecting or connected, so concurrent callers cause exactly one dial.
// Once the machine has landed in Error, only Retry may leave it.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, false)
}

// Retry is the explicit manual retry out of the Error state. It resets the
// attempt counter before redialing.
func (m *Manager) Retry(ctx context.Context) error {
	if m.machine.Current() != status.Error {
		return ErrRetryNotAllowed
	}
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	return m.connect(ctx, true)
}

func (m *Manager) connect(ctx context.Context, fromError bool) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	cur := m.machine.Current()
	if m.connecting || cur == status.Connecting || cur == status.Connected {
		m.mu.Unlock()
		return nil
	}
	if cur == status.Error && !fromError {
		m.mu.Unlock()
		return ErrRetryNotAllowed
	}
	m.connecting = true
	m.mu.Unlock()

	return m.dial(ctx)
}

// Disconnect closes the connection and halts the reconnect loop. This is the
// only clean shutdown path, used at logout.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	w := m.current
	m.current = nil
	m.mu.Unlock()

	if w != nil {
		w.close()
	}
	_ = m.machine.Transition(status.Disconnected)
	m.logger.Info("connection manager stopped")
}

// Send queues a client event on the live channel.
func (m *Manager) Send(ev protocol.ClientEvent) error {
	m.mu.Lock()
	w := m.current
	m.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	data, err := protocol.EncodeClientEvent(ev)
	if err != nil {
		return err
	}
	return w.send(data)
}

// dial runs one connection attempt. The connecting flag is held for its
// duration and cleared on every exit path.
func (m *Manager) dial(ctx context.Context) error {
	_ = m.machine.Transition(status.Connecting)

	// Identity must be in place before any dial; these failures are surfaced
	// immediately rather than retried (re-running login fixes them, redialing
	// does not).
	userID, err := m.identity.UserID(ctx)
	if err != nil {
		m.clearConnecting()
		_ = m.machine.Transition(status.Disconnected)
		return fmt.Errorf("resolve user: %w", err)
	}
	token, err := m.identity.Credential(ctx)
	if err != nil {
		m.clearConnecting()
		_ = m.machine.Transition(status.Disconnected)
		return fmt.Errorf("resolve credential: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, err := m.dialer.Dial(ctx, m.cfg.WebsocketURL, header)
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err), zap.String("url", m.cfg.WebsocketURL))
		m.clearConnecting()
		m.scheduleReconnect()
		return err
	}

	// The Authenticate frame goes out before any other traffic. A successful
	// write is enough to consider the link up; the server's reply is
	// advisory so a slow reply cannot deadlock the transition.
	frame, err := protocol.EncodeClientEvent(protocol.Authenticate{UserID: userID})
	if err != nil {
		_ = c.Close()
		m.clearConnecting()
		return err
	}
	if err := c.WriteMessage(frame); err != nil {
		m.logger.Warn("authenticate write failed", zap.Error(err))
		_ = c.Close()
		m.clearConnecting()
		m.scheduleReconnect()
		return err
	}

	w := newWire(c)
	m.mu.Lock()
	m.current = w
	m.connecting = false
	m.attempts = 0
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connected)
	m.logger.Info("connected", zap.String("user_id", userID))

	go w.writePump()
	go m.readLoop(w)
	return nil
}

// readLoop drains inbound frames, decoding and republishing them on the bus.
// Malformed frames are logged and dropped without tearing the connection
// down. Loop exit means the connection closed.
func (m *Manager) readLoop(w *wire) {
	for {
		data, err := w.conn.ReadMessage()
		if err != nil {
			break
		}
		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			m.logger.Warn("dropping bad frame", zap.Error(err))
			continue
		}
		m.publish(ev)
	}

	w.close()
	m.mu.Lock()
	if m.current == w {
		m.current = nil
	}
	stopped := m.stopped
	m.mu.Unlock()

	_ = m.machine.Transition(status.Disconnected)
	if !stopped {
		m.logger.Warn("connection lost")
		m.scheduleReconnect()
	}
}

func (m *Manager) publish(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.AuthSuccess:
		m.bus.Publish(bus.Now(bus.KindPushAuthConfirmed, e))
	case protocol.NewMessage:
		m.bus.Publish(bus.Now(bus.KindPushNewMessage, e))
	case protocol.MessageSent:
		m.bus.Publish(bus.Now(bus.KindPushMessageSent, e))
	case protocol.NewRoom:
		m.bus.Publish(bus.Now(bus.KindPushNewRoom, e))
	case protocol.ServerTyping:
		m.bus.Publish(bus.Now(bus.KindPushTyping, e))
	case protocol.ServerError:
		m.logger.Warn("server error event", zap.String("message", e.Message))
		m.bus.Publish(bus.Now(bus.KindPushServerError, e))
	}
}

// scheduleReconnect arms one delayed redial, or parks the manager in Error
// once the attempt budget is spent.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.attempts++
	n := m.attempts
	m.mu.Unlock()

	if n > m.cfg.ReconnectMaxAttempts {
		m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", n-1))
		_ = m.machine.Transition(status.Error)
		return
	}

	delay := backoff.Delay(n, m.cfg.ReconnectBase(), m.cfg.ReconnectCap())
	m.logger.Info("scheduling reconnect", zap.Int("attempt", n), zap.Duration("delay", delay))
	_ = m.machine.Transition(status.Reconnecting)

	go func() {
		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		}
		m.mu.Lock()
		if m.stopped || m.connecting {
			m.mu.Unlock()
			return
		}
		m.connecting = true
		m.mu.Unlock()
		_ = m.dial(context.Background())
	}()
}

func (m *Manager) clearConnecting() {
	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()
}
