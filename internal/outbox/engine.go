// Package outbox is the durable delivery engine: every outgoing message is
// written to the outbox table before any network attempt, retried with
// capped exponential backoff, and removed only on server confirmation.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/backoff"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/identity"
	"chatsync/internal/protocol"
	"chatsync/internal/store"
)

// Options are the engine's policy knobs.
type Options struct {
	Interval         time.Duration
	MaxRetries       int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
}

// OptionsFromConfig maps the daemon config onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:         cfg.OutboxInterval(),
		MaxRetries:       cfg.OutboxMaxRetries,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown(),
		BackoffBase:      cfg.ReconnectBase(),
		BackoffCap:       cfg.ReconnectCap(),
	}
}

// Metrics is a read-only snapshot of engine state for UI and telemetry.
type Metrics struct {
	Pending      int
	Sending      int
	Failed       int
	Abandoned    int
	LastError    string
	BreakerOpen  bool
	BreakerUntil time.Time
}

// Engine drains the outbox on a fixed interval. It is the only component
// that mutates outbox rows, so retry bookkeeping never races.
type Engine struct {
	db        *store.DB
	transport Transport
	identity  identity.Provider
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options
	cancel    context.CancelFunc
	kick      chan struct{}

	mu           sync.Mutex
	inCycle      bool
	consecFails  int
	breakerUntil time.Time
	lastError    string
}

// NewEngine creates a delivery engine.
func NewEngine(db *store.DB, transport Transport, provider identity.Provider, b *bus.Bus, opts Options, logger *zap.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 10
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 60 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 32 * time.Second
	}
	return &Engine{
		db:        db,
		transport: transport,
		identity:  provider,
		bus:       b,
		logger:    logger,
		opts:      opts,
		kick:      make(chan struct{}, 1),
	}
}

// Enqueue durably queues a message for delivery and records the optimistic
// copy so the UI shows it immediately. The outbox write happens before this
// returns; that write is the at-least-once guarantee.
func (e *Engine) Enqueue(ctx context.Context, roomID string, content protocol.Content, replyToID string) (*protocol.Message, error) {
	senderID, err := e.identity.UserID(ctx)
	if err != nil {
		return nil, err
	}

	msg := &protocol.Message{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		SenderID:      senderID,
		Content:       content,
		CreatedAtMs:   time.Now().UnixMilli(),
		DeliveryState: protocol.StateSending,
		ReplyToID:     replyToID,
	}

	if err := e.db.EnqueueOutbox(&store.OutboxEntry{
		MessageID:   msg.ID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		CreatedAtMs: msg.CreatedAtMs,
		ReplyToID:   msg.ReplyToID,
	}); err != nil {
		return nil, err
	}

	// Optimistic cache entry with a "sending" badge.
	if err := e.db.UpsertMessage(msg); err != nil {
		e.logger.Error("optimistic insert failed", zap.Error(err), zap.String("message_id", msg.ID))
	}
	_ = e.db.TouchRoom(msg.RoomID, msg.Content.Preview(), msg.CreatedAtMs)

	e.bus.Publish(bus.Now(bus.KindOutboxQueued, map[string]string{
		"message_id": msg.ID,
		"room_id":    msg.RoomID,
	}))
	e.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{
		"message_id": msg.ID,
		"room_id":    msg.RoomID,
	}))

	e.Kick()
	return msg, nil
}

// Start begins the delivery loop. The loop is tied to the process, not the
// connection: it keeps running across reconnects.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.loop(ctx)
}

// Stop halts the delivery loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Kick requests an immediate out-of-cycle pass.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Retry re-arms one abandoned or failed entry and clears the breaker.
func (e *Engine) Retry(ctx context.Context, messageID string) error {
	if err := e.db.ResetOutboxRetry(messageID); err != nil {
		return err
	}
	_ = e.db.SetDeliveryState(messageID, protocol.StateSending)
	e.resetBreaker()
	e.Kick()
	return nil
}

// RetryAll re-arms every failed and abandoned entry and clears the breaker.
func (e *Engine) RetryAll(ctx context.Context) error {
	if err := e.db.ResetAllOutboxRetries(); err != nil {
		return err
	}
	e.resetBreaker()
	e.Kick()
	return nil
}

// Snapshot returns current metrics. The returned value is a copy; consumers
// cannot mutate engine state through it.
func (e *Engine) Snapshot() (*Metrics, error) {
	counts, err := e.db.CountOutbox()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Metrics{
		Pending:      counts.Pending,
		Sending:      counts.Sending,
		Failed:       counts.Failed,
		Abandoned:    counts.Abandoned,
		LastError:    e.lastError,
		BreakerOpen:  time.Now().Before(e.breakerUntil),
		BreakerUntil: e.breakerUntil,
	}, nil
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.processCycle(ctx)
		case <-e.kick:
			e.processCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processCycle runs one pass over the pending pool. Single-flight: if a
// previous pass is still running, this tick is skipped.
func (e *Engine) processCycle(ctx context.Context) {
	e.mu.Lock()
	if e.inCycle {
		e.mu.Unlock()
		return
	}
	if time.Now().Before(e.breakerUntil) {
		e.mu.Unlock()
		return
	}
	e.inCycle = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inCycle = false
		e.mu.Unlock()
	}()

	entries, err := e.db.PendingOutbox()
	if err != nil {
		e.logger.Error("failed to load outbox", zap.Error(err))
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.breakerOpen() {
			return
		}

		if entry.RetryCount > e.opts.MaxRetries {
			// Marked once: abandoning removes it from the pending pool, so
			// the loop never sees it again until an explicit retry.
			e.logger.Warn("abandoning message after retry ceiling",
				zap.String("message_id", entry.MessageID),
				zap.Int("retries", entry.RetryCount))
			_ = e.db.MarkOutboxAbandoned(entry.MessageID)
			_ = e.db.SetDeliveryState(entry.MessageID, protocol.StateFailed)
			e.bus.Publish(bus.Now(bus.KindOutboxAbandoned, map[string]string{
				"message_id": entry.MessageID,
			}))
			continue
		}

		var lastRetry time.Time
		if entry.LastRetryAtMs > 0 {
			lastRetry = time.UnixMilli(entry.LastRetryAtMs)
		}
		if !backoff.Due(entry.RetryCount, lastRetry, now, e.opts.BackoffBase, e.opts.BackoffCap) {
			continue
		}

		e.attempt(ctx, entry)
	}
}

func (e *Engine) attempt(ctx context.Context, entry *store.OutboxEntry) {
	if err := e.db.MarkOutboxSending(entry.MessageID); err != nil {
		e.logger.Error("failed to mark sending", zap.Error(err), zap.String("message_id", entry.MessageID))
		return
	}

	confirmed, err := e.transport.Deliver(ctx, entry.Message())
	if err != nil {
		e.logger.Warn("delivery failed",
			zap.Error(err),
			zap.String("message_id", entry.MessageID),
			zap.Int("retry_count", entry.RetryCount))
		_ = e.db.MarkOutboxFailed(entry.MessageID, err.Error())
		_ = e.db.SetDeliveryState(entry.MessageID, protocol.StateFailed)
		e.bus.Publish(bus.Now(bus.KindOutboxFailed, map[string]string{
			"message_id": entry.MessageID,
			"error":      err.Error(),
		}))
		e.recordFailure(err)
		return
	}

	// Confirmed: the entry's job is done.
	if err := e.db.DeleteOutbox(entry.MessageID); err != nil {
		e.logger.Error("failed to delete outbox entry", zap.Error(err), zap.String("message_id", entry.MessageID))
	}
	if confirmed.DeliveryState == "" || confirmed.DeliveryState == protocol.StateSending {
		confirmed.DeliveryState = protocol.StateSent
	}
	if err := e.db.UpsertMessage(confirmed); err != nil {
		e.logger.Error("failed to store confirmed message", zap.Error(err), zap.String("message_id", confirmed.ID))
	}
	_ = e.db.TouchRoom(confirmed.RoomID, confirmed.Content.Preview(), confirmed.CreatedAtMs)

	e.resetBreaker()
	e.logger.Info("message delivered", zap.String("message_id", entry.MessageID))
	e.bus.Publish(bus.Now(bus.KindOutboxSent, map[string]string{
		"message_id": entry.MessageID,
		"room_id":    entry.RoomID,
	}))
	e.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{
		"message_id": confirmed.ID,
		"room_id":    confirmed.RoomID,
	}))
}

// recordFailure advances the breaker. Once the threshold of consecutive
// failures is reached, the whole engine pauses for the cooldown window so a
// broken network is not hammered by many independent entries at once.
func (e *Engine) recordFailure(err error) {
	e.mu.Lock()
	e.consecFails++
	e.lastError = err.Error()
	tripped := e.consecFails >= e.opts.BreakerThreshold && !time.Now().Before(e.breakerUntil)
	if tripped {
		e.breakerUntil = time.Now().Add(e.opts.BreakerCooldown)
	}
	until := e.breakerUntil
	e.mu.Unlock()

	if tripped {
		e.logger.Warn("circuit breaker open",
			zap.Int("consecutive_failures", e.opts.BreakerThreshold),
			zap.Time("until", until))
		e.bus.Publish(bus.Now(bus.KindOutboxBreaker, map[string]string{
			"until": until.Format(time.RFC3339),
		}))
	}
}

func (e *Engine) breakerOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Now().Before(e.breakerUntil)
}

func (e *Engine) resetBreaker() {
	e.mu.Lock()
	e.consecFails = 0
	e.breakerUntil = time.Time{}
	e.mu.Unlock()
}
