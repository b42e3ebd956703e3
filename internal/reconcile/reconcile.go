// Package reconcile merges the two asynchronous views of server truth, push
// events and REST fetches, into the local cache. It is the only reader the
// UI needs: everything it serves is deduplicated by id and time-ordered.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/api"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/protocol"
	"chatsync/internal/status"
	"chatsync/internal/store"
)

// Options tune the fallback polling behavior.
type Options struct {
	// StuckThreshold is how long the connection may stay outside Connected
	// before polling takes over from push delivery.
	StuckThreshold time.Duration
	// PollInterval is how often the stuck check runs.
	PollInterval time.Duration
	// FetchLimit caps how many messages a per-room resync pulls.
	FetchLimit int
	// ResyncDelay is how long after an optimistic room creation the full
	// room list is refetched.
	ResyncDelay time.Duration
}

// OptionsFromConfig maps the daemon config onto reconciler options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StuckThreshold: cfg.PollStuckThreshold(),
		PollInterval:   cfg.PollInterval(),
	}
}

// Reconciler applies pushed server events and REST fetch results to the
// store. Both paths funnel through the same idempotent upserts, so replays
// and races between them are harmless.
type Reconciler struct {
	db      *store.DB
	api     *api.Client
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	cancel  context.CancelFunc

	mu            sync.Mutex
	runCtx        context.Context
	lastConnected time.Time
}

// New creates a reconciler.
func New(db *store.DB, apiClient *api.Client, machine *status.Machine, b *bus.Bus, opts Options, logger *zap.Logger) *Reconciler {
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 100
	}
	if opts.ResyncDelay <= 0 {
		opts.ResyncDelay = 2 * time.Second
	}
	return &Reconciler{
		db:            db,
		api:           apiClient,
		machine:       machine,
		bus:           b,
		logger:        logger,
		opts:          opts,
		lastConnected: time.Now(),
	}
}

// Start launches the push-apply loop and the fallback polling loop. Both
// survive reconnects; Stop (or ctx cancellation) ends them.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()
	go r.applyLoop(ctx)
	go r.pollLoop(ctx)
}

// lifecycleContext returns the Start context, so background work outlives
// the request context of the call that spawned it.
func (r *Reconciler) lifecycleContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx != nil {
		return r.runCtx
	}
	return context.Background()
}

// Stop halts the background loops.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) applyLoop(ctx context.Context) {
	sub := r.bus.Subscribe("push.", 128)
	defer sub.Stop()

	for {
		select {
		case evt := <-sub.C:
			r.applyPush(evt)
		case <-ctx.Done():
			return
		}
	}
}

// applyPush folds one pushed server event into the cache.
func (r *Reconciler) applyPush(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case protocol.NewMessage:
		r.ApplyMessage(&p.Message)
	case protocol.MessageSent:
		// The confirmed copy shares the provisional id, so this upsert is
		// the provisional-to-confirmed replacement.
		msg := p.Message
		if msg.DeliveryState == "" || msg.DeliveryState == protocol.StateSending {
			msg.DeliveryState = protocol.StateSent
		}
		r.ApplyMessage(&msg)
	case protocol.NewRoom:
		r.ApplyRoom(&p.Room)
	case protocol.ServerTyping:
		// Ephemeral: passed through for UI consumers, never persisted.
		r.bus.Publish(bus.Now(bus.KindTypingChanged, p))
	case protocol.ServerError:
		r.logger.Warn("server error", zap.String("message", p.Message))
	}
}

// ApplyMessage merges one server-confirmed message into the cache. Applying
// the same message any number of times leaves the same state.
func (r *Reconciler) ApplyMessage(msg *protocol.Message) {
	if err := r.db.UpsertMessage(msg); err != nil {
		r.logger.Error("failed to apply message", zap.Error(err), zap.String("message_id", msg.ID))
		return
	}
	// Record activity even for rooms not cached in full yet, so the room
	// list ordering stays correct before any fetch happens.
	if err := r.db.TouchRoom(msg.RoomID, msg.Content.Preview(), msg.CreatedAtMs); err != nil {
		r.logger.Error("failed to touch room", zap.Error(err), zap.String("room_id", msg.RoomID))
	}
	r.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{
		"message_id": msg.ID,
		"room_id":    msg.RoomID,
	}))
}

// ApplyRoom merges one server-confirmed room into the cache.
func (r *Reconciler) ApplyRoom(room *protocol.Room) {
	if err := r.db.UpsertRoom(room); err != nil {
		r.logger.Error("failed to apply room", zap.Error(err), zap.String("room_id", room.ID))
		return
	}
	r.bus.Publish(bus.Now(bus.KindRoomUpserted, map[string]string{"room_id": room.ID}))
}

// MessagesForRoom returns the cached messages of a room in display order:
// ascending client timestamp, id as the tiebreak.
func (r *Reconciler) MessagesForRoom(roomID string, limit int) ([]*protocol.Message, error) {
	msgs, err := r.db.ListMessages(roomID, 0, limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAtMs != msgs[j].CreatedAtMs {
			return msgs[i].CreatedAtMs < msgs[j].CreatedAtMs
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// Rooms returns the cached room list, most recently active first.
func (r *Reconciler) Rooms() ([]*protocol.Room, error) {
	return r.db.ListRooms()
}

// CreateRoom creates a room on the server and caches it optimistically the
// moment the call returns. A background refetch follows shortly after: the
// creation response can race with the pushes other participants trigger, so
// the full list is re-synced once the dust settles.
func (r *Reconciler) CreateRoom(ctx context.Context, req api.CreateRoomRequest) (*protocol.Room, error) {
	room, err := r.api.CreateRoom(ctx, req)
	if err != nil {
		return nil, err
	}
	r.ApplyRoom(room)

	go func() {
		// Tied to the reconciler's lifetime: the caller's request context
		// usually ends right after CreateRoom returns.
		ctx := r.lifecycleContext()
		timer := time.NewTimer(r.opts.ResyncDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if err := r.SyncRooms(ctx); err != nil {
			r.logger.Warn("post-create room sync failed", zap.Error(err))
		}
	}()
	return room, nil
}

// SyncRooms fetches the authoritative room list and merges it in.
func (r *Reconciler) SyncRooms(ctx context.Context) error {
	rooms, err := r.api.ListRooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		r.ApplyRoom(room)
	}
	return nil
}

// SyncRoom fetches a room's recent messages and merges them in.
func (r *Reconciler) SyncRoom(ctx context.Context, roomID string) error {
	msgs, err := r.api.ListMessages(ctx, roomID, 0, r.opts.FetchLimit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		r.ApplyMessage(msg)
	}
	return nil
}

// pollLoop watches the connection state and falls back to REST polling when
// push delivery has been unavailable for longer than the stuck threshold.
func (r *Reconciler) pollLoop(ctx context.Context) {
	sub := r.bus.Subscribe("conn.", 16)
	defer sub.Stop()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-sub.C:
			change, ok := evt.Payload.(status.Change)
			if !ok {
				continue
			}
			if change.To == status.Connected {
				r.mu.Lock()
				r.lastConnected = time.Now()
				r.mu.Unlock()
			}
		case <-ticker.C:
			if r.stuck() {
				r.resync(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) stuck() bool {
	if r.machine.Current() == status.Connected {
		r.mu.Lock()
		r.lastConnected = time.Now()
		r.mu.Unlock()
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastConnected) > r.opts.StuckThreshold
}

// resync pulls the room list and each room's recent messages over REST.
// Failures are logged and retried on the next tick; eventual consistency is
// the whole point of this path.
func (r *Reconciler) resync(ctx context.Context) {
	r.logger.Info("connection stuck, polling over REST")
	if err := r.SyncRooms(ctx); err != nil {
		r.logger.Warn("room poll failed", zap.Error(err))
		return
	}
	rooms, err := r.db.ListRooms()
	if err != nil {
		r.logger.Error("failed to list cached rooms", zap.Error(err))
		return
	}
	for _, room := range rooms {
		if ctx.Err() != nil {
			return
		}
		if err := r.SyncRoom(ctx, room.ID); err != nil {
			r.logger.Warn("message poll failed", zap.Error(err), zap.String("room_id", room.ID))
		}
	}
}
