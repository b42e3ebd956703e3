package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/api"
	"chatsync/internal/bus"
	"chatsync/internal/protocol"
	"chatsync/internal/status"
	"chatsync/internal/store"
)

type staticIdentity struct{}

func (staticIdentity) Credential(ctx context.Context) (string, error) { return "token", nil }
func (staticIdentity) UserID(ctx context.Context) (string, error)     { return "alice", nil }

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testReconciler(t *testing.T, db *store.DB, apiClient *api.Client, opts Options) (*Reconciler, *bus.Bus, *status.Machine) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	return New(db, apiClient, machine, b, opts, zap.NewNop()), b, machine
}

func msg(id, roomID string, atMs int64, state protocol.DeliveryState) *protocol.Message {
	return &protocol.Message{
		ID:            id,
		RoomID:        roomID,
		SenderID:      "bob",
		Content:       protocol.NewText("hi " + id),
		CreatedAtMs:   atMs,
		DeliveryState: state,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestApplyMessageIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r, _, _ := testReconciler(t, db, nil, Options{})

	m := msg("m1", "room-1", 1000, protocol.StateSent)
	r.ApplyMessage(m)
	r.ApplyMessage(m)
	r.ApplyMessage(m)

	msgs, err := r.MessagesForRoom("room-1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].DeliveryState != protocol.StateSent {
		t.Errorf("delivery state = %q", msgs[0].DeliveryState)
	}
}

func TestConfirmationReplacesProvisionalEntry(t *testing.T) {
	db := openTestDB(t)
	r, b, _ := testReconciler(t, db, nil, Options{PollInterval: time.Hour})

	// Provisional optimistic copy, as the outbox writes it.
	provisional := msg("m1", "room-1", 1000, protocol.StateSending)
	if err := db.UpsertMessage(provisional); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	confirmed := *provisional
	confirmed.DeliveryState = protocol.StateSent
	b.Publish(bus.Now(bus.KindPushMessageSent, protocol.MessageSent{
		ClientID: "m1",
		Message:  confirmed,
	}))

	waitFor(t, 2*time.Second, func() bool {
		got, err := db.GetMessage("m1")
		return err == nil && got != nil && got.DeliveryState == protocol.StateSent
	})

	// Still exactly one entry: the id never changed.
	msgs, err := r.MessagesForRoom("room-1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestPushForUnknownRoomStillRecorded(t *testing.T) {
	db := openTestDB(t)
	r, b, _ := testReconciler(t, db, nil, Options{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	b.Publish(bus.Now(bus.KindPushNewMessage, protocol.NewMessage{
		Message: *msg("m1", "room-never-fetched", 5000, protocol.StateSent),
	}))

	waitFor(t, 2*time.Second, func() bool {
		got, err := db.GetMessage("m1")
		return err == nil && got != nil
	})

	// A placeholder room carries the summary so list ordering is correct
	// before any full fetch.
	room, err := db.GetRoom("room-never-fetched")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room == nil {
		t.Fatal("no placeholder room recorded")
	}
	if room.UpdatedAtMs != 5000 {
		t.Errorf("updated_at = %d, want 5000", room.UpdatedAtMs)
	}
	if room.LastMessageSummary == "" {
		t.Error("placeholder room has no summary")
	}
}

func TestMessagesForRoomOrdering(t *testing.T) {
	db := openTestDB(t)
	r, _, _ := testReconciler(t, db, nil, Options{})

	r.ApplyMessage(msg("m3", "room-1", 3000, protocol.StateSent))
	r.ApplyMessage(msg("m1", "room-1", 1000, protocol.StateSent))
	r.ApplyMessage(msg("m2", "room-1", 2000, protocol.StateSent))

	msgs, err := r.MessagesForRoom("room-1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"m1", "m2", "m3"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestCreateRoomIsOptimistic(t *testing.T) {
	db := openTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == http.MethodPost && req.URL.Path == "/rooms":
			var body api.CreateRoomRequest
			_ = json.NewDecoder(req.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(protocol.Room{
				ID:             "room-new",
				Name:           body.Name,
				Type:           body.Type,
				ParticipantIDs: body.ParticipantIDs,
				UpdatedAtMs:    time.Now().UnixMilli(),
			})
		case req.Method == http.MethodGet && req.URL.Path == "/rooms":
			_ = json.NewEncoder(w).Encode([]protocol.Room{})
		default:
			http.NotFound(w, req)
		}
	}))
	defer server.Close()

	client := api.NewClient(server.URL, staticIdentity{})
	r, _, _ := testReconciler(t, db, client, Options{})

	room, err := r.CreateRoom(context.Background(), api.CreateRoomRequest{
		Name:           "planning",
		Type:           protocol.RoomGroup,
		ParticipantIDs: []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	// Cached the instant the call returns, before any background sync.
	cached, err := db.GetRoom(room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if cached == nil {
		t.Fatal("room not cached optimistically")
	}
	if cached.Name != "planning" {
		t.Errorf("name = %q", cached.Name)
	}
}

func TestCreateRoomResyncOutlivesCallerContext(t *testing.T) {
	db := openTestDB(t)

	var listCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == http.MethodPost && req.URL.Path == "/rooms":
			var body api.CreateRoomRequest
			_ = json.NewDecoder(req.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(protocol.Room{
				ID:             "room-new",
				Name:           body.Name,
				Type:           body.Type,
				ParticipantIDs: body.ParticipantIDs,
				UpdatedAtMs:    time.Now().UnixMilli(),
			})
		case req.Method == http.MethodGet && req.URL.Path == "/rooms":
			listCalls.Add(1)
			_ = json.NewEncoder(w).Encode([]protocol.Room{})
		default:
			http.NotFound(w, req)
		}
	}))
	defer server.Close()

	client := api.NewClient(server.URL, staticIdentity{})
	r, _, _ := testReconciler(t, db, client, Options{
		StuckThreshold: time.Hour,
		PollInterval:   time.Hour,
		ResyncDelay:    10 * time.Millisecond,
	})
	r.Start(context.Background())
	defer r.Stop()

	// The caller's context ends as soon as the call returns, like a request
	// handler's would. The re-sync must still run.
	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.CreateRoom(ctx, api.CreateRoomRequest{
		Name:           "planning",
		Type:           protocol.RoomGroup,
		ParticipantIDs: []string{"alice", "bob"},
	})
	cancel()
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return listCalls.Load() >= 1
	})
}

func TestFallbackPollingWhenDisconnected(t *testing.T) {
	db := openTestDB(t)

	roomsJSON := []protocol.Room{{
		ID:             "room-1",
		Name:           "general",
		Type:           protocol.RoomGroup,
		ParticipantIDs: []string{"alice", "bob"},
		UpdatedAtMs:    1000,
	}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == http.MethodGet && req.URL.Path == "/rooms":
			_ = json.NewEncoder(w).Encode(roomsJSON)
		case req.Method == http.MethodGet && req.URL.Path == "/messages":
			_ = json.NewEncoder(w).Encode([]*protocol.Message{
				msg("m1", "room-1", 1000, protocol.StateSent),
			})
		default:
			http.NotFound(w, req)
		}
	}))
	defer server.Close()

	client := api.NewClient(server.URL, staticIdentity{})
	r, _, _ := testReconciler(t, db, client, Options{
		StuckThreshold: 10 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
	})
	// The machine starts Disconnected and stays there, so the stuck
	// threshold trips and polling takes over.
	r.lastConnected = time.Now().Add(-time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := db.GetMessage("m1")
		return err == nil && got != nil
	})

	room, err := db.GetRoom("room-1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room == nil || room.Name != "general" {
		t.Fatalf("room not synced: %+v", room)
	}
}
