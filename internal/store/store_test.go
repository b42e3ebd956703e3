package store

import (
	"path/filepath"
	"testing"

	"chatsync/internal/protocol"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestRoomUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	room := &protocol.Room{
		ID:             "r1",
		Name:           "general",
		Type:           protocol.RoomGroup,
		ParticipantIDs: []string{"u1", "u2"},
		UpdatedAtMs:    1000,
	}
	if err := db.UpsertRoom(room); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoom(room); err != nil {
		t.Fatal(err)
	}

	rooms, err := db.ListRooms()
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 {
		t.Fatalf("got %d rooms, want 1", len(rooms))
	}
	if rooms[0].Name != "general" || len(rooms[0].ParticipantIDs) != 2 {
		t.Errorf("room = %+v", rooms[0])
	}
}

func TestRoomUpdatedAtNeverMovesBackwards(t *testing.T) {
	db := testDB(t)

	if err := db.TouchRoom("r1", "newer", 2000); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchRoom("r1", "older", 1000); err != nil {
		t.Fatal(err)
	}

	r, err := db.GetRoom("r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.UpdatedAtMs != 2000 {
		t.Errorf("updated_at = %d, want 2000", r.UpdatedAtMs)
	}
	if r.LastMessageSummary != "newer" {
		t.Errorf("summary = %q, want newer", r.LastMessageSummary)
	}
}

func TestListRoomsOrderedByActivity(t *testing.T) {
	db := testDB(t)

	_ = db.TouchRoom("stale", "a", 100)
	_ = db.TouchRoom("fresh", "b", 300)
	_ = db.TouchRoom("middle", "c", 200)

	rooms, err := db.ListRooms()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"fresh", "middle", "stale"}
	for i, id := range want {
		if rooms[i].ID != id {
			t.Errorf("rooms[%d] = %s, want %s", i, rooms[i].ID, id)
		}
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	m := &protocol.Message{
		ID:            "m1",
		RoomID:        "r1",
		SenderID:      "u1",
		Content:       protocol.NewText("hello"),
		CreatedAtMs:   1000,
		DeliveryState: protocol.StateSent,
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("r1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content.Text.Body != "hello" {
		t.Errorf("body = %q, want hello", msgs[0].Content.Text.Body)
	}
	if msgs[0].DeliveryState != protocol.StateSent {
		t.Errorf("state = %s, want sent", msgs[0].DeliveryState)
	}
}

func TestSetDeliveryState(t *testing.T) {
	db := testDB(t)

	m := &protocol.Message{
		ID: "m1", RoomID: "r1", SenderID: "u1",
		Content: protocol.NewText("x"), CreatedAtMs: 1,
		DeliveryState: protocol.StateSending,
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.SetDeliveryState("m1", protocol.StateSent); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != protocol.StateSent {
		t.Errorf("state = %s, want sent", got.DeliveryState)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	e := &OutboxEntry{
		MessageID:   "m1",
		RoomID:      "r1",
		SenderID:    "u1",
		Content:     protocol.NewText("hi"),
		CreatedAtMs: 1000,
	}
	if err := db.EnqueueOutbox(e); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].Status != OutboxPending || pending[0].RetryCount != 0 {
		t.Errorf("entry = %+v", pending[0])
	}

	if err := db.MarkOutboxFailed("m1", "dial tcp: refused"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetOutbox("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.LastRetryAtMs == 0 {
		t.Error("last_retry_at not stamped")
	}
	if got.LastError != "dial tcp: refused" {
		t.Errorf("last_error = %q", got.LastError)
	}

	// Failed entries stay in the pending pool.
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("got %d pending after failure, want 1", len(pending))
	}

	if err := db.DeleteOutbox("m1"); err != nil {
		t.Fatal(err)
	}
	gone, err := db.GetOutbox("m1")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("entry still present after delete")
	}
}

func TestOutboxAbandonedLeavesPendingPool(t *testing.T) {
	db := testDB(t)

	if err := db.EnqueueOutbox(&OutboxEntry{MessageID: "m1", RoomID: "r1", SenderID: "u1", Content: protocol.NewText("x"), CreatedAtMs: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxAbandoned("m1"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("abandoned entry still in pending pool")
	}

	// Explicit reset revives it.
	if err := db.ResetOutboxRetry("m1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("got %d pending after reset, want 1", len(pending))
	}
	if pending[0].RetryCount != 0 {
		t.Errorf("retry_count = %d after reset, want 0", pending[0].RetryCount)
	}
}

// TestOutboxSurvivesReopen covers cold-start durability: everything enqueued
// and not yet confirmed reappears with its id, content, and retry count after
// the process restarts.
func TestOutboxSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := db.EnqueueOutbox(&OutboxEntry{
			MessageID: id, RoomID: "r1", SenderID: "u1",
			Content: protocol.NewText("body-" + id), CreatedAtMs: 1000,
		}); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.MarkOutboxFailed("m2", "timeout")
	// m3 caught mid-attempt by the "crash".
	_ = db.MarkOutboxSending("m3")
	_ = db.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db2.Close() }()
	if _, err := db2.Migrate(); err != nil {
		t.Fatal(err)
	}

	pending, err := db2.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d entries after reopen, want 3", len(pending))
	}
	byID := map[string]*OutboxEntry{}
	for _, e := range pending {
		byID[e.MessageID] = e
	}
	if byID["m1"].RetryCount != 0 || byID["m2"].RetryCount != 1 {
		t.Errorf("retry counts not preserved: m1=%d m2=%d", byID["m1"].RetryCount, byID["m2"].RetryCount)
	}
	if byID["m2"].Content.Text.Body != "body-m2" {
		t.Errorf("content not preserved: %q", byID["m2"].Content.Text.Body)
	}
}

func TestCountOutbox(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b", "c"} {
		_ = db.EnqueueOutbox(&OutboxEntry{MessageID: id, RoomID: "r", SenderID: "u", Content: protocol.NewText(id), CreatedAtMs: 1})
	}
	_ = db.MarkOutboxFailed("b", "x")
	_ = db.MarkOutboxAbandoned("c")

	counts, err := db.CountOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 1 || counts.Failed != 1 || counts.Abandoned != 1 {
		t.Errorf("counts = %+v", counts)
	}
}
