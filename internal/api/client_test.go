package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatsync/internal/protocol"
)

type staticIdentity struct {
	token string
	user  string
}

func (s staticIdentity) Credential(context.Context) (string, error) { return s.token, nil }
func (s staticIdentity) UserID(context.Context) (string, error)     { return s.user, nil }

func TestListRoomsSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([]*protocol.Room{
			{ID: "r1", Name: "general", Type: protocol.RoomGroup, ParticipantIDs: []string{"u1"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticIdentity{token: "tok", user: "u1"})
	rooms, err := c.ListRooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q, want Bearer tok", gotAuth)
	}
	if len(rooms) != 1 || rooms[0].ID != "r1" {
		t.Errorf("rooms = %+v", rooms)
	}
}

func TestPostMessageRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var msg protocol.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode body: %v", err)
		}
		msg.DeliveryState = protocol.StateSent
		_ = json.NewEncoder(w).Encode(msg)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticIdentity{token: "tok"})
	confirmed, err := c.PostMessage(context.Background(), &protocol.Message{
		ID: "m1", RoomID: "r1", SenderID: "u1",
		Content: protocol.NewText("hi"), CreatedAtMs: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.ID != "m1" {
		t.Errorf("id = %q, want m1 (client id preserved)", confirmed.ID)
	}
	if confirmed.DeliveryState != protocol.StateSent {
		t.Errorf("state = %s, want sent", confirmed.DeliveryState)
	}
}

func TestListMessagesQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("room_id") != "r1" || q.Get("before") != "5000" || q.Get("limit") != "20" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode([]*protocol.Message{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticIdentity{token: "tok"})
	if _, err := c.ListMessages(context.Background(), "r1", 5000, 20); err != nil {
		t.Fatal(err)
	}
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticIdentity{token: "tok"})
	if _, err := c.ListRooms(context.Background()); err == nil {
		t.Error("expected error for 403 response")
	}
}
