// Package api is the request/response client for the backend REST surface.
// The reconciliation layer uses it for authoritative fetches; the outbox can
// use it as an HTTP fallback send path when the live channel is down.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatsync/internal/identity"
	"chatsync/internal/protocol"
)

// Client talks to the backend REST API with bearer auth from the identity
// provider.
type Client struct {
	baseURL  string
	http     *http.Client
	identity identity.Provider
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string, provider identity.Provider) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 15 * time.Second},
		identity: provider,
	}
}

// CreateRoomRequest is the POST /rooms body.
type CreateRoomRequest struct {
	Name           string            `json:"name"`
	Type           protocol.RoomType `json:"type"`
	ParticipantIDs []string          `json:"participant_ids"`
}

// CreateRoom creates a room and returns the server-confirmed copy.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*protocol.Room, error) {
	var room protocol.Room
	if err := c.do(ctx, http.MethodPost, "/rooms", req, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms fetches the authoritative room list.
func (c *Client) ListRooms(ctx context.Context) ([]*protocol.Room, error) {
	var rooms []*protocol.Room
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// ListMessages fetches a room's messages, newest first, keyset-paginated.
func (c *Client) ListMessages(ctx context.Context, roomID string, beforeMs int64, limit int) ([]*protocol.Message, error) {
	q := url.Values{}
	q.Set("room_id", roomID)
	if beforeMs > 0 {
		q.Set("before", strconv.FormatInt(beforeMs, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []*protocol.Message
	if err := c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PostMessage submits a message over HTTP instead of the live channel. The
// server deduplicates on the client-supplied id, so retried posts are safe.
func (c *Client) PostMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var confirmed protocol.Message
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &confirmed); err != nil {
		return nil, err
	}
	return &confirmed, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.identity.Credential(ctx)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
