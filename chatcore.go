// Package chatcore implements the real-time chat core of the TalkTrip
// travel marketplace client: broker connection lifecycle, room and personal
// subscriptions, optimistic sends reconciled against asynchronous server
// acks, cursor-paginated history merged with live pushes, and durable
// retry of failed sends.
//
// Example:
//
//	client := chatcore.NewClient("https://api.talktrip.example", tokenFn)
//	conn := chatcore.NewConn(chatcore.ConnConfig{URL: "wss://api.talktrip.example/ws", Token: tokenFn})
//	session, err := chatcore.NewSession(chatcore.SessionConfig{Client: client, Conn: conn, UserID: "me"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	session.Start(ctx)
//	room, _ := session.OpenRoom(ctx, "room-42")
//	session.Send("room-42", "hello!")
package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the history page size requested when none is set.
const DefaultPageSize = 30

// Client consumes the REST collaborators: room list, room detail with inline
// latest messages, backward message pagination, and the leave-room mutation.
// It does not implement those endpoints.
type Client struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the structured logger. The default logger is disabled.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST collaborator client. token may be nil for
// unauthenticated targets; it is re-invoked per request, never cached.
func NewClient(baseURL string, token TokenFunc, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// ListRooms fetches the room list, normalized into canonical rooms.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[roomListResponse](data)
	if err != nil {
		return nil, err
	}
	rooms := make([]Room, 0, len(resp.Rooms))
	for i := range resp.Rooms {
		rooms = append(rooms, resp.Rooms[i].normalize())
	}
	return rooms, nil
}

// RoomDetail fetches room metadata together with the latest message page in
// one round trip (includeMessages collapses what would otherwise be two
// calls). Messages arrive newest-first, as served.
func (c *Client) RoomDetail(ctx context.Context, roomID string, limit int) (Room, MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+roomID, nil, map[string]string{
		"includeMessages": "true",
		"limit":           strconv.Itoa(limit),
	})
	if err != nil {
		return Room{}, MessagePage{}, err
	}
	resp, err := decodeJSON[roomDetailResponse](data)
	if err != nil {
		return Room{}, MessagePage{}, err
	}
	return resp.Room.normalize(), normalizePage(resp.Messages, resp.Cursor, resp.HasMore), nil
}

// MessagesBefore fetches the page of messages strictly older than cursor.
func (c *Client) MessagesBefore(ctx context.Context, roomID string, cursor Cursor, limit int) (MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if cursor != "" {
		query["cursor"] = string(cursor)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+roomID+"/messages", nil, query)
	if err != nil {
		return MessagePage{}, err
	}
	resp, err := decodeJSON[messagePageResponse](data)
	if err != nil {
		return MessagePage{}, err
	}
	return normalizePage(resp.Messages, resp.Cursor, resp.HasMore), nil
}

// LeaveRoom removes the current user from a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/chat/rooms/"+roomID, nil, nil)
	return err
}

func normalizePage(payloads []messagePayload, cursor string, hasMore bool) MessagePage {
	msgs := make([]Message, 0, len(payloads))
	for i := range payloads {
		msgs = append(msgs, payloads[i].normalize())
	}
	return MessagePage{Messages: msgs, Cursor: Cursor(cursor), HasMore: hasMore}
}
