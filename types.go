package chatcore

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Canonical Model
// ============================================================================

// RoomType distinguishes one-on-one rooms from group rooms.
type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomGroup  RoomType = "group"
)

// Room is the canonical room entry owned by the RoomDirectory.
type Room struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Type          RoomType  `json:"type"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// MessageOrigin marks whether a message is an optimistic local send or a
// server-confirmed one.
type MessageOrigin string

const (
	OriginPendingLocal    MessageOrigin = "pending-local"
	OriginConfirmedRemote MessageOrigin = "confirmed-remote"
)

// Message is the canonical message owned by a room's MessageStore.
// ID is empty for not-yet-confirmed local sends.
type Message struct {
	ID                string        `json:"id,omitempty"`
	RoomID            string        `json:"roomId"`
	SenderID          string        `json:"senderId"`
	SenderDisplayName string        `json:"senderDisplayName,omitempty"`
	Body              string        `json:"body"`
	CreatedAt         time.Time     `json:"createdAt"`
	Origin            MessageOrigin `json:"origin"`
}

// Cursor is an opaque token marking the oldest message already fetched for a
// room. An empty cursor means no page has been fetched yet.
type Cursor string

// FailedStatus is the lifecycle status of a FailedMessageRecord.
type FailedStatus string

const (
	FailedStatusFailed    FailedStatus = "failed"
	FailedStatusRetrying  FailedStatus = "retrying"
	FailedStatusAbandoned FailedStatus = "abandoned"
)

// FailedMessageRecord is a durable local record of a message the server has
// not confirmed.
type FailedMessageRecord struct {
	ID         string       `json:"id"`
	RoomID     string       `json:"roomId"`
	Body       string       `json:"body"`
	SenderID   string       `json:"senderId"`
	FailedAt   time.Time    `json:"failedAt"`
	RetryCount int          `json:"retryCount"`
	Status     FailedStatus `json:"status"`
	LastError  string       `json:"lastError,omitempty"`
}

// ============================================================================
// Wire Payloads (broker)
// ============================================================================

// SendPayload is the body of SEND /app/chat/message.
type SendPayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// ErrorQueuePayload arrives on /user/queue/errors when the server rejects a
// send.
type ErrorQueuePayload struct {
	OriginalMessage SendPayload    `json:"originalMessage"`
	Error           string         `json:"error"`
	ErrorCode       string         `json:"errorCode,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	FailedAt        time.Time      `json:"failedAt"`
}

// ============================================================================
// REST / Push Normalization
//
// The collaborator endpoints and push payloads are inconsistent about field
// names ("last message" and "unread count" each appear under several aliases).
// The ambiguity is resolved here, once, at the boundary; only canonical
// structs travel inward.
// ============================================================================

type roomPayload struct {
	ID    string `json:"id"`
	IDAlt string `json:"roomId"`
	Title string `json:"title"`
	Name  string `json:"roomName"`
	Type  string `json:"type"`

	LastMessage   string `json:"lastMessage"`
	LastMessage2  string `json:"last_message"`
	RecentMessage string `json:"recentMessage"`

	LastMessageAt  string `json:"lastMessageAt"`
	LastMessageAt2 string `json:"last_message_at"`
	LastMessageTs  string `json:"lastMessageTime"`

	UnreadCount  *int `json:"unreadCount"`
	UnreadCount2 *int `json:"unread_count"`
	NotReadCount *int `json:"notReadCount"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// normalize collapses the aliased wire fields into a canonical Room.
func (p *roomPayload) normalize() Room {
	typ := RoomDirect
	if p.Type == string(RoomGroup) {
		typ = RoomGroup
	}
	return Room{
		ID:            firstNonEmpty(p.ID, p.IDAlt),
		Title:         firstNonEmpty(p.Title, p.Name),
		Type:          typ,
		LastMessage:   firstNonEmpty(p.LastMessage, p.LastMessage2, p.RecentMessage),
		LastMessageAt: parseWireTime(firstNonEmpty(p.LastMessageAt, p.LastMessageAt2, p.LastMessageTs)),
		UnreadCount:   firstInt(p.UnreadCount, p.UnreadCount2, p.NotReadCount),
	}
}

type messagePayload struct {
	ID    string `json:"id"`
	IDAlt string `json:"messageId"`

	RoomID    string `json:"roomId"`
	RoomIDAlt string `json:"room_id"`

	SenderID    string `json:"senderId"`
	SenderIDAlt string `json:"accountId"`

	SenderName    string `json:"senderDisplayName"`
	SenderNameAlt string `json:"senderName"`

	Body    string `json:"body"`
	Message string `json:"message"`
	Content string `json:"content"`

	CreatedAt  string `json:"createdAt"`
	CreatedAt2 string `json:"created_at"`
}

// normalize collapses the aliased wire fields into a canonical Message.
// Pushed and fetched messages are always confirmed-remote.
func (p *messagePayload) normalize() Message {
	return Message{
		ID:                firstNonEmpty(p.ID, p.IDAlt),
		RoomID:            firstNonEmpty(p.RoomID, p.RoomIDAlt),
		SenderID:          firstNonEmpty(p.SenderID, p.SenderIDAlt),
		SenderDisplayName: firstNonEmpty(p.SenderName, p.SenderNameAlt),
		Body:              firstNonEmpty(p.Body, p.Message, p.Content),
		CreatedAt:         parseWireTime(firstNonEmpty(p.CreatedAt, p.CreatedAt2)),
		Origin:            OriginConfirmedRemote,
	}
}

// DecodeMessage parses a room-topic push body into a canonical Message.
func DecodeMessage(data []byte) (Message, error) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, err
	}
	return p.normalize(), nil
}

// DecodeRoom parses a room-list delta push body into a canonical Room.
func DecodeRoom(data []byte) (Room, error) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Room{}, err
	}
	return p.normalize(), nil
}

// ============================================================================
// REST Response Envelopes
// ============================================================================

type roomListResponse struct {
	Rooms []roomPayload `json:"rooms"`
}

type roomDetailResponse struct {
	Room     roomPayload      `json:"room"`
	Messages []messagePayload `json:"messages"`
	Cursor   string           `json:"cursor"`
	HasMore  bool             `json:"hasMore"`
}

type messagePageResponse struct {
	Messages []messagePayload `json:"messages"`
	Cursor   string           `json:"cursor"`
	HasMore  bool             `json:"hasMore"`
}

// MessagePage is one backward page of history together with the cursor for
// the next older page.
type MessagePage struct {
	Messages []Message
	Cursor   Cursor
	HasMore  bool
}
