package chatcore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// dedupWindow bounds the (senderId, body) duplicate heuristic for messages
// that carry no id yet.
const dedupWindow = 5 * time.Second

// ============================================================================
// Message Store (per room)
// ============================================================================

// MessageStore holds one room's ordered, deduplicated message log and merges
// backward cursor pagination with live appends.
type MessageStore struct {
	client   *Client
	roomID   string
	pageSize int
	log      zerolog.Logger

	mu       sync.Mutex
	messages []Message
	ids      map[string]struct{}
	cursor   Cursor
	hasMore  bool
	loading  bool
	// advanced is set once LoadOlder has moved past the first page, after
	// which a reopening LoadInitial must not rewind the cursor.
	advanced bool
}

// NewMessageStore creates an empty store for one room.
func NewMessageStore(client *Client, roomID string, logger zerolog.Logger) *MessageStore {
	return &MessageStore{
		client:   client,
		roomID:   roomID,
		pageSize: DefaultPageSize,
		log:      logger.With().Str("component", "store").Str("roomId", roomID).Logger(),
		ids:      make(map[string]struct{}),
		hasMore:  true,
	}
}

// RoomID returns the owning room id.
func (s *MessageStore) RoomID() string { return s.roomID }

// LoadInitial fetches room metadata together with the latest page in a
// single round trip. The page arrives newest-first and is merged in
// ascending order; live messages appended before the load resolves are
// preserved.
func (s *MessageStore) LoadInitial(ctx context.Context) (Room, error) {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return Room{}, ErrPageInFlight
	}
	s.loading = true
	s.mu.Unlock()

	room, page, err := s.client.RoomDetail(ctx, s.roomID, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return Room{}, &PaginationError{RoomID: s.roomID, Err: err}
	}

	s.mergeLocked(page.Messages)
	// Reopening a room must not rewind pagination: the first page's cursor
	// is only adopted before any older page has been fetched, and observed
	// exhaustion stays latched.
	if !s.advanced && s.hasMore {
		s.cursor = page.Cursor
		s.hasMore = page.HasMore
	}
	return room, nil
}

// LoadOlder fetches the page strictly older than the current cursor and
// merge-prepends it. Only one pagination request per room is ever in flight;
// a concurrent call is a no-op returning (0, nil). Once exhaustion is
// reached, hasMore latches false, because history only grows toward the
// past.
func (s *MessageStore) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.loading || !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = true
	cursor := s.cursor
	s.mu.Unlock()

	page, err := s.client.MessagesBefore(ctx, s.roomID, cursor, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return 0, &PaginationError{RoomID: s.roomID, Err: err}
	}

	added := s.mergeLocked(page.Messages)
	s.advanced = true
	s.cursor = page.Cursor
	s.hasMore = page.HasMore
	return added, nil
}

// AppendLive inserts a message at the tail. It is a no-op when the message
// duplicates an existing entry: by id when one is present, otherwise by the
// (senderId, body, <5s) heuristic. A confirmed message that matches a
// pending local send upgrades that entry in place instead of duplicating it.
func (s *MessageStore) AppendLive(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if _, dup := s.ids[msg.ID]; dup {
			return false
		}
		// Confirmations replace their optimistic counterpart.
		if i := s.findPendingLocked(msg.SenderID, msg.Body, msg.CreatedAt); i >= 0 {
			s.messages[i] = msg
			s.ids[msg.ID] = struct{}{}
			s.sortLocked()
			return true
		}
	} else if s.matchesExistingLocked(msg.SenderID, msg.Body, msg.CreatedAt) {
		return false
	}

	s.messages = append(s.messages, msg)
	if msg.ID != "" {
		s.ids[msg.ID] = struct{}{}
	}
	// Arrival order is authoritative; the sort only repairs merges of
	// out-of-order timestamps.
	if n := len(s.messages); n > 1 && s.messages[n-2].CreatedAt.After(msg.CreatedAt) {
		s.sortLocked()
	}
	return true
}

// HasMore reports whether older history remains.
func (s *MessageStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Messages returns a copy of the log in ascending createdAt order.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ── internals ────────────────────────────────────────────────

// mergeLocked folds a history page into the log, deduplicated by id, and
// restores ascending order. Returns how many messages were added.
func (s *MessageStore) mergeLocked(page []Message) int {
	added := 0
	for _, m := range page {
		if m.ID != "" {
			if _, dup := s.ids[m.ID]; dup {
				continue
			}
			s.ids[m.ID] = struct{}{}
		}
		s.messages = append(s.messages, m)
		added++
	}
	if added > 0 {
		s.sortLocked()
	}
	return added
}

func (s *MessageStore) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
}

// findPendingLocked locates an id-less entry with the same sender and body
// inside the dedup window, or -1.
func (s *MessageStore) findPendingLocked(senderID, body string, at time.Time) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ID != "" || m.SenderID != senderID || m.Body != body {
			continue
		}
		if withinWindow(at, m.CreatedAt) {
			return i
		}
	}
	return -1
}

// matchesExistingLocked applies the id-less duplicate heuristic against the
// whole log, id-bearing entries included.
func (s *MessageStore) matchesExistingLocked(senderID, body string, at time.Time) bool {
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SenderID == senderID && m.Body == body && withinWindow(at, m.CreatedAt) {
			return true
		}
	}
	return false
}

func withinWindow(a, b time.Time) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta < dedupWindow
}
