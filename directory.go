package chatcore

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Room Directory
// ============================================================================

// RoomDirectory is the recency-ordered list of rooms with last message,
// timestamp and unread count. Rooms come into existence on the first list
// fetch or the first push referencing an unknown id.
type RoomDirectory struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRoomDirectory creates an empty directory.
func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{rooms: make(map[string]*Room)}
}

// UpsertFromList seeds or refreshes the directory from a bulk fetch.
func (d *RoomDirectory) UpsertFromList(rooms []Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range rooms {
		r := rooms[i]
		if r.ID == "" {
			continue
		}
		d.rooms[r.ID] = &r
	}
}

// ApplyPush updates last message, timestamp and unread count for the pushed
// room. Unknown rooms are created. The server-supplied unread count is
// authoritative; the client never computes it.
func (d *RoomDirectory) ApplyPush(room Room) {
	if room.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.rooms[room.ID]
	if !ok {
		d.rooms[room.ID] = &room
		return
	}
	existing.LastMessage = room.LastMessage
	existing.LastMessageAt = room.LastMessageAt
	existing.UnreadCount = room.UnreadCount
	if room.Title != "" {
		existing.Title = room.Title
	}
}

// TouchMessage refreshes last message and timestamp from a room-topic push
// without touching the unread count, which only the per-user room queue may
// change.
func (d *RoomDirectory) TouchMessage(roomID, lastMessage string, at time.Time) {
	if roomID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[roomID]
	if !ok {
		r = &Room{ID: roomID, Type: RoomDirect}
		d.rooms[roomID] = r
	}
	r.LastMessage = lastMessage
	r.LastMessageAt = at
}

// Remove drops a room from the directory.
func (d *RoomDirectory) Remove(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms, roomID)
}

// MarkRead optimistically zeroes the unread count when a room is opened. The
// authoritative count is whatever the next push states.
func (d *RoomDirectory) MarkRead(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rooms[roomID]; ok {
		r.UnreadCount = 0
	}
}

// Get returns one room by id.
func (d *RoomDirectory) Get(roomID string) (Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rooms[roomID]; ok {
		return *r, true
	}
	return Room{}, false
}

// Rooms returns the directory ordered by most recent activity first.
func (d *RoomDirectory) Rooms() []Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Len returns the number of known rooms.
func (d *RoomDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}
