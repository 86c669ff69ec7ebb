package chatcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryOrdersByRecency(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d := NewRoomDirectory()
	d.UpsertFromList([]Room{
		{ID: "r-1", Title: "Jeju hiking", LastMessageAt: base},
		{ID: "r-2", Title: "Busan food tour", LastMessageAt: base.Add(time.Hour)},
		{ID: "r-3", Title: "Seoul transfers", LastMessageAt: base.Add(30 * time.Minute)},
	})

	ids := make([]string, 0, 3)
	for _, r := range d.Rooms() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"r-2", "r-3", "r-1"}, ids)

	// New activity moves a room to the top.
	d.ApplyPush(Room{ID: "r-1", LastMessage: "see you at the trailhead", LastMessageAt: base.Add(2 * time.Hour), UnreadCount: 1})
	assert.Equal(t, "r-1", d.Rooms()[0].ID)
}

func TestDirectoryUnreadCountIsServerAuthoritative(t *testing.T) {
	d := NewRoomDirectory()
	d.UpsertFromList([]Room{{ID: "r-1", Title: "Jeju hiking", UnreadCount: 2}})

	// The push's count wins wholesale, even when it goes down.
	d.ApplyPush(Room{ID: "r-1", LastMessage: "hi", LastMessageAt: time.Now(), UnreadCount: 7})
	r, ok := d.Get("r-1")
	require.True(t, ok)
	assert.Equal(t, 7, r.UnreadCount)

	d.ApplyPush(Room{ID: "r-1", LastMessage: "hi", LastMessageAt: time.Now(), UnreadCount: 0})
	r, _ = d.Get("r-1")
	assert.Equal(t, 0, r.UnreadCount)
}

// A room-topic push refreshes the preview but must not invent an unread
// count; only the per-user queue carries that.
func TestDirectoryTouchMessagePreservesUnread(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d := NewRoomDirectory()
	d.UpsertFromList([]Room{{ID: "r-1", Title: "Jeju hiking", UnreadCount: 3}})

	d.TouchMessage("r-1", "weather looks clear", at)

	r, ok := d.Get("r-1")
	require.True(t, ok)
	assert.Equal(t, "weather looks clear", r.LastMessage)
	assert.Equal(t, at, r.LastMessageAt)
	assert.Equal(t, 3, r.UnreadCount)
}

func TestDirectoryPushCreatesUnknownRoom(t *testing.T) {
	d := NewRoomDirectory()
	d.ApplyPush(Room{ID: "r-new", Title: "Gyeongju day trip", LastMessage: "welcome", UnreadCount: 1})

	r, ok := d.Get("r-new")
	require.True(t, ok)
	assert.Equal(t, "Gyeongju day trip", r.Title)
	assert.Equal(t, 1, d.Len())
}

func TestDirectoryMarkReadIsOptimistic(t *testing.T) {
	d := NewRoomDirectory()
	d.UpsertFromList([]Room{{ID: "r-1", UnreadCount: 5}})

	d.MarkRead("r-1")
	r, _ := d.Get("r-1")
	assert.Zero(t, r.UnreadCount)

	// The next push remains authoritative.
	d.ApplyPush(Room{ID: "r-1", UnreadCount: 2})
	r, _ = d.Get("r-1")
	assert.Equal(t, 2, r.UnreadCount)
}

func TestDirectoryRemove(t *testing.T) {
	d := NewRoomDirectory()
	d.UpsertFromList([]Room{{ID: "r-1"}, {ID: "r-2"}})
	d.Remove("r-1")

	_, ok := d.Get("r-1")
	assert.False(t, ok)
	assert.Equal(t, 1, d.Len())
}
