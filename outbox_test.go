package chatcore

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFailedFixture wires FailedMessages to a never-connected connection, so
// every dispatch fails at the wire level with ErrNotConnected.
func newFailedFixture(t *testing.T, store FailedStore) *FailedMessages {
	t.Helper()
	if store == nil {
		store = NewMemoryFailedStore()
	}
	conn := NewConn(ConnConfig{URL: "ws://127.0.0.1:0"})
	f, err := NewFailedMessages(store, NewDispatcher(conn), zerolog.Nop())
	require.NoError(t, err)
	return f
}

func TestFailedSaveCapsAtMostRecent(t *testing.T) {
	f := newFailedFixture(t, nil)

	for i := 0; i < failedRecordCap+5; i++ {
		_, err := f.Save("room-1", string(rune('a'+i)), "me", ErrNotConnected)
		require.NoError(t, err)
	}

	records := f.List()
	require.Len(t, records, failedRecordCap)
	// Only the newest survive; the first five were dropped.
	assert.Equal(t, "f", records[0].Body)
}

// Three wire-level retry failures flip a record to abandoned; a fourth retry
// is rejected and changes nothing.
func TestFailedRetryAbandonsAfterBudget(t *testing.T) {
	f := newFailedFixture(t, nil)
	rec, err := f.Save("room-1", "hello", "me", ErrNotConnected)
	require.NoError(t, err)

	for i := 1; i <= maxRetries; i++ {
		err := f.Retry(rec.ID)
		assert.ErrorIs(t, err, ErrNotConnected)

		got, ok := f.Get(rec.ID)
		require.True(t, ok)
		assert.Equal(t, i, got.RetryCount)
		if i < maxRetries {
			assert.Equal(t, FailedStatusFailed, got.Status)
		} else {
			assert.Equal(t, FailedStatusAbandoned, got.Status)
		}
	}

	err = f.Retry(rec.ID)
	assert.ErrorIs(t, err, ErrRecordAbandoned)
	got, _ := f.Get(rec.ID)
	assert.Equal(t, maxRetries, got.RetryCount, "a rejected retry must not touch the record")
}

func TestFailedAbandonRemovesImmediately(t *testing.T) {
	f := newFailedFixture(t, nil)
	rec, err := f.Save("room-1", "hello", "me", ErrNotConnected)
	require.NoError(t, err)

	require.NoError(t, f.Abandon(rec.ID))
	assert.Empty(t, f.List())
	assert.ErrorIs(t, f.Abandon(rec.ID), ErrRecordNotFound)
}

// TTL cleanup removes exactly the expired records and keeps the survivors in
// their original relative order.
func TestFailedCleanupExpiredPreservesOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newFailedFixture(t, nil)
	f.now = func() time.Time { return now.Add(-8 * 24 * time.Hour) }

	_, err := f.Save("room-1", "stale one", "me", ErrNotConnected)
	require.NoError(t, err)

	f.now = func() time.Time { return now.Add(-time.Hour) }
	_, err = f.Save("room-1", "fresh one", "me", ErrNotConnected)
	require.NoError(t, err)
	_, err = f.Save("room-2", "fresh two", "me", ErrNotConnected)
	require.NoError(t, err)

	f.now = func() time.Time { return now }
	removed, err := f.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records := f.List()
	require.Len(t, records, 2)
	assert.Equal(t, "fresh one", records[0].Body)
	assert.Equal(t, "fresh two", records[1].Body)
}

// A server rejection for a message that already has a failed record bumps
// that record instead of duplicating it, and abandons it once the budget is
// spent.
func TestFailedServerRejectionBumpsExistingRecord(t *testing.T) {
	f := newFailedFixture(t, nil)
	rec, err := f.Save("room-1", "hello", "me", ErrNotConnected)
	require.NoError(t, err)

	rejection := ErrorQueuePayload{
		OriginalMessage: SendPayload{RoomID: "room-1", Message: "hello"},
		Error:           "room is closed",
		ErrorCode:       "ROOM_CLOSED",
	}

	got, err := f.ApplyServerRejection(rejection)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "room is closed", got.LastError)
	require.Len(t, f.List(), 1)

	_, err = f.ApplyServerRejection(rejection)
	require.NoError(t, err)
	got2, err := f.ApplyServerRejection(rejection)
	require.NoError(t, err)
	assert.Equal(t, FailedStatusAbandoned, got2.Status)
	require.Len(t, f.List(), 1)
}

func TestFailedServerRejectionCreatesRecordWhenNoneMatches(t *testing.T) {
	f := newFailedFixture(t, nil)

	got, err := f.ApplyServerRejection(ErrorQueuePayload{
		OriginalMessage: SendPayload{RoomID: "room-9", Message: "first contact"},
		Error:           "not a participant",
		ErrorCode:       "FORBIDDEN",
	})
	require.NoError(t, err)
	assert.Equal(t, "room-9", got.RoomID)
	assert.Equal(t, FailedStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "not a participant")
}

// A confirmed push matching a failed record's room and body clears the
// record; the reconciler ignores optimistic local messages and out-of-window
// matches.
func TestReconcilerClearsMatchingRecord(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newFailedFixture(t, nil)
	f.now = func() time.Time { return now }

	rec, err := f.Save("room-1", "hello", "me", ErrNotConnected)
	require.NoError(t, err)
	r := NewReconciler(f)

	assert.False(t, r.OnConfirmed(Message{
		RoomID: "room-1", Body: "hello", CreatedAt: now,
		Origin: OriginPendingLocal,
	}), "optimistic messages never reconcile")

	assert.False(t, r.OnConfirmed(Message{
		RoomID: "room-1", Body: "hello", CreatedAt: now.Add(2 * time.Hour),
		Origin: OriginConfirmedRemote,
	}), "a match outside the window is a different send")

	assert.True(t, r.OnConfirmed(Message{
		RoomID: "room-1", Body: "hello", CreatedAt: now.Add(10 * time.Minute),
		Origin: OriginConfirmedRemote,
	}))
	_, ok := f.Get(rec.ID)
	assert.False(t, ok)
}

func TestFailedListByRoom(t *testing.T) {
	f := newFailedFixture(t, nil)
	_, err := f.Save("room-1", "one", "me", ErrNotConnected)
	require.NoError(t, err)
	_, err = f.Save("room-2", "two", "me", ErrNotConnected)
	require.NoError(t, err)
	_, err = f.Save("room-1", "three", "me", ErrNotConnected)
	require.NoError(t, err)

	records := f.ListByRoom("room-1")
	require.Len(t, records, 2)
	assert.Equal(t, "one", records[0].Body)
	assert.Equal(t, "three", records[1].Body)
}

// Records written through one FailedMessages instance come back when a new
// instance loads the same store.
func TestFailedRecordsSurviveReload(t *testing.T) {
	store := NewMemoryFailedStore()

	f1 := newFailedFixture(t, store)
	rec, err := f1.Save("room-1", "hello", "me", ErrNotConnected)
	require.NoError(t, err)

	f2 := newFailedFixture(t, store)
	got, ok := f2.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, rec.Body, got.Body)
	assert.Equal(t, rec.RoomID, got.RoomID)
}
