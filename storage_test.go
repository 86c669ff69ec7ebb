package chatcore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []FailedMessageRecord {
	at := time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)
	return []FailedMessageRecord{
		{
			ID: "rec-1", RoomID: "room-1", Body: "first", SenderID: "me",
			FailedAt: at, RetryCount: 0, Status: FailedStatusFailed,
			LastError: "no open connection",
		},
		{
			ID: "rec-2", RoomID: "room-2", Body: "second", SenderID: "me",
			FailedAt: at.Add(time.Minute), RetryCount: 2, Status: FailedStatusRetrying,
		},
		{
			ID: "rec-3", RoomID: "room-1", Body: "third", SenderID: "me",
			FailedAt: at.Add(2 * time.Minute), RetryCount: 3, Status: FailedStatusAbandoned,
			LastError: "room is closed",
		},
	}
}

func assertRecordsEqual(t *testing.T, want, got []FailedMessageRecord) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].RoomID, got[i].RoomID)
		assert.Equal(t, want[i].Body, got[i].Body)
		assert.Equal(t, want[i].SenderID, got[i].SenderID)
		assert.Equal(t, want[i].RetryCount, got[i].RetryCount)
		assert.Equal(t, want[i].Status, got[i].Status)
		assert.Equal(t, want[i].LastError, got[i].LastError)
		assert.True(t, want[i].FailedAt.Equal(got[i].FailedAt),
			"failedAt mismatch at %d: want %v got %v", i, want[i].FailedAt, got[i].FailedAt)
	}
}

func TestFileFailedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "failed.json")
	store, err := NewFileFailedStore(path)
	require.NoError(t, err)
	defer store.Close()

	// A store with no file yet loads empty.
	records, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, records)

	want := sampleRecords()
	require.NoError(t, store.Save(want))

	// A fresh instance over the same path sees the saved set, in order.
	reopened, err := NewFileFailedStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load()
	require.NoError(t, err)
	assertRecordsEqual(t, want, got)

	// Save replaces wholesale.
	require.NoError(t, store.Save(want[:1]))
	got, err = store.Load()
	require.NoError(t, err)
	assertRecordsEqual(t, want[:1], got)
}

func TestSQLiteFailedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "failed.db")
	store, err := NewSQLiteFailedStore(path)
	require.NoError(t, err)
	defer store.Close()

	records, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, records)

	want := sampleRecords()
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assertRecordsEqual(t, want, got)

	// Replace-all save drops rows that are gone from the set.
	require.NoError(t, store.Save(want[1:]))
	got, err = store.Load()
	require.NoError(t, err)
	assertRecordsEqual(t, want[1:], got)
}

func TestSQLiteFailedStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.db")
	store, err := NewSQLiteFailedStore(path)
	require.NoError(t, err)

	want := sampleRecords()
	require.NoError(t, store.Save(want))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteFailedStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load()
	require.NoError(t, err)
	assertRecordsEqual(t, want, got)
}
