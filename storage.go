package chatcore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ============================================================================
// Failed Message Storage
//
// Retry/abandon logic is independent of the persistence medium; a FailedStore
// only has to load and replace the record set. Records are capped at
// failedRecordCap entries, so replace-all writes stay cheap.
// ============================================================================

// FailedStore durably persists the failed message records.
type FailedStore interface {
	Load() ([]FailedMessageRecord, error)
	Save(records []FailedMessageRecord) error
	Close() error
}

// ── memory ───────────────────────────────────────────────────

// MemoryFailedStore keeps records in process memory. Useful for tests and
// ephemeral sessions.
type MemoryFailedStore struct {
	mu      sync.Mutex
	records []FailedMessageRecord
}

// NewMemoryFailedStore creates an empty in-memory store.
func NewMemoryFailedStore() *MemoryFailedStore {
	return &MemoryFailedStore{}
}

func (s *MemoryFailedStore) Load() ([]FailedMessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailedMessageRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *MemoryFailedStore) Save(records []FailedMessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make([]FailedMessageRecord, len(records))
	copy(s.records, records)
	return nil
}

func (s *MemoryFailedStore) Close() error { return nil }

// ── file ─────────────────────────────────────────────────────

// FileFailedStore persists the records as one JSON array in a namespaced
// file, replaced atomically on every save.
type FileFailedStore struct {
	path string
	mu   sync.Mutex
}

// NewFileFailedStore creates a file-backed store at path, creating parent
// directories as needed.
func NewFileFailedStore(path string) (*FileFailedStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileFailedStore{path: path}, nil
}

func (s *FileFailedStore) Load() ([]FailedMessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read failed messages: %w", err)
	}
	var records []FailedMessageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse failed messages: %w", err)
	}
	return records, nil
}

func (s *FileFailedStore) Save(records []FailedMessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal failed messages: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write failed messages: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace failed messages: %w", err)
	}
	return nil
}

func (s *FileFailedStore) Close() error { return nil }

// ── sqlite ───────────────────────────────────────────────────

// SQLiteFailedStore persists the records in a local SQLite database.
type SQLiteFailedStore struct {
	db *sqlx.DB
}

type failedRow struct {
	ID         string    `db:"id"`
	RoomID     string    `db:"room_id"`
	Body       string    `db:"body"`
	SenderID   string    `db:"sender_id"`
	FailedAt   time.Time `db:"failed_at"`
	RetryCount int       `db:"retry_count"`
	Status     string    `db:"status"`
	LastError  string    `db:"last_error"`
	Position   int       `db:"position"`
}

// NewSQLiteFailedStore opens (or creates) the database at dbPath.
func NewSQLiteFailedStore(dbPath string) (*SQLiteFailedStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", "file:"+dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec(`create table if not exists failed_message(
		id          text not null primary key,
		room_id     text not null,
		body        text not null,
		sender_id   text not null,
		failed_at   datetime not null,
		retry_count integer not null default 0,
		status      text not null,
		last_error  text not null default '',
		position    integer not null
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating failed_message table: %w", err)
	}
	return &SQLiteFailedStore{db: db}, nil
}

func (s *SQLiteFailedStore) Load() ([]FailedMessageRecord, error) {
	var rows []failedRow
	if err := s.db.Select(&rows, `select * from failed_message order by position asc`); err != nil {
		return nil, fmt.Errorf("loading failed messages: %w", err)
	}
	records := make([]FailedMessageRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, FailedMessageRecord{
			ID:         r.ID,
			RoomID:     r.RoomID,
			Body:       r.Body,
			SenderID:   r.SenderID,
			FailedAt:   r.FailedAt,
			RetryCount: r.RetryCount,
			Status:     FailedStatus(r.Status),
			LastError:  r.LastError,
		})
	}
	return records, nil
}

func (s *SQLiteFailedStore) Save(records []FailedMessageRecord) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("saving failed messages: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`delete from failed_message`); err != nil {
		return fmt.Errorf("clearing failed messages: %w", err)
	}
	for i, rec := range records {
		_, err := tx.Exec(
			`insert into failed_message
				(id, room_id, body, sender_id, failed_at, retry_count, status, last_error, position)
			 values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.RoomID, rec.Body, rec.SenderID, rec.FailedAt,
			rec.RetryCount, string(rec.Status), rec.LastError, i,
		)
		if err != nil {
			return fmt.Errorf("inserting failed message %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteFailedStore) Close() error { return s.db.Close() }
