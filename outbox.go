package chatcore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// failedRecordCap bounds the durable store to the most recent entries.
	failedRecordCap = 10
	// failedRecordTTL is how long a failed record survives before cleanup.
	failedRecordTTL = 7 * 24 * time.Hour
	// maxRetries is the retry budget before a record flips to abandoned.
	maxRetries = 3
	// reconcileWindow bounds how far apart a confirmed message and a failed
	// record may be and still be treated as the same send.
	reconcileWindow = time.Hour
)

// ============================================================================
// Outbound Dispatcher
// ============================================================================

// Dispatcher serializes outbound message envelopes and publishes them to the
// broker. The returned error is the synchronous wire-level signal; the
// server's ack or rejection arrives asynchronously on the room topic or the
// error queue.
type Dispatcher struct {
	conn *Conn
}

// NewDispatcher creates a dispatcher bound to one connection.
func NewDispatcher(conn *Conn) *Dispatcher {
	return &Dispatcher{conn: conn}
}

// Dispatch publishes {roomId, message} to /app/chat/message. Sends are
// fire-and-forget; there is no request/response correlation.
func (d *Dispatcher) Dispatch(roomID, body string) error {
	payload, err := json.Marshal(SendPayload{RoomID: roomID, Message: body})
	if err != nil {
		return fmt.Errorf("marshal send payload: %w", err)
	}
	return d.conn.Publish(destSendMessage, payload)
}

// ============================================================================
// Failed Message Persistence
// ============================================================================

// FailedMessages owns the durable records of messages that failed
// client-side dispatch or were rejected by the server. Records survive
// reloads through the configured FailedStore.
type FailedMessages struct {
	store      FailedStore
	dispatcher *Dispatcher
	log        zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	records []FailedMessageRecord
}

// NewFailedMessages loads existing records from the store.
func NewFailedMessages(store FailedStore, dispatcher *Dispatcher, logger zerolog.Logger) (*FailedMessages, error) {
	records, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load failed messages: %w", err)
	}
	return &FailedMessages{
		store:      store,
		dispatcher: dispatcher,
		log:        logger.With().Str("component", "failed").Logger(),
		now:        time.Now,
		records:    records,
	}, nil
}

// Save records a fresh dispatch failure and persists it. Only the most
// recent failedRecordCap entries are kept; the oldest are dropped beyond
// that.
func (f *FailedMessages) Save(roomID, body, senderID string, cause error) (FailedMessageRecord, error) {
	rec := FailedMessageRecord{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		Body:       body,
		SenderID:   senderID,
		FailedAt:   f.now(),
		RetryCount: 0,
		Status:     FailedStatusFailed,
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	if len(f.records) > failedRecordCap {
		f.records = f.records[len(f.records)-failedRecordCap:]
	}
	if err := f.persistLocked(); err != nil {
		return rec, err
	}
	f.log.Info().Str("roomId", roomID).Str("recordId", rec.ID).Msg("send failure persisted")
	return rec, nil
}

// Retry re-dispatches a failed record. Abandoned records reject the retry
// and stay untouched. A wire-level failure increments the retry count and
// flips the record to abandoned once the budget is spent; a wire-level
// success leaves the record in retrying until the reconciler or a server
// rejection settles it.
func (f *FailedMessages) Retry(id string) error {
	f.mu.Lock()
	i := f.indexLocked(id)
	if i < 0 {
		f.mu.Unlock()
		return ErrRecordNotFound
	}
	if f.records[i].Status == FailedStatusAbandoned {
		f.mu.Unlock()
		return ErrRecordAbandoned
	}
	f.records[i].Status = FailedStatusRetrying
	rec := f.records[i]
	if err := f.persistLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	err := f.dispatcher.Dispatch(rec.RoomID, rec.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	i = f.indexLocked(id)
	if i < 0 {
		// Reconciled while the dispatch was in flight.
		return err
	}
	if err != nil {
		f.records[i].RetryCount++
		f.records[i].LastError = err.Error()
		if f.records[i].RetryCount >= maxRetries {
			f.records[i].Status = FailedStatusAbandoned
		} else {
			f.records[i].Status = FailedStatusFailed
		}
		if perr := f.persistLocked(); perr != nil {
			return perr
		}
		return err
	}
	return nil
}

// Abandon removes a record immediately on explicit user action.
func (f *FailedMessages) Abandon(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(id)
	if i < 0 {
		return ErrRecordNotFound
	}
	f.records = append(f.records[:i], f.records[i+1:]...)
	return f.persistLocked()
}

// CleanupExpired drops records older than the 7-day TTL, preserving the
// relative order of survivors. Returns how many were removed.
func (f *FailedMessages) CleanupExpired() (int, error) {
	cutoff := f.now().Add(-failedRecordTTL)

	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.records[:0]
	removed := 0
	for _, rec := range f.records {
		if rec.FailedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	f.records = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, f.persistLocked()
}

// ListByRoom returns the records for one room, oldest first.
func (f *FailedMessages) ListByRoom(roomID string) []FailedMessageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FailedMessageRecord
	for _, rec := range f.records {
		if rec.RoomID == roomID {
			out = append(out, rec)
		}
	}
	return out
}

// List returns all records, oldest first.
func (f *FailedMessages) List() []FailedMessageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FailedMessageRecord, len(f.records))
	copy(out, f.records)
	return out
}

// Get returns one record by id.
func (f *FailedMessages) Get(id string) (FailedMessageRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.indexLocked(id); i >= 0 {
		return f.records[i], true
	}
	return FailedMessageRecord{}, false
}

// ApplyServerRejection handles a push on the per-user error queue. When the
// rejection corresponds to a retry of an existing record it increments that
// record's retry count instead of creating a duplicate.
func (f *FailedMessages) ApplyServerRejection(p ErrorQueuePayload) (FailedMessageRecord, error) {
	f.mu.Lock()
	for i := range f.records {
		rec := &f.records[i]
		if rec.RoomID != p.OriginalMessage.RoomID || rec.Body != p.OriginalMessage.Message {
			continue
		}
		if rec.Status == FailedStatusAbandoned {
			continue
		}
		rec.RetryCount++
		rec.LastError = p.Error
		if rec.RetryCount >= maxRetries {
			rec.Status = FailedStatusAbandoned
		} else {
			rec.Status = FailedStatusFailed
		}
		out := *rec
		err := f.persistLocked()
		f.mu.Unlock()
		return out, err
	}
	f.mu.Unlock()

	f.log.Info().
		Str("roomId", p.OriginalMessage.RoomID).
		Str("code", p.ErrorCode).
		Msg("server rejected send")
	return f.Save(p.OriginalMessage.RoomID, p.OriginalMessage.Message, "", &ServerRejection{
		RoomID:  p.OriginalMessage.RoomID,
		Code:    p.ErrorCode,
		Reason:  p.Error,
		Details: p.Details,
	})
}

// reconcile destroys any record matching the confirmed message's
// (roomId, body) within the reconcile window. Covers the race where a retry
// succeeded server-side but the local success signal was lost.
func (f *FailedMessages) reconcile(msg Message) bool {
	at := msg.CreatedAt
	if at.IsZero() {
		at = f.now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, rec := range f.records {
		if rec.RoomID != msg.RoomID || rec.Body != msg.Body {
			continue
		}
		if !withinReconcileWindow(at, rec.FailedAt) {
			continue
		}
		f.records = append(f.records[:i], f.records[i+1:]...)
		if err := f.persistLocked(); err != nil {
			f.log.Warn().Err(err).Str("recordId", rec.ID).Msg("persist after reconcile failed")
		}
		f.log.Info().Str("recordId", rec.ID).Msg("failed record reconciled by confirmed message")
		return true
	}
	return false
}

func withinReconcileWindow(a, b time.Time) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= reconcileWindow
}

func (f *FailedMessages) indexLocked(id string) int {
	for i := range f.records {
		if f.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *FailedMessages) persistLocked() error {
	snapshot := make([]FailedMessageRecord, len(f.records))
	copy(snapshot, f.records)
	if err := f.store.Save(snapshot); err != nil {
		return fmt.Errorf("persist failed messages: %w", err)
	}
	return nil
}

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler watches the confirmed-message stream and clears failed records
// whose send actually went through, covering races between retries and
// reloads.
type Reconciler struct {
	failed *FailedMessages
}

// NewReconciler creates a reconciler over the failed message records.
func NewReconciler(failed *FailedMessages) *Reconciler {
	return &Reconciler{failed: failed}
}

// OnConfirmed feeds one confirmed message through the reconciler. Returns
// true when a failed record was cleared.
func (r *Reconciler) OnConfirmed(msg Message) bool {
	if msg.Origin != OriginConfirmedRemote {
		return false
	}
	return r.failed.reconcile(msg)
}
