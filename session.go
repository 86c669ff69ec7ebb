package chatcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a chat session.
type SessionConfig struct {
	Client *Client
	Conn   *Conn
	// FailedStore persists failed sends; defaults to an in-memory store.
	FailedStore FailedStore
	UserID      string
	DisplayName string
	Logger      zerolog.Logger
}

// Session is the single top-level owner of the chat core: one connection,
// one subscription registry, one directory, per-room message stores and the
// failed-message machinery. It is passed explicitly to consumers; there is
// no package-level instance.
type Session struct {
	client     *Client
	conn       *Conn
	registry   *SubscriptionRegistry
	directory  *RoomDirectory
	dispatcher *Dispatcher
	failed     *FailedMessages
	reconciler *Reconciler
	store      FailedStore
	log        zerolog.Logger

	userID      string
	displayName string

	mu      sync.Mutex
	stores  map[string]*MessageStore
	active  *RoomHandle
	pageErr map[string]error

	handlerMu sync.RWMutex
	onMessage []func(Message)
}

// NewSession wires the chat core together. It loads any persisted failed
// messages but does not touch the network; call Start for that.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Client == nil || cfg.Conn == nil {
		return nil, fmt.Errorf("session requires a client and a connection")
	}
	store := cfg.FailedStore
	if store == nil {
		store = NewMemoryFailedStore()
	}

	dispatcher := NewDispatcher(cfg.Conn)
	failed, err := NewFailedMessages(store, dispatcher, cfg.Logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:      cfg.Client,
		conn:        cfg.Conn,
		registry:    NewSubscriptionRegistry(cfg.Conn, cfg.Logger),
		directory:   NewRoomDirectory(),
		dispatcher:  dispatcher,
		failed:      failed,
		reconciler:  NewReconciler(failed),
		store:       store,
		log:         cfg.Logger.With().Str("component", "session").Logger(),
		userID:      cfg.UserID,
		displayName: cfg.DisplayName,
		stores:      make(map[string]*MessageStore),
		pageErr:     make(map[string]error),
	}

	s.conn.SetMessageHandler(s.route)
	s.conn.OnStateChange(func(state ConnState) {
		if state != StateConnected {
			return
		}
		// Brokers retain nothing across a drop; replay everything.
		if err := s.registry.Resubscribe(); err != nil {
			s.log.Warn().Err(err).Msg("resubscribe after reconnect failed")
		}
	})
	return s, nil
}

// Start connects to the broker, seeds the room directory and subscribes the
// personal channels plus every listed room. A connect failure is not fatal:
// the connection keeps retrying, and the returned error is informational.
func (s *Session) Start(ctx context.Context) error {
	connectErr := s.conn.Connect(ctx)

	rooms, err := s.client.ListRooms(ctx)
	if err != nil {
		if connectErr != nil {
			return fmt.Errorf("room list: %w (connect: %v)", err, connectErr)
		}
		return fmt.Errorf("room list: %w", err)
	}
	s.directory.UpsertFromList(rooms)

	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	if err := s.registry.SyncRoomSubscriptions(ids); err != nil {
		s.log.Warn().Err(err).Msg("initial room subscriptions incomplete")
	}
	if err := s.registry.SubscribePersonalChannels(s.userID); err != nil {
		s.log.Warn().Err(err).Msg("personal channel subscriptions incomplete")
	}
	return connectErr
}

// Close disconnects and releases the failed-message store.
func (s *Session) Close() error {
	err := s.conn.Disconnect()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Conn exposes the session's connection manager.
func (s *Session) Conn() *Conn { return s.conn }

// Directory exposes the room directory.
func (s *Session) Directory() *RoomDirectory { return s.directory }

// Failed exposes the failed-message records.
func (s *Session) Failed() *FailedMessages { return s.failed }

// OnMessage registers a callback for every confirmed message push, after it
// has been stored. Callbacks run on the connection's read goroutine.
func (s *Session) OnMessage(f func(Message)) {
	s.handlerMu.Lock()
	s.onMessage = append(s.onMessage, f)
	s.handlerMu.Unlock()
}

// ── rooms ────────────────────────────────────────────────────

// RoomHandle is an explicit per-room subscription handle. Switching the
// active room closes the previous handle rather than silently overwriting
// it; results resolving for a closed handle are discarded.
type RoomHandle struct {
	session *Session
	roomID  string
	store   *MessageStore
	closed  atomic.Bool
}

// RoomID returns the room this handle is bound to.
func (h *RoomHandle) RoomID() string { return h.roomID }

// Store returns the room's message store.
func (h *RoomHandle) Store() *MessageStore { return h.store }

// Closed reports whether the handle has been superseded.
func (h *RoomHandle) Closed() bool { return h.closed.Load() }

// Close releases the handle. Idempotent.
func (h *RoomHandle) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.session.mu.Lock()
	if h.session.active == h {
		h.session.active = nil
	}
	h.session.mu.Unlock()
}

// OpenRoom makes roomID the active room: the previous handle is closed, the
// room's latest page and metadata load in one round trip, and the unread
// count is optimistically zeroed. On a load failure the handle is still
// returned and the error is recorded room-scoped, retryable via LoadOlder /
// reopening.
func (s *Session) OpenRoom(ctx context.Context, roomID string) (*RoomHandle, error) {
	store := s.ensureStore(roomID)

	s.mu.Lock()
	if s.active != nil && s.active.roomID != roomID {
		prev := s.active
		s.mu.Unlock()
		prev.Close()
		s.mu.Lock()
	}
	h := &RoomHandle{session: s, roomID: roomID, store: store}
	s.active = h
	s.mu.Unlock()

	if err := s.registry.SyncRoomSubscriptions(s.knownRoomIDs(roomID)); err != nil {
		s.log.Warn().Err(err).Str("roomId", roomID).Msg("room subscription sync incomplete")
	}

	room, err := store.LoadInitial(ctx)
	s.setPageErr(roomID, err)
	if err != nil {
		return h, err
	}
	s.directory.UpsertFromList([]Room{room})
	s.directory.MarkRead(roomID)
	return h, nil
}

// LoadOlder pages one step further into roomID's history. The result is
// discarded when the room is no longer active by the time the fetch
// resolves; the room id comparison happens before any shared state is
// touched.
func (s *Session) LoadOlder(ctx context.Context, roomID string) (int, error) {
	store := s.ensureStore(roomID)
	added, err := store.LoadOlder(ctx)

	s.mu.Lock()
	activeID := ""
	if s.active != nil {
		activeID = s.active.roomID
	}
	s.mu.Unlock()
	if activeID != roomID {
		return 0, nil
	}

	s.setPageErr(roomID, err)
	return added, err
}

// RoomError returns the recorded room-scoped pagination error, if any.
func (s *Session) RoomError(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageErr[roomID]
}

// LeaveRoom leaves the room and drops it locally.
func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	if err := s.client.LeaveRoom(ctx, roomID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.stores, roomID)
	if s.active != nil && s.active.roomID == roomID {
		s.active.closed.Store(true)
		s.active = nil
	}
	s.mu.Unlock()
	s.directory.Remove(roomID)
	return s.registry.SyncRoomSubscriptions(s.knownRoomIDs())
}

// ── sending ──────────────────────────────────────────────────

// Send dispatches a message to a room. The message is appended optimistically
// as pending-local; a synchronous dispatch failure immediately becomes a
// durable failed record and the error is returned.
func (s *Session) Send(roomID, body string) (Message, error) {
	msg := Message{
		RoomID:            roomID,
		SenderID:          s.userID,
		SenderDisplayName: s.displayName,
		Body:              body,
		CreatedAt:         time.Now(),
		Origin:            OriginPendingLocal,
	}
	s.ensureStore(roomID).AppendLive(msg)

	if err := s.dispatcher.Dispatch(roomID, body); err != nil {
		if _, serr := s.failed.Save(roomID, body, s.userID, err); serr != nil {
			s.log.Error().Err(serr).Msg("persisting failed send")
		}
		return msg, err
	}
	return msg, nil
}

// RetryFailed re-dispatches a failed record.
func (s *Session) RetryFailed(id string) error {
	return s.failed.Retry(id)
}

// ── inbound routing ──────────────────────────────────────────

// route fans broker pushes out to the owning component. Runs on the
// connection's read goroutine; all targets are internally locked.
func (s *Session) route(dest, sub string, body []byte) {
	switch {
	case dest == destUserRooms:
		room, err := DecodeRoom(body)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed room push")
			return
		}
		s.directory.ApplyPush(room)

	case dest == destUserErrors:
		var p ErrorQueuePayload
		if err := json.Unmarshal(body, &p); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed error push")
			return
		}
		if _, err := s.failed.ApplyServerRejection(p); err != nil {
			s.log.Error().Err(err).Msg("persisting server rejection")
		}

	default:
		roomID := roomIDFromDestination(dest)
		if roomID == "" {
			s.log.Debug().Str("destination", dest).Msg("ignoring push for unknown destination")
			return
		}
		msg, err := DecodeMessage(body)
		if err != nil {
			s.log.Warn().Err(err).Str("roomId", roomID).Msg("dropping malformed message push")
			return
		}
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		s.ensureStore(roomID).AppendLive(msg)
		s.directory.TouchMessage(roomID, msg.Body, msg.CreatedAt)
		s.reconciler.OnConfirmed(msg)

		s.handlerMu.RLock()
		handlers := append([]func(Message){}, s.onMessage...)
		s.handlerMu.RUnlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}

// ── internals ────────────────────────────────────────────────

func (s *Session) ensureStore(roomID string) *MessageStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[roomID]; ok {
		return st
	}
	st := NewMessageStore(s.client, roomID, s.log)
	s.stores[roomID] = st
	return st
}

func (s *Session) knownRoomIDs(extra ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, r := range s.directory.Rooms() {
		seen[r.ID] = struct{}{}
		ids = append(ids, r.ID)
	}
	for _, id := range extra {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) setPageErr(roomID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.pageErr, roomID)
		return
	}
	s.pageErr[roomID] = err
}
