package chatcore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Subscription Registry
// ============================================================================

// Broker destinations.
const (
	destRoomTopicPrefix = "/topic/chat/room/"
	destUserRooms       = "/user/queue/chat/rooms"
	destUserErrors      = "/user/queue/errors"
	destSendMessage     = "/app/chat/message"
)

// topicForRoom returns the broadcast destination for a room.
func topicForRoom(roomID string) string {
	return destRoomTopicPrefix + roomID
}

// roomIDFromDestination extracts the room id from a room topic destination,
// or "" when the destination is not a room topic.
func roomIDFromDestination(dest string) string {
	if !strings.HasPrefix(dest, destRoomTopicPrefix) {
		return ""
	}
	return strings.TrimPrefix(dest, destRoomTopicPrefix)
}

// SubscriptionRegistry tracks the desired subscription set and keeps the
// broker's view in agreement. Desired state and wire state are held apart:
// a frame that fails while disconnected defers the work without erasing the
// intent, and every transition into Connected replays the full desired set
// from scratch, because brokers retain nothing across a dropped connection.
type SubscriptionRegistry struct {
	conn *Conn
	log  zerolog.Logger

	mu            sync.Mutex
	desired       map[string]struct{} // room ids that should be subscribed
	active        map[string]string   // roomID → subscription id on the wire
	personalUser  string
	personalEpoch uint64 // connection epoch the personal channels were issued on
}

// NewSubscriptionRegistry creates a registry bound to one connection.
func NewSubscriptionRegistry(conn *Conn, logger zerolog.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		conn:    conn,
		log:     logger.With().Str("component", "subscriptions").Logger(),
		desired: make(map[string]struct{}),
		active:  make(map[string]string),
	}
}

// SyncRoomSubscriptions replaces the desired room set and diffs the broker
// toward it: newly-listed rooms are subscribed, removed rooms unsubscribed.
// Calling it twice with the same set is a no-op. Wire failures are returned
// but leave the desired set recorded; the next Resubscribe retries.
func (r *SubscriptionRegistry) SyncRoomSubscriptions(roomIDs []string) error {
	desired := make(map[string]struct{}, len(roomIDs))
	for _, id := range roomIDs {
		desired[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.desired = desired

	var errs []error
	for roomID, subID := range r.active {
		if _, keep := desired[roomID]; keep {
			continue
		}
		if err := r.conn.SendFrame(unsubscribeFrame(subID)); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe room %s: %w", roomID, err))
			continue
		}
		delete(r.active, roomID)
	}

	for roomID := range desired {
		if _, on := r.active[roomID]; on {
			continue
		}
		subID := newSubID()
		if err := r.conn.SendFrame(subscribeFrame(subID, topicForRoom(roomID))); err != nil {
			errs = append(errs, fmt.Errorf("subscribe room %s: %w", roomID, err))
			continue
		}
		r.active[roomID] = subID
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// SubscribePersonalChannels records the personal-channel owner and subscribes
// the per-user room-update queue and the per-user error queue, exactly once
// per connection instance. While disconnected only the intent is recorded;
// the frames go out on the next Resubscribe.
func (r *SubscriptionRegistry) SubscribePersonalChannels(userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.personalUser != userID {
		r.personalUser = userID
		r.personalEpoch = 0
	}

	epoch := r.conn.Epoch()
	if epoch != 0 && r.personalEpoch == epoch {
		return nil
	}

	for _, dest := range []string{destUserRooms, destUserErrors} {
		if err := r.conn.SendFrame(subscribeFrame(newSubID(), dest)); err != nil {
			return fmt.Errorf("subscribe %s: %w", dest, err)
		}
	}
	r.personalEpoch = epoch
	return nil
}

// Resubscribe drives the broker into agreement with the desired set, from
// scratch. Called on each transition into Connected; nothing is assumed to
// have survived the previous connection.
func (r *SubscriptionRegistry) Resubscribe() error {
	r.mu.Lock()
	roomIDs := make([]string, 0, len(r.desired))
	for roomID := range r.desired {
		roomIDs = append(roomIDs, roomID)
	}
	r.active = make(map[string]string)
	user := r.personalUser
	r.personalEpoch = 0
	r.mu.Unlock()

	r.log.Info().Int("rooms", len(roomIDs)).Msg("replaying subscriptions")

	if err := r.SyncRoomSubscriptions(roomIDs); err != nil {
		return err
	}
	if user != "" {
		return r.SubscribePersonalChannels(user)
	}
	return nil
}

func newSubID() string {
	return "sub-" + uuid.NewString()
}
