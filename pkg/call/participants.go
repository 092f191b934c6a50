package call

import (
	"encoding/json"
	"time"

	"github.com/haos/callbridge/internal/adapter"
	"github.com/haos/callbridge/pkg/logger"
)

// Tracker maintains call rosters by projecting room membership events
// onto rooms with an active call. It holds no state of its own; the
// roster lives in the store.
type Tracker struct {
	store     *Store
	transport Transport
	log       *logger.Logger
}

// NewTracker creates a participant tracker
func NewTracker(store *Store, transport Transport) *Tracker {
	return &Tracker{
		store:     store,
		transport: transport,
		log:       logger.Global().WithComponent("participants"),
	}
}

// HandleMember processes an m.room.member event for a room with an
// active call. The state key identifies the affected user.
func (t *Tracker) HandleMember(ev *adapter.Event) {
	userID := ev.StateKey
	if userID == "" {
		userID = ev.Sender
	}
	if userID == "" {
		t.log.Debug("membership event without user", "room_id", ev.RoomID)
		return
	}

	var content MemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		t.log.Debug("dropping unparseable membership event",
			"room_id", ev.RoomID, "user_id", userID, "error", err)
		return
	}

	switch content.Membership {
	case "join":
		t.HandleJoin(ev.RoomID, userID, &content)
	case "leave", "ban":
		t.HandleLeave(ev.RoomID, userID)
	default:
		t.log.Debug("ignoring membership state",
			"room_id", ev.RoomID, "user_id", userID, "membership", content.Membership)
	}
}

// HandleJoin upserts a participant into the room's roster. Calls start
// audio-first: audio follows the event's currently-active hint
// (defaulting to on), video and screenshare start off.
func (t *Tracker) HandleJoin(roomID, userID string, content *MemberContent) {
	if !t.store.IsCallActive(roomID) {
		return
	}

	displayName := ""
	if content != nil {
		displayName = content.DisplayName
	}
	if displayName == "" {
		if profile := t.transport.GetUser(userID); profile != nil {
			displayName = profile.DisplayName
		}
	}
	if displayName == "" {
		displayName = userID
	}

	powerLevel := 0
	if room := t.transport.GetRoom(roomID); room != nil {
		powerLevel = room.PowerLevels.Level(userID)
	}

	audio := true
	if content != nil && content.CurrentlyActive != nil {
		audio = *content.CurrentlyActive
	}

	t.store.AddCallParticipant(roomID, &Participant{
		UserID:      userID,
		DisplayName: displayName,
		PowerLevel:  powerLevel,
		JoinedAt:    time.Now(),
		Connected:   true,
		Media:       MediaState{Audio: audio},
		IsLocal:     userID == t.transport.UserID(),
	})

	t.log.Debug("participant joined", "room_id", roomID, "user_id", userID)
}

// HandleLeave removes a participant from the room's roster. Absent
// users are a no-op; the leave event may race an earlier removal.
func (t *Tracker) HandleLeave(roomID, userID string) {
	if !t.store.IsCallActive(roomID) {
		return
	}
	t.store.RemoveCallParticipant(roomID, userID)
	t.log.Debug("participant left", "room_id", roomID, "user_id", userID)
}
