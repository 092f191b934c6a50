package call

import (
	"sync"
	"time"

	"github.com/haos/callbridge/pkg/eventbus"
)

// Call kinds
const (
	KindVoice = "voice"
	KindVideo = "video"
)

// Status is the lifecycle state of a call
type Status string

const (
	StatusCalling    Status = "calling"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// Initiator holds display metadata for the user who started a call,
// resolved once at invite time
type Initiator struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Invitation is an incoming call awaiting a local decision
type Invitation struct {
	CallID     string
	RoomID     string
	RoomName   string
	Kind       string
	Initiator  Initiator
	ReceivedAt time.Time
	TimeoutSec int
}

// MediaState tracks which media a participant is sending
type MediaState struct {
	Audio       bool
	Video       bool
	Screenshare bool
}

// Participant is one member of an active call's roster
type Participant struct {
	UserID      string
	DisplayName string
	PowerLevel  int
	JoinedAt    time.Time
	Connected   bool
	Media       MediaState
	IsLocal     bool
}

// ActiveCall is the call record for a room with a call in progress.
// At most one exists per room.
type ActiveCall struct {
	CallID          string
	RoomID          string
	Kind            string
	StartTime       time.Time
	Status          Status
	InitiatorUserID string
}

// Store holds call state in memory: pending invitations, per-room active
// calls, rosters, and per-room notification mute preferences. Mutations
// publish to the event bus so the UI observes every change.
type Store struct {
	bus *eventbus.Bus

	mu          sync.RWMutex
	invitations map[string]*Invitation
	order       []string
	active      map[string]*ActiveCall
	rosters     map[string]map[string]*Participant
	muted       map[string]bool
}

// NewStore creates a call state store publishing mutations to bus.
// A nil bus disables publication.
func NewStore(bus *eventbus.Bus) *Store {
	return &Store{
		bus:         bus,
		invitations: make(map[string]*Invitation),
		active:      make(map[string]*ActiveCall),
		rosters:     make(map[string]map[string]*Participant),
		muted:       make(map[string]bool),
	}
}

func (s *Store) publish(ev eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// AddIncomingCall records an incoming call invitation. An existing
// invitation with the same call ID is overwritten.
func (s *Store) AddIncomingCall(inv *Invitation) {
	s.mu.Lock()
	if _, exists := s.invitations[inv.CallID]; !exists {
		s.order = append(s.order, inv.CallID)
	}
	s.invitations[inv.CallID] = inv
	s.mu.Unlock()

	s.publish(eventbus.NewCallIncomingEvent(
		inv.RoomID, inv.CallID, inv.RoomName, inv.Kind,
		inv.Initiator.UserID, inv.Initiator.DisplayName, inv.TimeoutSec))
}

// RemoveIncomingCall removes an invitation; no-op when absent
func (s *Store) RemoveIncomingCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropInvitation(callID)
}

// AcceptIncomingCall removes an invitation on accept, returning it so
// the caller can act on its room and kind. Returns nil when absent.
func (s *Store) AcceptIncomingCall(callID string) *Invitation {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv := s.invitations[callID]
	s.dropInvitation(callID)
	return inv
}

// RejectIncomingCall removes an invitation on reject, returning it.
// Returns nil when absent.
func (s *Store) RejectIncomingCall(callID string) *Invitation {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv := s.invitations[callID]
	s.dropInvitation(callID)
	return inv
}

// dropInvitation removes an invitation and its order entry. Caller holds
// the lock.
func (s *Store) dropInvitation(callID string) {
	if _, ok := s.invitations[callID]; !ok {
		return
	}
	delete(s.invitations, callID)
	for i, id := range s.order {
		if id == callID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// IncomingCall returns the pending invitation for a call ID, or nil
func (s *Store) IncomingCall(callID string) *Invitation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inv, ok := s.invitations[callID]; ok {
		cp := *inv
		return &cp
	}
	return nil
}

// IncomingCalls returns the pending invitations in arrival order
func (s *Store) IncomingCalls() []*Invitation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Invitation, 0, len(s.order))
	for _, id := range s.order {
		if inv, ok := s.invitations[id]; ok {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out
}

// SetActiveCall sets or clears the room's active call. Setting replaces
// any prior record for the room; clearing also drops the roster.
func (s *Store) SetActiveCall(roomID string, call *ActiveCall) {
	s.mu.Lock()
	_, existed := s.active[roomID]
	if call == nil {
		delete(s.active, roomID)
		delete(s.rosters, roomID)
		if existed {
			activeCalls.Dec()
		}
	} else {
		call.RoomID = roomID
		s.active[roomID] = call
		if _, ok := s.rosters[roomID]; !ok {
			s.rosters[roomID] = make(map[string]*Participant)
		}
		if !existed {
			activeCalls.Inc()
		}
	}
	s.mu.Unlock()

	if call == nil {
		s.publish(eventbus.NewCallStatusEvent(roomID, "", string(StatusEnded)))
	} else {
		s.publish(eventbus.NewCallStatusEvent(roomID, call.CallID, string(call.Status)))
	}
}

// ActiveCall returns the room's active call record, or nil
func (s *Store) ActiveCall(roomID string) *ActiveCall {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if call, ok := s.active[roomID]; ok {
		cp := *call
		return &cp
	}
	return nil
}

// FindCallByID returns the active call with the given call ID, searching
// across rooms. Returns nil when no room has it.
func (s *Store) FindCallByID(callID string) *ActiveCall {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, call := range s.active {
		if call.CallID == callID {
			cp := *call
			return &cp
		}
	}
	return nil
}

// UpdateCallStatus transitions the room's active call; no-op when the
// room has no active call
func (s *Store) UpdateCallStatus(roomID string, status Status) {
	s.mu.Lock()
	call, ok := s.active[roomID]
	if ok {
		call.Status = status
	}
	s.mu.Unlock()

	if ok {
		s.publish(eventbus.NewCallStatusEvent(roomID, call.CallID, string(status)))
	}
}

// IsCallActive reports whether the room has a call in progress
func (s *Store) IsCallActive(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[roomID]
	return ok
}

// AddCallParticipant upserts a participant into the room's roster.
// No-op when the room has no active call.
func (s *Store) AddCallParticipant(roomID string, p *Participant) {
	s.mu.Lock()
	roster, ok := s.rosters[roomID]
	if ok {
		roster[p.UserID] = p
	}
	s.mu.Unlock()

	if ok {
		s.publish(eventbus.NewParticipantJoinedEvent(roomID, p.UserID, p.DisplayName, p.IsLocal))
	}
}

// RemoveCallParticipant removes a participant from the room's roster;
// no-op when absent
func (s *Store) RemoveCallParticipant(roomID, userID string) {
	s.mu.Lock()
	roster, ok := s.rosters[roomID]
	removed := false
	if ok {
		_, removed = roster[userID]
		delete(roster, userID)
	}
	s.mu.Unlock()

	if removed {
		s.publish(eventbus.NewParticipantLeftEvent(roomID, userID))
	}
}

// Participants returns the room's roster snapshot
func (s *Store) Participants(roomID string) []*Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roster := s.rosters[roomID]
	out := make([]*Participant, 0, len(roster))
	for _, p := range roster {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// SetMutedCallNotifications sets the room's call notification mute
// preference
func (s *Store) SetMutedCallNotifications(roomID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if muted {
		s.muted[roomID] = true
	} else {
		delete(s.muted, roomID)
	}
}

// IsMutedCallNotifications reports whether the room's call notifications
// are muted; unset rooms default to not muted
func (s *Store) IsMutedCallNotifications(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted[roomID]
}
