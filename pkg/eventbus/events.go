// Package eventbus provides the observable call-state surface: store
// mutations and coordinator notifications are published here and fan out
// to in-process subscribers and, optionally, WebSocket UI clients.
package eventbus

import (
	"encoding/json"
	"time"
)

// Event type constants for all call events
const (
	EventTypeCallIncoming      = "call.incoming"
	EventTypeCallStatus        = "call.status"
	EventTypeParticipantJoined = "call.participant_joined"
	EventTypeParticipantLeft   = "call.participant_left"
	EventTypeCallNotification  = "call.notification"
	EventTypeCallError         = "call.error"
)

// Event is the interface all bus events implement
type Event interface {
	EventType() string
	Room() string
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	Type   string    `json:"type"`
	RoomID string    `json:"room_id"`
	Ts     time.Time `json:"timestamp"`
}

// EventType returns the event type
func (e *BaseEvent) EventType() string { return e.Type }

// Room returns the room the event is scoped to
func (e *BaseEvent) Room() string { return e.RoomID }

// Timestamp returns the event timestamp
func (e *BaseEvent) Timestamp() time.Time { return e.Ts }

func newBase(eventType, roomID string) BaseEvent {
	return BaseEvent{Type: eventType, RoomID: roomID, Ts: time.Now()}
}

// CallIncomingEvent announces a new incoming call invitation
type CallIncomingEvent struct {
	BaseEvent
	CallID      string `json:"call_id"`
	RoomName    string `json:"room_name"`
	Kind        string `json:"kind"`
	InitiatorID string `json:"initiator_id"`
	Initiator   string `json:"initiator"`
	TimeoutSec  int    `json:"timeout_sec"`
}

// NewCallIncomingEvent creates an incoming-call event
func NewCallIncomingEvent(roomID, callID, roomName, kind, initiatorID, initiator string, timeoutSec int) *CallIncomingEvent {
	return &CallIncomingEvent{
		BaseEvent:   newBase(EventTypeCallIncoming, roomID),
		CallID:      callID,
		RoomName:    roomName,
		Kind:        kind,
		InitiatorID: initiatorID,
		Initiator:   initiator,
		TimeoutSec:  timeoutSec,
	}
}

// CallStatusEvent announces a call status change; an empty CallID with
// status "ended" means the room's call record was cleared
type CallStatusEvent struct {
	BaseEvent
	CallID string `json:"call_id,omitempty"`
	Status string `json:"status"`
}

// NewCallStatusEvent creates a status-change event
func NewCallStatusEvent(roomID, callID, status string) *CallStatusEvent {
	return &CallStatusEvent{
		BaseEvent: newBase(EventTypeCallStatus, roomID),
		CallID:    callID,
		Status:    status,
	}
}

// ParticipantEvent announces a roster change
type ParticipantEvent struct {
	BaseEvent
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	IsLocal     bool   `json:"is_local,omitempty"`
}

// NewParticipantJoinedEvent creates a roster-join event
func NewParticipantJoinedEvent(roomID, userID, displayName string, isLocal bool) *ParticipantEvent {
	return &ParticipantEvent{
		BaseEvent:   newBase(EventTypeParticipantJoined, roomID),
		UserID:      userID,
		DisplayName: displayName,
		IsLocal:     isLocal,
	}
}

// NewParticipantLeftEvent creates a roster-leave event
func NewParticipantLeftEvent(roomID, userID string) *ParticipantEvent {
	return &ParticipantEvent{
		BaseEvent: newBase(EventTypeParticipantLeft, roomID),
		UserID:    userID,
	}
}

// NotificationEvent is a room-scoped, human-readable notification.
// AutoHide notifications carry a display duration for the UI.
type NotificationEvent struct {
	BaseEvent
	Kind       string `json:"kind"` // "call-ended" or "call-error"
	RoomName   string `json:"room_name,omitempty"`
	Message    string `json:"message"`
	AutoHide   bool   `json:"auto_hide"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// NewNotificationEvent creates a notification event
func NewNotificationEvent(roomID, kind, roomName, message string, autoHide bool, durationMS int) *NotificationEvent {
	eventType := EventTypeCallNotification
	if kind == "call-error" {
		eventType = EventTypeCallError
	}
	return &NotificationEvent{
		BaseEvent:  newBase(eventType, roomID),
		Kind:       kind,
		RoomName:   roomName,
		Message:    message,
		AutoHide:   autoHide,
		DurationMS: durationMS,
	}
}

// Envelope wraps an event for wire delivery
type Envelope struct {
	Event    Event     `json:"event"`
	Received time.Time `json:"received"`
	Sequence int64     `json:"sequence"`
}

// Marshal serializes the envelope for WebSocket delivery
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
