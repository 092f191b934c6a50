// Package notification builds the room-scoped, auto-dismissing call
// notifications surfaced to the UI through the event bus.
package notification

import (
	"github.com/haos/callbridge/pkg/eventbus"
	"github.com/haos/callbridge/pkg/logger"
)

// Hangup reason codes carried on m.call.hangup events
const (
	ReasonUserHangup    = "user_hangup"
	ReasonICEFailed     = "ice_failed"
	ReasonInviteTimeout = "invite_timeout"
	ReasonUnknownError  = "unknown_error"
)

// reasonMessages maps hangup reason codes to user-facing text
var reasonMessages = map[string]string{
	ReasonUserHangup:    "Call ended",
	ReasonICEFailed:     "Call failed (connection error)",
	ReasonInviteTimeout: "Call timed out",
	ReasonUnknownError:  "Call failed (unknown error)",
}

// ReasonMessage returns the user-facing message for a hangup reason code.
// Unrecognized codes fall back to "Call ended".
func ReasonMessage(reason string) string {
	if msg, ok := reasonMessages[reason]; ok {
		return msg
	}
	return "Call ended"
}

// Notifier publishes call notifications to the event bus
type Notifier struct {
	bus *eventbus.Bus
	log *logger.Logger
}

// New creates a notifier publishing to the given bus
func New(bus *eventbus.Bus) *Notifier {
	return &Notifier{
		bus: bus,
		log: logger.Global().WithComponent("notification"),
	}
}

// CallEnded emits the auto-dismissing end-of-call notification for a room
func (n *Notifier) CallEnded(roomID, roomName, reason string) {
	msg := ReasonMessage(reason)
	n.log.Info("call ended", "room_id", roomID, "reason", reason, "message", msg)
	if n.bus != nil {
		n.bus.Publish(eventbus.NewNotificationEvent(roomID, "call-ended", roomName, msg, true, 3000))
	}
}

// CallError emits a non-fatal call error notification for a room
func (n *Notifier) CallError(roomID, roomName string, err error) {
	msg := "Call error: unknown error"
	if err != nil {
		msg = "Call error: " + err.Error()
	}
	n.log.Warn("call error", "room_id", roomID, "error", err)
	if n.bus != nil {
		n.bus.Publish(eventbus.NewNotificationEvent(roomID, "call-error", roomName, msg, true, 5000))
	}
}
