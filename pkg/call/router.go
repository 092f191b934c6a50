package call

import (
	"errors"
	"fmt"

	"github.com/haos/callbridge/internal/adapter"
	"github.com/haos/callbridge/pkg/logger"
	"github.com/haos/callbridge/pkg/notification"
)

// Router classifies inbound room events and dispatches them: call
// signals to the coordinator, membership changes in rooms with an
// active call to the participant tracker. Handler panics are contained
// here; the event loop serves all event types and must not die.
type Router struct {
	coordinator *Coordinator
	tracker     *Tracker
	store       *Store
	notifier    *notification.Notifier
	log         *logger.Logger
}

// NewRouter creates a signaling event router
func NewRouter(coordinator *Coordinator, tracker *Tracker, store *Store, notifier *notification.Notifier) *Router {
	return &Router{
		coordinator: coordinator,
		tracker:     tracker,
		store:       store,
		notifier:    notifier,
		log:         logger.Global().WithComponent("router"),
	}
}

// Run dispatches events until the channel is closed
func (r *Router) Run(events <-chan *adapter.Event) {
	for ev := range events {
		r.Dispatch(ev)
	}
	r.log.Info("event channel closed, router stopping")
}

// Dispatch routes a single inbound event to its handler
func (r *Router) Dispatch(ev *adapter.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event handler panicked",
				"type", ev.Type, "room_id", ev.RoomID, "panic", rec)
			if r.notifier != nil && ev.RoomID != "" {
				r.notifier.CallError(ev.RoomID, "", fmt.Errorf("call handler failure: %v", rec))
			}
		}
	}()

	switch {
	case ev.Type == EventTypeMember:
		if r.store.IsCallActive(ev.RoomID) {
			r.tracker.HandleMember(ev)
		}

	case IsSignalType(ev.Type):
		r.dispatchSignal(ev)
	}
}

func (r *Router) dispatchSignal(ev *adapter.Event) {
	if ev.RoomID == "" || ev.Sender == "" {
		r.log.Debug("dropping signal without room or sender",
			"type", ev.Type, "event_id", ev.EventID)
		signalsDropped.WithLabelValues("missing_fields").Inc()
		return
	}

	sig, err := ParseSignal(ev)
	if err != nil {
		if errors.Is(err, ErrUnknownSignal) {
			r.log.Info("ignoring unhandled call event", "type", ev.Type)
			signalsDropped.WithLabelValues("unknown_type").Inc()
			return
		}
		r.log.Debug("dropping malformed signal",
			"type", ev.Type, "event_id", ev.EventID, "error", err)
		signalsDropped.WithLabelValues("malformed").Inc()
		return
	}

	switch sig.Type {
	case EventTypeInvite:
		r.coordinator.HandleInvite(sig)
	case EventTypeAnswer:
		r.coordinator.HandleAnswer(sig)
	case EventTypeHangup:
		r.coordinator.HandleHangup(sig)
	case EventTypeCandidates:
		r.coordinator.HandleCandidates(sig)
	}
}
