package notification

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haos/callbridge/pkg/eventbus"
)

func TestReasonMessage(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{ReasonUserHangup, "Call ended"},
		{ReasonICEFailed, "Call failed (connection error)"},
		{ReasonInviteTimeout, "Call timed out"},
		{ReasonUnknownError, "Call failed (unknown error)"},
		{"something_new", "Call ended"},
		{"", "Call ended"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonMessage(tt.reason))
		})
	}
}

func TestCallEndedPublishes(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	defer bus.Stop()

	sub, err := bus.Subscribe("ui", eventbus.Filter{})
	require.NoError(t, err)

	n := New(bus)
	n.CallEnded("!room:example.com", "Ops Room", ReasonICEFailed)

	env := <-sub.C
	notif, ok := env.Event.(*eventbus.NotificationEvent)
	require.True(t, ok)
	assert.Equal(t, "call-ended", notif.Kind)
	assert.Equal(t, "Call failed (connection error)", notif.Message)
	assert.Equal(t, "!room:example.com", notif.Room())
	assert.True(t, notif.AutoHide)
	assert.Equal(t, 3000, notif.DurationMS)
}

func TestCallErrorPublishes(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	defer bus.Stop()

	sub, err := bus.Subscribe("ui", eventbus.Filter{})
	require.NoError(t, err)

	n := New(bus)
	n.CallError("!room:example.com", "Ops Room", errors.New("boom"))

	env := <-sub.C
	notif, ok := env.Event.(*eventbus.NotificationEvent)
	require.True(t, ok)
	assert.Equal(t, "call-error", notif.Kind)
	assert.Equal(t, eventbus.EventTypeCallError, notif.EventType())
	assert.Contains(t, notif.Message, "boom")
	assert.Equal(t, 5000, notif.DurationMS)
}

func TestNilBusIsSafe(t *testing.T) {
	n := New(nil)
	n.CallEnded("!room:example.com", "", ReasonUserHangup)
	n.CallError("!room:example.com", "", nil)
}
