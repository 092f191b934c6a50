// Package call implements call signaling: the call state store, the
// signaling event router, the call lifecycle coordinator, and the
// participant tracker.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haos/callbridge/internal/adapter"
)

// Matrix event types consumed and produced by call signaling
const (
	EventTypeInvite     = "m.call.invite"
	EventTypeAnswer     = "m.call.answer"
	EventTypeHangup     = "m.call.hangup"
	EventTypeCandidates = "m.call.candidates"
	EventTypeMember     = "m.room.member"

	signalPrefix = "m.call."
)

var (
	// ErrMalformedSignal marks a call-signaling event whose payload fails
	// schema validation. Malformed signals are dropped, never surfaced.
	ErrMalformedSignal = errors.New("malformed signaling event")

	// ErrUnknownSignal marks a call-namespace event subtype this build
	// does not handle. Unknown subtypes are logged and ignored.
	ErrUnknownSignal = errors.New("unknown signaling event type")
)

// SessionDescription is an SDP payload carried on invite/answer events
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// InviteContent is the payload of an m.call.invite event
type InviteContent struct {
	CallID   string              `json:"call_id"`
	Offer    *SessionDescription `json:"offer"`
	Lifetime int                 `json:"lifetime,omitempty"`
	Version  int                 `json:"version"`
	Type     string              `json:"type,omitempty"`
}

// Kind infers whether the invite is for a voice or video call, from the
// explicit type hint or the presence of a video media line in the offer
func (c *InviteContent) Kind() string {
	if c.Type == KindVideo {
		return KindVideo
	}
	if c.Offer != nil && strings.Contains(c.Offer.SDP, "m=video") {
		return KindVideo
	}
	return KindVoice
}

// TimeoutSeconds derives the invitation timeout from the invite's
// lifetime field (milliseconds), falling back to def when absent
func (c *InviteContent) TimeoutSeconds(def int) int {
	if c.Lifetime > 0 {
		return c.Lifetime / 1000
	}
	return def
}

// AnswerContent is the payload of an m.call.answer event
type AnswerContent struct {
	CallID  string              `json:"call_id"`
	Answer  *SessionDescription `json:"answer"`
	Version int                 `json:"version"`
}

// HangupContent is the payload of an m.call.hangup event
type HangupContent struct {
	CallID  string `json:"call_id"`
	Version int    `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// CandidateInit is a single ICE candidate as carried on the wire
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CandidatesContent is the payload of an m.call.candidates event
type CandidatesContent struct {
	CallID     string          `json:"call_id"`
	Candidates []CandidateInit `json:"candidates"`
	Version    int             `json:"version"`
}

// Signal is a validated call-signaling event. Exactly one of the payload
// fields is set, matching Type.
type Signal struct {
	Type   string
	RoomID string
	Sender string

	Invite     *InviteContent
	Answer     *AnswerContent
	Hangup     *HangupContent
	Candidates *CandidatesContent
}

// IsSignalType reports whether an event type belongs to the
// call-signaling namespace
func IsSignalType(eventType string) bool {
	return strings.HasPrefix(eventType, signalPrefix)
}

// ParseSignal validates a call-namespace room event and returns the
// typed signal. Payloads missing a call identifier (or candidates
// events with no candidates) fail with ErrMalformedSignal; subtypes
// outside the handled set fail with ErrUnknownSignal.
func ParseSignal(ev *adapter.Event) (*Signal, error) {
	sig := &Signal{Type: ev.Type, RoomID: ev.RoomID, Sender: ev.Sender}

	switch ev.Type {
	case EventTypeInvite:
		var content InviteContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		}
		if content.CallID == "" {
			return nil, fmt.Errorf("%w: invite without call_id", ErrMalformedSignal)
		}
		if content.Offer == nil || content.Offer.SDP == "" {
			return nil, fmt.Errorf("%w: invite without offer", ErrMalformedSignal)
		}
		sig.Invite = &content

	case EventTypeAnswer:
		var content AnswerContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		}
		if content.CallID == "" {
			return nil, fmt.Errorf("%w: answer without call_id", ErrMalformedSignal)
		}
		sig.Answer = &content

	case EventTypeHangup:
		var content HangupContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		}
		if content.CallID == "" {
			return nil, fmt.Errorf("%w: hangup without call_id", ErrMalformedSignal)
		}
		sig.Hangup = &content

	case EventTypeCandidates:
		var content CandidatesContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		}
		if content.CallID == "" {
			return nil, fmt.Errorf("%w: candidates without call_id", ErrMalformedSignal)
		}
		if len(content.Candidates) == 0 {
			return nil, fmt.Errorf("%w: candidates event without candidates", ErrMalformedSignal)
		}
		sig.Candidates = &content

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignal, ev.Type)
	}

	return sig, nil
}

// MemberContent is the payload of an m.room.member event, reduced to the
// fields call signaling consumes
type MemberContent struct {
	Membership      string `json:"membership"`
	DisplayName     string `json:"displayname,omitempty"`
	CurrentlyActive *bool  `json:"currently_active,omitempty"`
}
