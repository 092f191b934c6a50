package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haos/callbridge/internal/adapter"
	"github.com/haos/callbridge/pkg/cue"
	"github.com/haos/callbridge/pkg/logger"
	"github.com/haos/callbridge/pkg/media"
	"github.com/haos/callbridge/pkg/notification"
)

// ErrCallNotFound is returned by Answer and Reject when no matching
// invitation is pending
var ErrCallNotFound = errors.New("call not found")

// placeholderAnswerSDP is sent on Answer instead of a negotiated
// description. Callee-side answer generation against the received offer
// is stubbed; media for answered inbound calls flows through the SFU,
// not this session.
const placeholderAnswerSDP = "placeholder-sdp"

// Transport is the messaging-transport surface the coordinator and
// tracker consume. Satisfied by adapter.MatrixAdapter.
type Transport interface {
	SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error)
	GetUser(userID string) *adapter.UserProfile
	GetRoom(roomID string) *adapter.RoomInfo
	UserID() string
}

// Config holds coordinator configuration
type Config struct {
	// ICEServers lists STUN/TURN URLs for peer sessions
	ICEServers []string

	// InviteLifetimeMS is the lifetime attached to outbound invites
	InviteLifetimeMS int

	// DefaultInviteTimeoutSec is used when an inbound invite carries no
	// lifetime
	DefaultInviteTimeoutSec int
}

// DefaultConfig returns default coordinator configuration
func DefaultConfig() Config {
	return Config{
		ICEServers:              []string{"stun:stun.l.google.com:19302"},
		InviteLifetimeMS:        30000,
		DefaultInviteTimeoutSec: 30,
	}
}

// peerSession is one in-flight outbound call attempt: the local media
// stream and peer session, keyed by call ID. Owned exclusively by the
// coordinator.
type peerSession struct {
	callID       string
	roomID       string
	session      media.Session
	stream       media.Stream
	offerPending bool
}

// Coordinator implements the call state machine: it processes inbound
// invite/answer/hangup/candidate signals, drives peer session setup and
// teardown, times out stale invitations, and exposes the command
// surface (Initiate, Answer, Reject, End).
type Coordinator struct {
	config    Config
	store     *Store
	transport Transport
	engine    media.Engine
	cues      cue.Player
	notifier  *notification.Notifier
	log       *logger.Logger

	mu        sync.Mutex
	sessions  map[string]*peerSession
	timers    map[string]*time.Timer
	destroyed bool
}

// NewCoordinator creates a call lifecycle coordinator
func NewCoordinator(cfg Config, store *Store, transport Transport, engine media.Engine, cues cue.Player, notifier *notification.Notifier) *Coordinator {
	def := DefaultConfig()
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = def.ICEServers
	}
	if cfg.InviteLifetimeMS <= 0 {
		cfg.InviteLifetimeMS = def.InviteLifetimeMS
	}
	if cfg.DefaultInviteTimeoutSec <= 0 {
		cfg.DefaultInviteTimeoutSec = def.DefaultInviteTimeoutSec
	}
	if cues == nil {
		cues = cue.NopPlayer{}
	}

	return &Coordinator{
		config:    cfg,
		store:     store,
		transport: transport,
		engine:    engine,
		cues:      cues,
		notifier:  notifier,
		log:       logger.Global().WithComponent("coordinator"),
		sessions:  make(map[string]*peerSession),
		timers:    make(map[string]*time.Timer),
	}
}

// HandleInvite processes an inbound m.call.invite: records the
// invitation and the room's call, starts the ringtone unless the room
// is muted, and schedules the invitation timeout.
func (co *Coordinator) HandleInvite(sig *Signal) {
	content := sig.Invite
	if content == nil {
		return
	}

	kind := content.Kind()
	timeoutSec := content.TimeoutSeconds(co.config.DefaultInviteTimeoutSec)

	initiator := Initiator{UserID: sig.Sender, DisplayName: sig.Sender}
	if profile := co.transport.GetUser(sig.Sender); profile != nil && profile.DisplayName != "" {
		initiator.DisplayName = profile.DisplayName
		initiator.AvatarURL = profile.AvatarURL
	}

	now := time.Now()
	co.store.AddIncomingCall(&Invitation{
		CallID:     content.CallID,
		RoomID:     sig.RoomID,
		RoomName:   co.roomName(sig.RoomID),
		Kind:       kind,
		Initiator:  initiator,
		ReceivedAt: now,
		TimeoutSec: timeoutSec,
	})
	co.store.SetActiveCall(sig.RoomID, &ActiveCall{
		CallID:          content.CallID,
		Kind:            kind,
		StartTime:       now,
		Status:          StatusCalling,
		InitiatorUserID: sig.Sender,
	})
	callsIncoming.WithLabelValues(kind).Inc()

	if !co.store.IsMutedCallNotifications(sig.RoomID) {
		if err := co.cues.PlayLoop(cue.Ringtone); err != nil {
			co.log.Warn("ringtone playback failed", "call_id", content.CallID, "error", err)
		}
	}

	co.scheduleInviteTimeout(content.CallID, sig.RoomID, timeoutSec)

	co.log.Info("incoming call",
		"call_id", content.CallID, "room_id", sig.RoomID,
		"kind", kind, "from", sig.Sender, "timeout_sec", timeoutSec)
}

// HandleAnswer processes an inbound m.call.answer: stops the ringtone,
// clears any matching invitation, and applies the remote description to
// the pending outbound session. Negotiation failure ends the call.
func (co *Coordinator) HandleAnswer(sig *Signal) {
	content := sig.Answer
	if content == nil {
		return
	}

	co.cues.Stop()
	co.cancelTimer(content.CallID)
	co.store.RemoveIncomingCall(content.CallID)
	co.store.UpdateCallStatus(sig.RoomID, StatusConnecting)

	co.mu.Lock()
	ps := co.sessions[content.CallID]
	pending := ps != nil && ps.offerPending
	co.mu.Unlock()
	if !pending || content.Answer == nil {
		return
	}

	err := ps.session.SetRemoteDescription(media.Description{Type: "answer", SDP: content.Answer.SDP})
	if err != nil {
		co.log.Warn("failed to apply remote answer",
			"call_id", content.CallID, "error", err)
		if endErr := co.End(context.Background(), content.CallID); endErr != nil {
			co.log.Error("cleanup after failed negotiation failed",
				"call_id", content.CallID, "error", endErr)
		}
		return
	}

	// A hangup may have torn the session down while the description was
	// being applied; its cleanup is final.
	co.mu.Lock()
	cur := co.sessions[content.CallID]
	if cur != nil {
		cur.offerPending = false
	}
	co.mu.Unlock()
	if cur == nil {
		return
	}

	co.store.UpdateCallStatus(sig.RoomID, StatusActive)
	callsAnswered.Inc()
	co.log.Info("call answered", "call_id", content.CallID, "room_id", sig.RoomID)
}

// HandleHangup processes an inbound m.call.hangup from any state:
// releases the session, clears the invitation and call record, and
// emits the end-of-call notification for the hangup reason.
func (co *Coordinator) HandleHangup(sig *Signal) {
	content := sig.Hangup
	if content == nil {
		return
	}

	reason := content.Reason
	if reason == "" {
		reason = notification.ReasonUserHangup
	}

	co.cancelTimer(content.CallID)
	co.cues.Stop()
	if err := co.cues.PlayOnce(cue.CallEnd); err != nil {
		co.log.Debug("call-end cue failed", "error", err)
	}

	co.releaseSession(content.CallID)

	roomName := co.roomName(sig.RoomID)
	if inv := co.store.IncomingCall(content.CallID); inv != nil && inv.RoomName != "" {
		roomName = inv.RoomName
	}
	co.store.RemoveIncomingCall(content.CallID)
	co.clearActiveCall(sig.RoomID)

	if co.notifier != nil {
		co.notifier.CallEnded(sig.RoomID, roomName, reason)
	}
	callsEnded.WithLabelValues(reason).Inc()

	co.log.Info("call hung up",
		"call_id", content.CallID, "room_id", sig.RoomID, "reason", reason)
}

// HandleCandidates applies inbound ICE candidates to the in-flight
// session in arrival order. Candidates for unknown calls are dropped;
// the session may have ended or never started.
func (co *Coordinator) HandleCandidates(sig *Signal) {
	content := sig.Candidates
	if content == nil {
		return
	}

	ps := co.session(content.CallID)
	if ps == nil {
		candidatesDropped.Inc()
		co.log.Debug("dropping candidates for unknown call",
			"call_id", content.CallID, "count", len(content.Candidates))
		return
	}

	for _, cand := range content.Candidates {
		err := ps.session.AddICECandidate(media.Candidate{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		})
		if err != nil {
			co.log.Warn("failed to apply ICE candidate",
				"call_id", content.CallID, "error", err)
		}
	}
}

// Initiate starts an outbound call in a room: captures local media,
// creates an offer, sends the invite, and records the active call.
// Failure at any step aborts the whole operation leaving no partial
// state behind.
func (co *Coordinator) Initiate(ctx context.Context, roomID, kind string) (string, error) {
	if kind != KindVideo {
		kind = KindVoice
	}

	co.mu.Lock()
	if co.destroyed {
		co.mu.Unlock()
		return "", fmt.Errorf("coordinator is destroyed")
	}
	co.mu.Unlock()

	callID := "call_" + uuid.NewString()

	session, err := co.engine.CreateSession(co.config.ICEServers)
	if err != nil {
		err = fmt.Errorf("failed to create peer session: %w", err)
		co.reportCallError(roomID, err)
		return "", err
	}

	stream, err := co.engine.GetUserMedia(true, kind == KindVideo)
	if err != nil {
		session.Close()
		err = fmt.Errorf("failed to acquire local media: %w", err)
		co.reportCallError(roomID, err)
		return "", err
	}

	abort := func(err error) (string, error) {
		for _, track := range stream.Tracks() {
			track.Stop()
		}
		session.Close()
		co.reportCallError(roomID, err)
		return "", err
	}

	for _, track := range stream.Tracks() {
		if err := session.AddTrack(track); err != nil {
			return abort(fmt.Errorf("failed to attach local track: %w", err))
		}
	}

	offer, err := session.CreateOffer()
	if err != nil {
		return abort(fmt.Errorf("failed to create offer: %w", err))
	}
	if err := session.SetLocalDescription(offer); err != nil {
		return abort(fmt.Errorf("failed to set local description: %w", err))
	}

	ps := &peerSession{
		callID:       callID,
		roomID:       roomID,
		session:      session,
		stream:       stream,
		offerPending: true,
	}
	co.mu.Lock()
	if co.destroyed {
		co.mu.Unlock()
		return abort(fmt.Errorf("coordinator is destroyed"))
	}
	co.sessions[callID] = ps
	co.mu.Unlock()

	invite := &InviteContent{
		CallID:   callID,
		Offer:    &SessionDescription{Type: "offer", SDP: offer.SDP},
		Lifetime: co.config.InviteLifetimeMS,
		Version:  1,
		Type:     kind,
	}
	if _, err := co.transport.SendEvent(ctx, roomID, EventTypeInvite, invite); err != nil {
		co.releaseSession(callID)
		err = fmt.Errorf("failed to send invite: %w", err)
		co.reportCallError(roomID, err)
		return "", err
	}

	// A hangup processed while the invite was in flight already ran
	// final cleanup; do not resurrect the call record.
	if co.session(callID) == nil {
		return callID, nil
	}

	co.store.SetActiveCall(roomID, &ActiveCall{
		CallID:          callID,
		Kind:            kind,
		StartTime:       time.Now(),
		Status:          StatusCalling,
		InitiatorUserID: co.transport.UserID(),
	})
	co.addLocalParticipant(roomID, kind == KindVideo)
	callsStarted.WithLabelValues(kind).Inc()

	co.log.Info("call initiated", "call_id", callID, "room_id", roomID, "kind", kind)
	return callID, nil
}

// Answer accepts a pending invitation: removes it, sends the answer
// event, and marks the room's call active. Returns ErrCallNotFound when
// no matching invitation is pending.
func (co *Coordinator) Answer(ctx context.Context, callID string) error {
	inv := co.store.IncomingCall(callID)
	if inv == nil {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}

	co.cues.Stop()
	co.cancelTimer(callID)
	co.store.AcceptIncomingCall(callID)

	answer := &AnswerContent{
		CallID:  callID,
		Answer:  &SessionDescription{Type: "answer", SDP: placeholderAnswerSDP},
		Version: 1,
	}
	if _, err := co.transport.SendEvent(ctx, inv.RoomID, EventTypeAnswer, answer); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}

	co.store.UpdateCallStatus(inv.RoomID, StatusActive)
	co.addLocalParticipant(inv.RoomID, inv.Kind == KindVideo)
	callsAnswered.Inc()

	co.log.Info("call accepted", "call_id", callID, "room_id", inv.RoomID)
	return nil
}

// Reject declines a pending invitation: removes it, sends a hangup with
// reason user_hangup, and clears the room's call. Returns
// ErrCallNotFound when no matching invitation is pending.
func (co *Coordinator) Reject(ctx context.Context, callID string) error {
	inv := co.store.IncomingCall(callID)
	if inv == nil {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}

	co.cues.Stop()
	co.cancelTimer(callID)
	co.store.RejectIncomingCall(callID)

	hangup := &HangupContent{CallID: callID, Version: 1, Reason: notification.ReasonUserHangup}
	_, sendErr := co.transport.SendEvent(ctx, inv.RoomID, EventTypeHangup, hangup)

	co.clearActiveCall(inv.RoomID)
	callsEnded.WithLabelValues(notification.ReasonUserHangup).Inc()

	if sendErr != nil {
		return fmt.Errorf("failed to send hangup: %w", sendErr)
	}
	co.log.Info("call rejected", "call_id", callID, "room_id", inv.RoomID)
	return nil
}

// End hangs up a call this side is part of: sends the hangup event and
// releases all local resources. Ending an unknown or already-ended call
// is a no-op, not an error.
func (co *Coordinator) End(ctx context.Context, callID string) error {
	ps := co.session(callID)
	var roomID string
	switch {
	case ps != nil:
		roomID = ps.roomID
	default:
		call := co.store.FindCallByID(callID)
		if call == nil {
			co.log.Warn("end requested for unknown call", "call_id", callID)
			return nil
		}
		roomID = call.RoomID
	}

	hangup := &HangupContent{CallID: callID, Version: 1, Reason: notification.ReasonUserHangup}
	if _, err := co.transport.SendEvent(ctx, roomID, EventTypeHangup, hangup); err != nil {
		co.log.Warn("failed to send hangup", "call_id", callID, "error", err)
	}

	co.cancelTimer(callID)
	co.cues.Stop()
	if err := co.cues.PlayOnce(cue.CallEnd); err != nil {
		co.log.Debug("call-end cue failed", "error", err)
	}

	co.releaseSession(callID)
	co.store.RemoveIncomingCall(callID)
	co.clearActiveCall(roomID)
	callsEnded.WithLabelValues(notification.ReasonUserHangup).Inc()

	co.log.Info("call ended", "call_id", callID, "room_id", roomID)
	return nil
}

// Destroy stops cue playback, cancels all timers, and releases every
// in-flight session. Safe to call more than once.
func (co *Coordinator) Destroy() {
	co.mu.Lock()
	if co.destroyed {
		co.mu.Unlock()
		return
	}
	co.destroyed = true
	sessions := make([]*peerSession, 0, len(co.sessions))
	for _, ps := range co.sessions {
		sessions = append(sessions, ps)
	}
	co.sessions = make(map[string]*peerSession)
	for _, timer := range co.timers {
		timer.Stop()
	}
	co.timers = make(map[string]*time.Timer)
	co.mu.Unlock()

	co.cues.Stop()
	for _, ps := range sessions {
		co.release(ps)
	}

	co.log.Info("coordinator destroyed", "sessions_released", len(sessions))
}

// scheduleInviteTimeout arms the stale-invitation timer for an inbound
// invite. This is the only mechanism preventing permanently-pending
// invitations.
func (co *Coordinator) scheduleInviteTimeout(callID, roomID string, timeoutSec int) {
	d := time.Duration(timeoutSec) * time.Second

	co.mu.Lock()
	defer co.mu.Unlock()
	if co.destroyed {
		return
	}
	if timer, ok := co.timers[callID]; ok {
		timer.Stop()
	}
	co.timers[callID] = time.AfterFunc(d, func() {
		co.expireInvite(callID, roomID)
	})
}

// expireInvite removes a still-pending invitation whose timeout elapsed
// and marks the room's call ended
func (co *Coordinator) expireInvite(callID, roomID string) {
	co.mu.Lock()
	delete(co.timers, callID)
	co.mu.Unlock()

	// The invitation may have been answered, rejected, or hung up while
	// the timer was pending.
	if co.store.IncomingCall(callID) == nil {
		return
	}

	co.store.RemoveIncomingCall(callID)
	co.store.UpdateCallStatus(roomID, StatusEnded)
	co.cues.Stop()
	callsEnded.WithLabelValues(notification.ReasonInviteTimeout).Inc()

	co.log.Info("invitation timed out", "call_id", callID, "room_id", roomID)
}

func (co *Coordinator) cancelTimer(callID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if timer, ok := co.timers[callID]; ok {
		timer.Stop()
		delete(co.timers, callID)
	}
}

// session returns the in-flight session for a call ID, or nil
func (co *Coordinator) session(callID string) *peerSession {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.sessions[callID]
}

// releaseSession removes and releases the in-flight session for a call.
// No-op when none exists, so repeated cleanup paths are safe.
func (co *Coordinator) releaseSession(callID string) {
	co.mu.Lock()
	ps := co.sessions[callID]
	delete(co.sessions, callID)
	co.mu.Unlock()

	if ps != nil {
		co.release(ps)
	}
}

func (co *Coordinator) release(ps *peerSession) {
	if ps.stream != nil {
		for _, track := range ps.stream.Tracks() {
			track.Stop()
		}
	}
	if ps.session != nil {
		if err := ps.session.Close(); err != nil {
			co.log.Debug("peer session close failed", "call_id", ps.callID, "error", err)
		}
	}
}

// clearActiveCall clears the room's call record when one exists
func (co *Coordinator) clearActiveCall(roomID string) {
	if !co.store.IsCallActive(roomID) {
		return
	}
	co.store.SetActiveCall(roomID, nil)
}

// addLocalParticipant records the local user in the room's roster
func (co *Coordinator) addLocalParticipant(roomID string, video bool) {
	selfID := co.transport.UserID()
	displayName := selfID
	if profile := co.transport.GetUser(selfID); profile != nil && profile.DisplayName != "" {
		displayName = profile.DisplayName
	}
	powerLevel := 0
	if room := co.transport.GetRoom(roomID); room != nil {
		powerLevel = room.PowerLevels.Level(selfID)
	}

	co.store.AddCallParticipant(roomID, &Participant{
		UserID:      selfID,
		DisplayName: displayName,
		PowerLevel:  powerLevel,
		JoinedAt:    time.Now(),
		Connected:   true,
		Media:       MediaState{Audio: true, Video: video},
		IsLocal:     true,
	})
}

// roomName resolves a room's display name, falling back to the room ID
func (co *Coordinator) roomName(roomID string) string {
	if room := co.transport.GetRoom(roomID); room != nil && room.Name != "" {
		return room.Name
	}
	return roomID
}

// reportCallError surfaces a command failure as a room-scoped error
// notification for passive observers; the caller still gets the error
func (co *Coordinator) reportCallError(roomID string, err error) {
	if co.notifier != nil {
		co.notifier.CallError(roomID, co.roomName(roomID), err)
	}
}
