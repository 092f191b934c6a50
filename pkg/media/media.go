// Package media provides the peer-session abstraction used by call
// signaling. The coordinator drives sessions through these interfaces and
// never touches the underlying WebRTC implementation directly.
package media

// Description is a session description (offer or answer)
type Description struct {
	Type string // "offer" or "answer"
	SDP  string
}

// Candidate is an ICE candidate to be applied to a session
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Track is a single local media track
type Track interface {
	// Kind returns "audio" or "video"
	Kind() string
	// Stop releases the track; safe to call more than once
	Stop()
	// Stopped reports whether the track has been stopped
	Stopped() bool
}

// Stream is a set of captured local tracks
type Stream interface {
	Tracks() []Track
	AudioTracks() []Track
	VideoTracks() []Track
}

// Session is a single peer session for one call attempt
type Session interface {
	CreateOffer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(Candidate) error
	AddTrack(Track) error
	Close() error
}

// Engine creates peer sessions and captures local media
type Engine interface {
	// CreateSession creates a peer session configured with the given
	// STUN/TURN server URLs
	CreateSession(iceServers []string) (Session, error)

	// GetUserMedia captures a local stream with the requested track kinds
	GetUserMedia(audio, video bool) (Stream, error)
}
