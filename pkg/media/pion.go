package media

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// EngineConfig holds configuration for the pion-backed engine
type EngineConfig struct {
	// AudioSampleRate is the Opus clock rate (e.g. 48000)
	AudioSampleRate uint32
	// AudioChannels is the Opus channel count
	AudioChannels uint16
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AudioSampleRate: 48000,
		AudioChannels:   2,
	}
}

// PionEngine implements Engine on pion/webrtc.
// It registers Opus audio and VP8 video codecs; actual device capture is
// the embedding application's concern, so GetUserMedia produces synthetic
// static tracks that negotiate and can be stopped.
type PionEngine struct {
	api *webrtc.API
	cfg EngineConfig
}

// NewPionEngine creates a WebRTC engine with Opus and VP8 registered
func NewPionEngine(cfg EngineConfig) (*PionEngine, error) {
	if cfg.AudioSampleRate == 0 {
		cfg = DefaultEngineConfig()
	}

	mediaEngine := &webrtc.MediaEngine{}

	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   cfg.AudioSampleRate,
			Channels:    cfg.AudioChannels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register audio codec: %w", err)
	}

	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register video codec: %w", err)
	}

	return &PionEngine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		cfg: cfg,
	}, nil
}

// CreateSession creates a new peer session
func (e *PionEngine) CreateSession(iceServers []string) (Session, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := e.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return &pionSession{pc: pc}, nil
}

// GetUserMedia captures a local stream with the requested track kinds
func (e *PionEngine) GetUserMedia(audio, video bool) (Stream, error) {
	stream := &localStream{}

	if audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: e.cfg.AudioSampleRate,
			Channels:  e.cfg.AudioChannels,
		}, "audio", "callbridge-audio")
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		stream.tracks = append(stream.tracks, &staticTrack{kind: "audio", local: track})
	}

	if video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "callbridge-video")
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		stream.tracks = append(stream.tracks, &staticTrack{kind: "video", local: track})
	}

	return stream, nil
}

// pionSession wraps a pion PeerConnection behind the Session interface
type pionSession struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

func (s *pionSession) CreateOffer() (Description, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *pionSession) SetLocalDescription(d Description) error {
	return s.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (s *pionSession) SetRemoteDescription(d Description) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (s *pionSession) AddICECandidate(c Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (s *pionSession) AddTrack(t Track) error {
	st, ok := t.(*staticTrack)
	if !ok {
		return fmt.Errorf("unsupported track type %T", t)
	}
	if _, err := s.pc.AddTrack(st.local); err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}
	return nil
}

func (s *pionSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pc.Close()
	})
	return s.closeErr
}

// localStream is a fixed set of captured tracks
type localStream struct {
	tracks []Track
}

func (l *localStream) Tracks() []Track {
	return append([]Track(nil), l.tracks...)
}

func (l *localStream) AudioTracks() []Track {
	return l.byKind("audio")
}

func (l *localStream) VideoTracks() []Track {
	return l.byKind("video")
}

func (l *localStream) byKind(kind string) []Track {
	var out []Track
	for _, t := range l.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// staticTrack is a local track backed by a pion static-sample track
type staticTrack struct {
	kind    string
	local   *webrtc.TrackLocalStaticSample
	mu      sync.Mutex
	stopped bool
}

func (t *staticTrack) Kind() string {
	return t.kind
}

func (t *staticTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *staticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
