// Package config provides configuration management for callbridge.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all callbridge configuration
type Config struct {
	// Matrix homeserver connection
	Matrix MatrixConfig `toml:"matrix"`

	// Call signaling behavior
	Call CallConfig `toml:"call"`

	// WebRTC peer session configuration
	WebRTC WebRTCConfig `toml:"webrtc"`

	// Audio cue playback
	Cues CuesConfig `toml:"cues"`

	// Event bus / UI push configuration
	EventBus EventBusConfig `toml:"eventbus"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// MatrixConfig holds Matrix client configuration
type MatrixConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver
	HomeserverURL string `toml:"homeserver_url" env:"CALLBRIDGE_HOMESERVER"`

	// Username for password login
	Username string `toml:"username" env:"CALLBRIDGE_MATRIX_USER"`

	// Password for password login
	Password string `toml:"password" env:"CALLBRIDGE_MATRIX_PASSWORD"`

	// DeviceID identifies this client to the homeserver
	DeviceID string `toml:"device_id" env:"CALLBRIDGE_DEVICE_ID"`

	// SyncTimeoutMS is the long-poll timeout passed to /sync
	SyncTimeoutMS int `toml:"sync_timeout_ms"`
}

// CallConfig holds call signaling configuration
type CallConfig struct {
	// InviteLifetimeMS is the lifetime attached to outbound invites, in ms
	InviteLifetimeMS int `toml:"invite_lifetime_ms" env:"CALLBRIDGE_INVITE_LIFETIME_MS"`

	// DefaultInviteTimeoutSec is the invitation timeout used when an
	// inbound invite carries no lifetime field
	DefaultInviteTimeoutSec int `toml:"default_invite_timeout_sec"`

	// MutedRooms lists rooms whose call notifications start muted
	MutedRooms []string `toml:"muted_rooms"`
}

// WebRTCConfig holds peer session configuration
type WebRTCConfig struct {
	// ICEServers lists STUN/TURN server URLs for session negotiation
	ICEServers []string `toml:"ice_servers"`
}

// CuesConfig holds audio cue playback configuration
type CuesConfig struct {
	// Enabled turns cue playback on; when false a no-op player is used
	Enabled bool `toml:"enabled" env:"CALLBRIDGE_CUES_ENABLED"`

	// PlayerCommand is the external command used to play cue files
	PlayerCommand string `toml:"player_command" env:"CALLBRIDGE_CUE_PLAYER"`

	// RingtoneFile is the looping ringtone cue
	RingtoneFile string `toml:"ringtone_file"`

	// CallEndFile is the one-shot call-end cue
	CallEndFile string `toml:"call_end_file"`
}

// EventBusConfig holds event bus configuration
type EventBusConfig struct {
	// SubscriberBuffer is the per-subscriber channel depth
	SubscriberBuffer int `toml:"subscriber_buffer"`

	// MaxSubscribers caps concurrent subscribers
	MaxSubscribers int `toml:"max_subscribers"`

	// WebSocketEnabled enables the UI push server
	WebSocketEnabled bool `toml:"websocket_enabled" env:"CALLBRIDGE_WS_ENABLED"`

	// WebSocketAddr is the push server listen address
	WebSocketAddr string `toml:"websocket_addr" env:"CALLBRIDGE_WS_ADDR"`

	// WebSocketPath is the push server endpoint path
	WebSocketPath string `toml:"websocket_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" env:"CALLBRIDGE_LOG_LEVEL"`
	Format string `toml:"format" env:"CALLBRIDGE_LOG_FORMAT"`
	Output string `toml:"output" env:"CALLBRIDGE_LOG_OUTPUT"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Matrix: MatrixConfig{
			DeviceID:      "CALLBRIDGE",
			SyncTimeoutMS: 30000,
		},
		Call: CallConfig{
			InviteLifetimeMS:        30000,
			DefaultInviteTimeoutSec: 30,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Cues: CuesConfig{
			Enabled:       false,
			PlayerCommand: "paplay",
			RingtoneFile:  "/usr/share/callbridge/sounds/ringtone.ogg",
			CallEndFile:   "/usr/share/callbridge/sounds/call-end.ogg",
		},
		EventBus: EventBusConfig{
			SubscriberBuffer: 64,
			MaxSubscribers:   100,
			WebSocketEnabled: false,
			WebSocketAddr:    "127.0.0.1:8444",
			WebSocketPath:    "/events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ConfigPaths returns the default configuration file search paths
func ConfigPaths() []string {
	paths := []string{
		"callbridge.toml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "callbridge", "callbridge.toml"))
	}
	paths = append(paths, "/etc/callbridge/callbridge.toml")
	return paths
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Matrix.HomeserverURL == "" {
		return fmt.Errorf("%w: matrix.homeserver_url", ErrMissingValue)
	}
	u, err := url.Parse(c.Matrix.HomeserverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: matrix.homeserver_url %q is not a valid URL", ErrInvalidConfig, c.Matrix.HomeserverURL)
	}

	if c.Call.InviteLifetimeMS <= 0 {
		return fmt.Errorf("%w: call.invite_lifetime_ms must be positive", ErrInvalidConfig)
	}
	if c.Call.DefaultInviteTimeoutSec <= 0 {
		return fmt.Errorf("%w: call.default_invite_timeout_sec must be positive", ErrInvalidConfig)
	}

	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("%w: webrtc.ice_servers", ErrMissingValue)
	}

	if c.EventBus.SubscriberBuffer <= 0 {
		return fmt.Errorf("%w: eventbus.subscriber_buffer must be positive", ErrInvalidConfig)
	}
	if c.EventBus.WebSocketEnabled && c.EventBus.WebSocketAddr == "" {
		return fmt.Errorf("%w: eventbus.websocket_addr", ErrMissingValue)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}

	return nil
}
