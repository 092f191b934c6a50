// Package cue plays short notification sounds for call state transitions.
// Playback is fire-and-forget: failures are reported but callers are
// expected to swallow them, and no cue error may block a call transition.
package cue

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/haos/callbridge/pkg/logger"
)

// Cue identifies a notification sound
type Cue string

const (
	// Ringtone loops while an incoming invitation awaits a decision
	Ringtone Cue = "ringtone"
	// CallEnd plays once when a call ends
	CallEnd Cue = "call-end"
)

// Player plays notification cues
type Player interface {
	// PlayLoop starts looping playback of a cue until Stop is called
	PlayLoop(c Cue) error
	// PlayOnce plays a cue a single time
	PlayOnce(c Cue) error
	// Stop stops any looping playback; safe to call when idle
	Stop()
}

// NopPlayer is a Player that does nothing. Used when cues are disabled.
type NopPlayer struct{}

func (NopPlayer) PlayLoop(Cue) error { return nil }
func (NopPlayer) PlayOnce(Cue) error { return nil }
func (NopPlayer) Stop()              {}

// ExecPlayer plays cue files through an external player command
// (e.g. paplay, aplay, ffplay).
type ExecPlayer struct {
	command string
	files   map[Cue]string
	log     *logger.Logger

	mu         sync.Mutex
	loopCancel context.CancelFunc
}

// NewExecPlayer creates a player that invokes command with a cue file path
func NewExecPlayer(command string, files map[Cue]string) *ExecPlayer {
	return &ExecPlayer{
		command: command,
		files:   files,
		log:     logger.Global().WithComponent("cue"),
	}
}

// PlayLoop starts looping playback of a cue. A previous loop is stopped
// first; there is at most one loop at a time.
func (p *ExecPlayer) PlayLoop(c Cue) error {
	file, ok := p.files[c]
	if !ok || file == "" {
		return fmt.Errorf("no file configured for cue %q", c)
	}

	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.loopCancel = cancel
	p.mu.Unlock()

	go func() {
		for ctx.Err() == nil {
			cmd := exec.CommandContext(ctx, p.command, file)
			if err := cmd.Run(); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("cue playback failed", "cue", c, "error", err)
				return
			}
		}
	}()

	return nil
}

// PlayOnce plays a cue a single time, asynchronously
func (p *ExecPlayer) PlayOnce(c Cue) error {
	file, ok := p.files[c]
	if !ok || file == "" {
		return fmt.Errorf("no file configured for cue %q", c)
	}

	go func() {
		cmd := exec.Command(p.command, file)
		if err := cmd.Run(); err != nil {
			p.log.Warn("cue playback failed", "cue", c, "error", err)
		}
	}()

	return nil
}

// Stop stops looping playback; safe to call when nothing is playing
func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	cancel := p.loopCancel
	p.loopCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
