package cue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPlayer(t *testing.T) {
	var p Player = NopPlayer{}

	assert.NoError(t, p.PlayLoop(Ringtone))
	assert.NoError(t, p.PlayOnce(CallEnd))
	p.Stop()
	p.Stop()
}

func TestExecPlayerMissingFile(t *testing.T) {
	p := NewExecPlayer("true", map[Cue]string{})

	assert.Error(t, p.PlayLoop(Ringtone))
	assert.Error(t, p.PlayOnce(CallEnd))
}

func TestExecPlayerStopIdempotent(t *testing.T) {
	p := NewExecPlayer("sleep", map[Cue]string{Ringtone: "10"})

	require.NoError(t, p.PlayLoop(Ringtone))
	p.Stop()
	p.Stop()
}

func TestExecPlayerLoopRestart(t *testing.T) {
	p := NewExecPlayer("sleep", map[Cue]string{Ringtone: "10"})

	// A second PlayLoop replaces the first without error
	require.NoError(t, p.PlayLoop(Ringtone))
	require.NoError(t, p.PlayLoop(Ringtone))
	p.Stop()
}

func TestExecPlayerPlayOnce(t *testing.T) {
	p := NewExecPlayer("true", map[Cue]string{CallEnd: "ignored"})

	// Failures inside the player are logged, never returned
	require.NoError(t, p.PlayOnce(CallEnd))
}
