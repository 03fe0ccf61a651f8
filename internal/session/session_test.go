package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mediabridge/internal/hostabi"
)

func TestNewSessionStartsInCreatedWithMediaActive(t *testing.T) {
	s := New(hostabi.Handle(1), zerolog.Nop())
	require.Equal(t, StateCreated, s.State())
	snap := s.Snapshot()
	require.True(t, snap.AudioActive)
	require.True(t, snap.VideoActive)
	require.False(t, snap.Destroyed)
}

func TestFSMAdvancesThroughFullLifecycle(t *testing.T) {
	s := New(hostabi.Handle(2), zerolog.Nop())

	s.mu.Lock()
	s.fireLocked("negotiate")
	s.mu.Unlock()
	require.Equal(t, StateNegotiating, s.State())

	s.mu.Lock()
	s.fireLocked("provision")
	s.mu.Unlock()
	require.Equal(t, StateProvisioned, s.State())

	s.mu.Lock()
	s.fireLocked("publish")
	s.mu.Unlock()
	require.Equal(t, StatePublished, s.State())

	s.NotifyPlaying()
	require.Equal(t, StatePlaying, s.State())

	s.mu.Lock()
	s.fireLocked("hangup")
	s.mu.Unlock()
	require.Equal(t, StateHangingUp, s.State())

	s.mu.Lock()
	s.fireLocked("destroy")
	s.mu.Unlock()
	require.Equal(t, StateDestroyed, s.State())
}

func TestNotifyPlayingIsNoopOutsidePublished(t *testing.T) {
	s := New(hostabi.Handle(3), zerolog.Nop())
	s.NotifyPlaying()
	require.Equal(t, StateCreated, s.State())
}

func TestIsDestroyedAndDestroyedAt(t *testing.T) {
	s := New(hostabi.Handle(4), zerolog.Nop())
	require.False(t, s.IsDestroyed())

	s.mu.Lock()
	s.destroyed = true
	s.destroyedAt = time.Now()
	s.mu.Unlock()

	require.True(t, s.IsDestroyed())
	require.WithinDuration(t, time.Now(), s.DestroyedAt(), time.Second)
}
