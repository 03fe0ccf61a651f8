// Package session implements the Session Controller named in spec.md
// §4.7: per-peer negotiation state, socket provisioning, and the glue
// between incoming/outgoing RTP and the RTSP-published mountpoint.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/mediabridge/internal/hostabi"
	"github.com/arzzra/mediabridge/internal/pipeline"
	"github.com/arzzra/mediabridge/internal/sdputil"
	"github.com/arzzra/mediabridge/internal/socketfactory"
)

// Lifecycle states, grounded on the teacher's DialogState/fsm.FSM idiom
// (pkg/dialog/dialog.go initFSM) but driving this bridge's own states.
const (
	StateCreated     = "created"
	StateNegotiating = "negotiating"
	StateProvisioned = "provisioned"
	StatePublished   = "published"
	StatePlaying     = "playing"
	StateHangingUp   = "hanging_up"
	StateDestroyed   = "destroyed"
)

// minSlowLinkBitrate is the floor slow_link halves bitrate down to, per
// spec.md §4.7.
const minSlowLinkBitrate = 64000

// defaultSlowLinkBitrate is the assumed starting bitrate slow_link halves
// from when a session has never had an explicit bitrate set (bitrate==0
// means "unbounded", not "zero"), per spec.md §8 scenario S5.
const defaultSlowLinkBitrate = 512000

// sockets bundles every loopback UDP endpoint a session provisions, named
// after the role table in spec.md §4.7 step 4.
type sockets struct {
	videoRTPSrv, videoRTPCli         *socketfactory.Socket
	videoRTCPRcvSrv, videoRTCPRcvCli *socketfactory.Socket
	videoRTCPSndSrv                  *socketfactory.Socket

	audioRTPSrv, audioRTPCli         *socketfactory.Socket
	audioRTCPRcvSrv, audioRTCPRcvCli *socketfactory.Socket
	audioRTCPSndSrv                  *socketfactory.Socket
}

// Session is one peer's negotiated state, per spec.md §3.
type Session struct {
	ID     string
	Handle hostabi.Handle

	mu  sync.Mutex
	fsm *fsm.FSM

	audioActive bool
	videoActive bool
	bitrate     uint64

	videoCodec, audioCodec sdputil.Codec
	videoPT, audioPT       int

	sock sockets

	videoExecutor, audioExecutor *pipeline.Executor
	mountpointID                 string

	registryID    string
	hasRegistryID bool

	hangingUp     bool
	destroyed     bool
	destroyedAt   time.Time
	slowlinkCount int

	log zerolog.Logger
}

// New constructs a Session in state created with the defaults named in
// spec.md §4.7's create operation.
func New(handle hostabi.Handle, log zerolog.Logger) *Session {
	s := &Session{
		Handle:      handle,
		audioActive: true,
		videoActive: true,
		videoCodec:  sdputil.Invalid,
		audioCodec:  sdputil.Invalid,
		log:         log.With().Uint64("handle", uint64(handle)).Logger(),
	}
	s.fsm = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: "negotiate", Src: []string{StateCreated}, Dst: StateNegotiating},
			{Name: "provision", Src: []string{StateNegotiating}, Dst: StateProvisioned},
			{Name: "publish", Src: []string{StateProvisioned}, Dst: StatePublished},
			{Name: "play", Src: []string{StatePublished}, Dst: StatePlaying},
			{Name: "hangup", Src: []string{StateCreated, StateNegotiating, StateProvisioned, StatePublished, StatePlaying}, Dst: StateHangingUp},
			{Name: "destroy", Src: []string{StateCreated, StateNegotiating, StateProvisioned, StatePublished, StatePlaying, StateHangingUp}, Dst: StateDestroyed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.log.Debug().Str("event", e.Event).Str("dst", e.Dst).Msg("session state transition")
			},
		},
	)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// fireLocked runs an FSM event while holding s.mu, logging (but not
// surfacing) an invalid-transition error: callers drive a well-defined
// sequence, so a rejected transition indicates a repeated call this method
// treats as a no-op rather than a caller error.
func (s *Session) fireLocked(event string) {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		s.log.Debug().Err(err).Str("event", event).Msg("fsm transition not applicable")
	}
}

// NotifyPlaying advances the lifecycle to "playing" once the RTSP runtime
// reports the mountpoint's first client. Safe to call even if the FSM is
// not currently in "published" (becomes a no-op per fireLocked).
func (s *Session) NotifyPlaying() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fireLocked("play")
}

// Snapshot is the read-only view query_session exposes (spec.md §4.8).
type Snapshot struct {
	AudioActive   bool   `json:"audio_active"`
	VideoActive   bool   `json:"video_active"`
	Bitrate       uint64 `json:"bitrate"`
	SlowlinkCount int    `json:"slowlink_count"`
	Destroyed     bool   `json:"destroyed"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		AudioActive:   s.audioActive,
		VideoActive:   s.videoActive,
		Bitrate:       s.bitrate,
		SlowlinkCount: s.slowlinkCount,
		Destroyed:     s.destroyed,
	}
}

// IsDestroyed reports whether destroy() has already run.
func (s *Session) IsDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// DestroyedAt returns the monotonic timestamp destroy() stamped, used by
// the watchdog's 5s reap scan (spec.md §4.9). Only meaningful once
// IsDestroyed is true.
func (s *Session) DestroyedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyedAt
}
