package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/rs/zerolog"

	"github.com/arzzra/mediabridge/internal/config"
	"github.com/arzzra/mediabridge/internal/hostabi"
	"github.com/arzzra/mediabridge/internal/keepalive"
	"github.com/arzzra/mediabridge/internal/metrics"
	"github.com/arzzra/mediabridge/internal/pipeline"
	"github.com/arzzra/mediabridge/internal/registry"
	"github.com/arzzra/mediabridge/internal/rtspruntime"
	"github.com/arzzra/mediabridge/internal/sdputil"
	"github.com/arzzra/mediabridge/internal/socketfactory"
)

// Options wires a Manager to the rest of the plugin, per spec.md §4.7/§4.8.
type Options struct {
	Config      config.Config
	SockFactory *socketfactory.Factory
	RTSP        *rtspruntime.Runtime
	Registry    *registry.Client
	Callbacks   hostabi.Callbacks
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// Manager is the Session Controller: it owns every live Session and the
// single message-handler goroutine spec.md §5 describes as doing "all SDP
// rewrite, socket provisioning, and registry create/POST".
type Manager struct {
	cfg         config.Config
	sockFactory *socketfactory.Factory
	rtsp        *rtspruntime.Runtime
	registry    *registry.Client
	callbacks   hostabi.Callbacks
	metrics     *metrics.Metrics
	log         zerolog.Logger

	msgCh chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	sessions map[hostabi.Handle]*Session
}

// New constructs a Manager. Call Start before routing any messages to it.
func New(opts Options) *Manager {
	return &Manager{
		cfg:         opts.Config,
		sockFactory: opts.SockFactory,
		rtsp:        opts.RTSP,
		registry:    opts.Registry,
		callbacks:   opts.Callbacks,
		metrics:     opts.Metrics,
		log:         opts.Log.With().Str("component", "session").Logger(),
		msgCh:       make(chan func(), 256),
		quit:        make(chan struct{}),
		sessions:    make(map[hostabi.Handle]*Session),
	}
}

// Start launches the single message-handler goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop drains and joins the message-handler goroutine, per spec.md §4.8's
// shutdown order. Calling it again after it has returned is a no-op.
func (m *Manager) Stop() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.msgCh:
			fn()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) submit(fn func()) {
	select {
	case m.msgCh <- fn:
	case <-m.quit:
	}
}

// Create initializes a new session with the defaults spec.md §4.7 names
// and stores it in the sessions map.
func (m *Manager) Create(handle hostabi.Handle) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[handle]; exists {
		return nil, fmt.Errorf("session: handle %d already exists", handle)
	}
	s := New(handle, m.log)
	m.sessions[handle] = s
	if m.metrics != nil {
		m.metrics.Sessions.Set(float64(len(m.sessions)))
	}
	return s, nil
}

// Snapshot returns every tracked session, satisfying
// internal/keepalive.SessionStore for the Watchdog's reap scan.
func (m *Manager) Snapshot() map[uint64]keepalive.DestroyedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]keepalive.DestroyedSession, len(m.sessions))
	for handle, s := range m.sessions {
		out[uint64(handle)] = s
	}
	return out
}

// Reap permanently deletes handle's entry from the sessions map, the
// Watchdog's action once a destroyed session has aged past the grace
// window (spec.md §4.9).
func (m *Manager) Reap(handle uint64) {
	m.mu.Lock()
	delete(m.sessions, hostabi.Handle(handle))
	if m.metrics != nil {
		m.metrics.Sessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(handle hostabi.Handle) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	return s, ok
}

// Query returns the read-only snapshot query_session exposes.
func (m *Manager) Query(handle hostabi.Handle) (Snapshot, error) {
	s, ok := m.lookup(handle)
	if !ok {
		return Snapshot{}, fmt.Errorf("session: unknown handle %d", handle)
	}
	return s.Snapshot(), nil
}

// HandleMessage enqueues msg/jsep processing on the message-handler
// goroutine and returns immediately; the eventual result reaches the peer
// via PushEvent, matching the OK_WAIT contract of spec.md §4.8.
func (m *Manager) HandleMessage(handle hostabi.Handle, transaction string, msgJSON, jsepJSON []byte) error {
	s, ok := m.lookup(handle)
	if !ok {
		return fmt.Errorf("session: unknown handle %d", handle)
	}
	m.submit(func() { m.handleMessage(s, transaction, msgJSON, jsepJSON) })
	return nil
}

func (m *Manager) handleMessage(s *Session, transaction string, msgJSON, jsepJSON []byte) {
	if len(msgJSON) == 0 {
		m.pushError(s, transaction, hostabi.NoMessage, "no message body")
		return
	}

	var msg hostabi.ClientMessage
	if err := json.Unmarshal(msgJSON, &msg); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			m.pushError(s, transaction, hostabi.InvalidElement, err.Error())
		} else {
			m.pushError(s, transaction, hostabi.InvalidJSON, err.Error())
		}
		return
	}

	s.mu.Lock()
	if msg.ID != nil {
		s.ID = *msg.ID
	}
	if msg.Audio != nil {
		s.audioActive = *msg.Audio
	}
	reenablingVideo := msg.Video != nil && *msg.Video && !s.videoActive
	if msg.Video != nil {
		s.videoActive = *msg.Video
	}
	var newBitrate uint64
	bitrateChanged := msg.Bitrate != nil && *msg.Bitrate > 0
	if bitrateChanged {
		s.bitrate = *msg.Bitrate
		newBitrate = s.bitrate
	}
	s.mu.Unlock()

	if reenablingVideo {
		m.sendPLI(s)
	}
	if bitrateChanged {
		m.sendREMB(s, newBitrate)
	}

	if len(jsepJSON) == 0 {
		m.pushOK(s, transaction)
		return
	}

	var jsep hostabi.JSEP
	if err := json.Unmarshal(jsepJSON, &jsep); err != nil {
		m.pushError(s, transaction, hostabi.InvalidJSON, err.Error())
		return
	}
	m.setupMedia(s, transaction, jsep)
}

// setupMedia implements spec.md §4.7's setup_media, step by step.
func (m *Manager) setupMedia(s *Session, transaction string, jsep hostabi.JSEP) {
	s.mu.Lock()
	s.fireLocked("negotiate")
	s.mu.Unlock()

	if err := sdputil.Validate(jsep.SDP); err != nil {
		m.pushError(s, transaction, hostabi.InvalidJSON, err.Error())
		return
	}

	// Step 1-2: direction flip/strip, then codec-priority selection and
	// video line rewrite.
	rewritten := sdputil.RewriteForBounceBack(jsep.SDP)
	chosen := sdputil.GetVideoCodec(rewritten)
	if len(m.cfg.VideoCodecPriority) > 0 {
		if byPriority := sdputil.SelectVideoCodecByPriority(rewritten, m.cfg.VideoCodecPriority); byPriority != sdputil.Invalid {
			chosen = byPriority
		}
	}
	rewritten = sdputil.RewriteVideoLine(rewritten, chosen)
	audioCodec := sdputil.GetAudioCodec(rewritten)

	hasVideo := chosen != sdputil.Invalid
	hasAudio := audioCodec != sdputil.Invalid

	// Step 3: record codec[*], codec_pt[*].
	var negotiatedVideoPT, negotiatedAudioPT int
	if hasVideo {
		negotiatedVideoPT = sdputil.GetPT(rewritten, chosen)
	}
	if hasAudio {
		negotiatedAudioPT = sdputil.GetPT(rewritten, audioCodec)
	}

	s.mu.Lock()
	s.videoCodec = chosen
	s.audioCodec = audioCodec
	s.videoPT = negotiatedVideoPT
	s.audioPT = negotiatedAudioPT
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	mountpointID := s.ID
	s.mu.Unlock()

	// Step 4: provision sockets in the exact order/role table.
	if err := m.provisionSockets(s, hasVideo, hasAudio); err != nil {
		m.closeAllSockets(s)
		m.pushError(s, transaction, hostabi.InvalidJSON, err.Error())
		return
	}

	s.mu.Lock()
	s.fireLocked("provision")
	pspec := pipeline.Spec{
		SessionID:           mountpointID,
		HasVideo:            hasVideo,
		VideoCodec:          s.videoCodec,
		VideoPT:             negotiatedVideoPT,
		HasAudio:            hasAudio,
		AudioPT:             negotiatedAudioPT,
		VideoRTCPSndSrvPort: portOf(s.sock.videoRTCPSndSrv),
		AudioRTCPSndSrvPort: portOf(s.sock.audioRTCPSndSrv),
	}
	if hasVideo {
		pspec.VideoRTPSrvPort = portOf(s.sock.videoRTPSrv)
		pspec.VideoRTCPRcvSrvPort = portOf(s.sock.videoRTCPRcvSrv)
	}
	if hasAudio {
		pspec.AudioRTPSrvPort = portOf(s.sock.audioRTPSrv)
		pspec.AudioRTCPRcvSrvPort = portOf(s.sock.audioRTCPRcvSrv)
	}
	s.mu.Unlock()

	pipelineDesc := pipeline.BuildDescription(pspec)
	s.log.Debug().Str("mountpoint", mountpointID).Str("pipeline", pipelineDesc).Msg("built pipeline description")

	// Step 6: RTCP-return read callbacks on *_rtcp_snd_srv, forwarding
	// every datagram to the host's RTCP relay for the matching kind.
	if hasVideo {
		m.sockFactory.AttachRead(s.sock.videoRTCPSndSrv, func(data []byte, _ net.Addr) bool {
			m.callbacks.RelayRTCP(s.Handle, true, data)
			return true
		})
	}
	if hasAudio {
		m.sockFactory.AttachRead(s.sock.audioRTCPSndSrv, func(data []byte, _ net.Addr) bool {
			m.callbacks.RelayRTCP(s.Handle, false, data)
			return true
		})
	}

	// Step 7: register with the external registry.
	s.mu.Lock()
	s.mountpointID = mountpointID
	s.mu.Unlock()
	if m.cfg.RegistryURL != "" {
		body := map[string]string{"uri": m.rtspURL(mountpointID), "id": mountpointID}
		resp, err := m.registry.Create(context.Background(), m.cfg.RegistryURL, body)
		switch {
		case err == nil:
			s.mu.Lock()
			s.registryID = resp.ID
			s.hasRegistryID = true
			s.mu.Unlock()
		case err == registry.ErrDuplicateStreamID:
			m.hangupMediaLocked(s)
			m.pushDone(s)
			m.pushError(s, transaction, hostabi.InvalidURLID, "duplicate stream id")
			return
		default:
			s.log.Warn().Err(err).Msg("registry create failed, proceeding without registry state")
		}
	}

	// Step 8: hand the mountpoint to the RTSP runtime and start the
	// in-process Executors that feed it.
	if err := m.addMountpoint(s, mountpointID, chosen, audioCodec, hasVideo, hasAudio); err != nil {
		m.pushError(s, transaction, hostabi.InvalidJSON, err.Error())
		return
	}

	s.mu.Lock()
	s.fireLocked("publish")
	s.mu.Unlock()

	// Step 9: push ok with the answer SDP, offer/answer type flipped.
	answerType := "answer"
	if jsep.Type == "answer" {
		answerType = "offer"
	}
	m.pushOKWithJSEP(s, transaction, hostabi.JSEP{Type: answerType, SDP: rewritten})
}

// rtspURL builds the published RTSP URL for a mountpoint id, the "uri"
// field spec.md §6 requires in the registry Create body.
func (m *Manager) rtspURL(mountpointID string) string {
	_, port, err := net.SplitHostPort(m.cfg.RTSPListenAddress)
	if err != nil {
		port = m.cfg.RTSPListenAddress
	}
	return fmt.Sprintf("rtsp://%s:%s/%s", m.cfg.Interface, port, mountpointID)
}

func portOf(s *socketfactory.Socket) int {
	if s == nil {
		return 0
	}
	return s.Port
}

func (m *Manager) provisionSockets(s *Session, hasVideo, hasAudio bool) error {
	open := func(dst **socketfactory.Socket) error {
		srv, err := m.sockFactory.OpenServer()
		if err != nil {
			return err
		}
		*dst = srv
		return nil
	}
	openClientOf := func(srv *socketfactory.Socket, dst **socketfactory.Socket) error {
		cli, err := m.sockFactory.OpenClient(srv.Port)
		if err != nil {
			return err
		}
		*dst = cli
		return nil
	}

	if hasVideo {
		if err := open(&s.sock.videoRTPSrv); err != nil {
			return fmt.Errorf("session: open video_rtp_srv: %w", err)
		}
		if err := openClientOf(s.sock.videoRTPSrv, &s.sock.videoRTPCli); err != nil {
			return fmt.Errorf("session: open video_rtp_cli: %w", err)
		}
		if err := open(&s.sock.videoRTCPRcvSrv); err != nil {
			return fmt.Errorf("session: open video_rtcp_rcv_srv: %w", err)
		}
		if err := openClientOf(s.sock.videoRTCPRcvSrv, &s.sock.videoRTCPRcvCli); err != nil {
			return fmt.Errorf("session: open video_rtcp_rcv_cli: %w", err)
		}
		if err := open(&s.sock.videoRTCPSndSrv); err != nil {
			return fmt.Errorf("session: open video_rtcp_snd_srv: %w", err)
		}
	}
	if hasAudio {
		if err := open(&s.sock.audioRTPSrv); err != nil {
			return fmt.Errorf("session: open audio_rtp_srv: %w", err)
		}
		if err := openClientOf(s.sock.audioRTPSrv, &s.sock.audioRTPCli); err != nil {
			return fmt.Errorf("session: open audio_rtp_cli: %w", err)
		}
		if err := open(&s.sock.audioRTCPRcvSrv); err != nil {
			return fmt.Errorf("session: open audio_rtcp_rcv_srv: %w", err)
		}
		if err := openClientOf(s.sock.audioRTCPRcvSrv, &s.sock.audioRTCPRcvCli); err != nil {
			return fmt.Errorf("session: open audio_rtcp_rcv_cli: %w", err)
		}
		if err := open(&s.sock.audioRTCPSndSrv); err != nil {
			return fmt.Errorf("session: open audio_rtcp_snd_srv: %w", err)
		}
	}
	return nil
}

func (m *Manager) closeAllSockets(s *Session) {
	for _, sock := range []*socketfactory.Socket{
		s.sock.videoRTPSrv, s.sock.videoRTPCli,
		s.sock.videoRTCPRcvSrv, s.sock.videoRTCPRcvCli, s.sock.videoRTCPSndSrv,
		s.sock.audioRTPSrv, s.sock.audioRTPCli,
		s.sock.audioRTCPRcvSrv, s.sock.audioRTCPRcvCli, s.sock.audioRTCPSndSrv,
	} {
		if sock != nil {
			m.sockFactory.Close(sock)
		}
	}
	s.sock = sockets{}
}

func buildMedias(videoCodec, audioCodec sdputil.Codec, hasVideo, hasAudio bool) ([]*description.Media, error) {
	var medias []*description.Media
	if hasVideo {
		vm, err := rtspruntime.BuildVideoMedia(videoCodec, pipeline.WireVideoPT)
		if err != nil {
			return nil, err
		}
		medias = append(medias, vm)
	}
	if hasAudio {
		_ = audioCodec // always Opus at the wire regardless of what the offer carried
		medias = append(medias, rtspruntime.BuildAudioMedia(pipeline.WireAudioPT))
	}
	return medias, nil
}

func (m *Manager) addMountpoint(s *Session, id string, videoCodec, audioCodec sdputil.Codec, hasVideo, hasAudio bool) error {
	built, err := buildMedias(videoCodec, audioCodec, hasVideo, hasAudio)
	if err != nil {
		return err
	}

	mp, err := m.rtsp.AddMountpoint(id, built)
	if err != nil {
		return err
	}
	mp.OnFirstPlay(s.NotifyPlaying)

	if hasVideo {
		s.videoExecutor = pipeline.NewExecutor(mp, 0, pipeline.WireVideoPT, m.log)
		s.videoExecutor.Start()
		m.sockFactory.AttachRead(s.sock.videoRTPSrv, s.videoExecutor.HandleDatagram)
	}
	if hasAudio {
		audioIdx := 0
		if hasVideo {
			audioIdx = 1
		}
		s.audioExecutor = pipeline.NewExecutor(mp, audioIdx, pipeline.WireAudioPT, m.log)
		s.audioExecutor.Start()
		m.sockFactory.AttachRead(s.sock.audioRTPSrv, s.audioExecutor.HandleDatagram)
	}
	return nil
}

// IncomingRTP implements spec.md §4.7's incoming_rtp.
func (m *Manager) IncomingRTP(handle hostabi.Handle, isVideo bool, buf []byte) {
	s, ok := m.lookup(handle)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.hangingUp {
		return
	}
	if isVideo {
		if !s.videoActive || s.sock.videoRTPCli == nil {
			return
		}
		_, _ = s.sock.videoRTPCli.Conn().Write(buf)
		return
	}
	if !s.audioActive || s.sock.audioRTPCli == nil {
		return
	}
	_, _ = s.sock.audioRTPCli.Conn().Write(buf)
}

// IncomingRTCP implements spec.md §4.7's incoming_rtcp.
func (m *Manager) IncomingRTCP(handle hostabi.Handle, isVideo bool, buf []byte) {
	s, ok := m.lookup(handle)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.hangingUp {
		return
	}
	if isVideo {
		if s.sock.videoRTCPRcvCli == nil {
			return
		}
		_, _ = s.sock.videoRTCPRcvCli.Conn().Write(buf)
		return
	}
	if s.sock.audioRTCPRcvCli == nil {
		return
	}
	_, _ = s.sock.audioRTCPRcvCli.Conn().Write(buf)
}

// SlowLink implements spec.md §4.7's slow_link.
func (m *Manager) SlowLink(handle hostabi.Handle, uplink, isVideo bool) {
	s, ok := m.lookup(handle)
	if !ok {
		return
	}
	s.mu.Lock()
	s.slowlinkCount++
	var newBitrate uint64
	adjust := isVideo
	if adjust {
		base := s.bitrate
		if base == 0 {
			base = defaultSlowLinkBitrate
		}
		newBitrate = base / 2
		if newBitrate < minSlowLinkBitrate {
			newBitrate = minSlowLinkBitrate
		}
		s.bitrate = newBitrate
	}
	s.mu.Unlock()

	if adjust {
		m.sendREMB(s, newBitrate)
	}
	m.pushSlowLink(s, newBitrate)
}

// HangupMedia implements spec.md §4.7's hangup_media.
func (m *Manager) HangupMedia(handle hostabi.Handle) {
	s, ok := m.lookup(handle)
	if !ok {
		return
	}
	m.submit(func() {
		s.mu.Lock()
		already := s.hangingUp
		s.mu.Unlock()
		if already {
			return
		}
		m.hangupMediaLocked(s)
		m.pushDone(s)
	})
}

func (m *Manager) hangupMediaLocked(s *Session) {
	s.mu.Lock()
	s.hangingUp = true
	s.fireLocked("hangup")
	s.audioActive = true
	s.videoActive = true
	s.bitrate = 0
	mountpointID := s.mountpointID
	s.mu.Unlock()

	if s.videoExecutor != nil {
		s.videoExecutor.Stop()
	}
	if s.audioExecutor != nil {
		s.audioExecutor.Stop()
	}
	if mountpointID != "" {
		m.rtsp.RemoveMountpoint(mountpointID)
	}
}

// DestroySession implements spec.md §4.7's destroy.
func (m *Manager) DestroySession(handle hostabi.Handle) {
	s, ok := m.lookup(handle)
	if !ok {
		return
	}
	m.submit(func() { m.destroy(s) })
}

// DestroyAll synchronously destroys every tracked session, bypassing the
// message-handler queue. Used during plugin shutdown (spec.md §4.8): by
// that point the message-handler thread has already been drained and
// joined, so submit would see the closed quit channel and drop the work.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	handles := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		handles = append(handles, s)
	}
	m.mu.Unlock()

	for _, s := range handles {
		m.destroy(s)
	}
}

func (m *Manager) destroy(s *Session) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.fireLocked("destroy")
	mountpointID, registryID, hasRegistryID := s.mountpointID, s.registryID, s.hasRegistryID
	s.mu.Unlock()

	if mountpointID != "" {
		m.rtsp.RemoveMountpoint(mountpointID)
	}
	if hasRegistryID && m.cfg.RegistryURL != "" {
		url := m.cfg.RegistryURL + "/" + registryID
		if err := m.registry.Delete(context.Background(), url); err != nil {
			s.log.Warn().Err(err).Msg("registry delete failed")
		}
	}
	m.closeAllSockets(s)

	s.mu.Lock()
	s.destroyedAt = time.Now()
	s.mu.Unlock()
}

// --- outbound event helpers ---

func (m *Manager) pushOK(s *Session, transaction string) {
	m.pushEvent(s, transaction, hostabi.NewOKEvent(), nil)
}

func (m *Manager) pushOKWithJSEP(s *Session, transaction string, jsep hostabi.JSEP) {
	m.pushEvent(s, transaction, hostabi.NewOKEvent(), &jsep)
}

func (m *Manager) pushDone(s *Session) {
	m.pushEvent(s, "", hostabi.NewDoneEvent(), nil)
}

func (m *Manager) pushError(s *Session, transaction string, code hostabi.ErrorCode, msg string) {
	m.pushEvent(s, transaction, hostabi.NewErrorEvent(code, msg), nil)
}

func (m *Manager) pushSlowLink(s *Session, bitrate uint64) {
	m.pushEvent(s, "", hostabi.NewSlowLinkEvent(bitrate), nil)
}

func (m *Manager) pushEvent(s *Session, transaction string, event any, jsep *hostabi.JSEP) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal outbound event")
		return
	}
	var jsepJSON json.RawMessage
	if jsep != nil {
		jsepJSON, err = json.Marshal(jsep)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to marshal outbound jsep")
			return
		}
	}
	m.callbacks.PushEvent(s.Handle, transaction, eventJSON, jsepJSON)
}

func (m *Manager) sendPLI(s *Session) {
	pkt := &rtcp.PictureLossIndication{}
	raw, err := pkt.Marshal()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal PLI")
		return
	}
	m.callbacks.RelayRTCP(s.Handle, true, raw)
}

func (m *Manager) sendREMB(s *Session, bitrate uint64) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(bitrate)}
	raw, err := pkt.Marshal()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal REMB")
		return
	}
	m.callbacks.RelayRTCP(s.Handle, true, raw)
}
