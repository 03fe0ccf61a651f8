package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mediabridge/internal/config"
	"github.com/arzzra/mediabridge/internal/hostabi"
	"github.com/arzzra/mediabridge/internal/metrics"
	"github.com/arzzra/mediabridge/internal/portpool"
	"github.com/arzzra/mediabridge/internal/registry"
	"github.com/arzzra/mediabridge/internal/rtspruntime"
	"github.com/arzzra/mediabridge/internal/sdputil"
	"github.com/arzzra/mediabridge/internal/socketfactory"
)

const videoAudioOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 100\r\n" +
	"a=rtpmap:100 VP8/90000\r\n" +
	"a=sendrecv\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

// recordingCallbacks collects every outbound call a Manager makes, so
// tests can assert on what reached the peer without a real gateway.
type recordingCallbacks struct {
	mu     sync.Mutex
	events []recordedEvent
	rtcp   []recordedRTCP
}

type recordedEvent struct {
	handle      hostabi.Handle
	transaction string
	event       json.RawMessage
	jsep        json.RawMessage
}

type recordedRTCP struct {
	handle  hostabi.Handle
	isVideo bool
}

func (c *recordingCallbacks) RelayRTP(hostabi.Handle, bool, []byte) {}

func (c *recordingCallbacks) RelayRTCP(handle hostabi.Handle, isVideo bool, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtcp = append(c.rtcp, recordedRTCP{handle: handle, isVideo: isVideo})
}

func (c *recordingCallbacks) PushEvent(handle hostabi.Handle, transaction string, event, jsep json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{handle: handle, transaction: transaction, event: event, jsep: jsep})
}

func (c *recordingCallbacks) lastEvent() (recordedEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return recordedEvent{}, false
	}
	return c.events[len(c.events)-1], true
}

func (c *recordingCallbacks) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// newTestManager wires a Manager against real collaborators on ephemeral
// loopback ports, the way newTestRuntime does for rtspruntime.Runtime:
// a real port pool, a real RTSP server, and (optionally) a real
// httptest-backed registry.
func newTestManager(t *testing.T, registryURL string) (*Manager, *recordingCallbacks) {
	t.Helper()

	pool, err := portpool.New(31000, 31100)
	require.NoError(t, err)

	log := zerolog.Nop()
	sockFactory := socketfactory.New(pool, log)

	rt := rtspruntime.New("127.0.0.1:0", "127.0.0.1:0", "127.0.0.1:0", nil, log)
	require.NoError(t, rt.Start())
	t.Cleanup(rt.Close)

	cb := &recordingCallbacks{}
	cfg := config.Default()
	cfg.RegistryURL = registryURL

	m := New(Options{
		Config:      cfg,
		SockFactory: sockFactory,
		RTSP:        rt,
		Registry:    registry.New(),
		Callbacks:   cb,
		Metrics:     metrics.New(prometheus.NewRegistry()),
		Log:         log,
	})
	m.Start()
	t.Cleanup(m.Stop)

	return m, cb
}

func TestCreateRejectsDuplicateHandle(t *testing.T) {
	m, _ := newTestManager(t, "")

	_, err := m.Create(hostabi.Handle(1))
	require.NoError(t, err)

	_, err = m.Create(hostabi.Handle(1))
	require.Error(t, err)
}

func TestQueryUnknownHandleErrors(t *testing.T) {
	m, _ := newTestManager(t, "")
	_, err := m.Query(hostabi.Handle(99))
	require.Error(t, err)
}

func TestHandleMessageNoBodyPushesNoMessageError(t *testing.T) {
	m, cb := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(1))
	require.NoError(t, err)

	require.NoError(t, m.HandleMessage(hostabi.Handle(1), "txn1", nil, nil))

	require.Eventually(t, func() bool { return cb.eventCount() > 0 }, time.Second, 10*time.Millisecond)
	ev, ok := cb.lastEvent()
	require.True(t, ok)
	var parsed hostabi.ErrorEvent
	require.NoError(t, json.Unmarshal(ev.event, &parsed))
	require.Equal(t, hostabi.NoMessage, parsed.ErrorCode)
}

func TestHandleMessageMalformedJSONPushesInvalidJSONError(t *testing.T) {
	m, cb := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(2))
	require.NoError(t, err)

	require.NoError(t, m.HandleMessage(hostabi.Handle(2), "txn2", []byte("{not json"), nil))

	require.Eventually(t, func() bool { return cb.eventCount() > 0 }, time.Second, 10*time.Millisecond)
	ev, _ := cb.lastEvent()
	var parsed hostabi.ErrorEvent
	require.NoError(t, json.Unmarshal(ev.event, &parsed))
	require.Equal(t, hostabi.InvalidJSON, parsed.ErrorCode)
}

func TestHandleMessageWithoutJSEPPushesOK(t *testing.T) {
	m, cb := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(3))
	require.NoError(t, err)

	body, err := json.Marshal(hostabi.ClientMessage{})
	require.NoError(t, err)
	require.NoError(t, m.HandleMessage(hostabi.Handle(3), "txn3", body, nil))

	require.Eventually(t, func() bool { return cb.eventCount() > 0 }, time.Second, 10*time.Millisecond)
	ev, _ := cb.lastEvent()
	var parsed hostabi.OKEvent
	require.NoError(t, json.Unmarshal(ev.event, &parsed))
	require.Equal(t, "ok", parsed.Result)
}

func TestHandleMessageReenablingVideoSendsPLI(t *testing.T) {
	m, cb := newTestManager(t, "")
	s, err := m.Create(hostabi.Handle(4))
	require.NoError(t, err)
	s.mu.Lock()
	s.videoActive = false
	s.mu.Unlock()

	videoOn := true
	body, err := json.Marshal(hostabi.ClientMessage{Video: &videoOn})
	require.NoError(t, err)
	require.NoError(t, m.HandleMessage(hostabi.Handle(4), "txn4", body, nil))

	require.Eventually(t, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.rtcp) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestSetupMediaNegotiatesAndPublishesMountpoint(t *testing.T) {
	m, cb := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(5))
	require.NoError(t, err)

	jsep := hostabi.JSEP{Type: "offer", SDP: videoAudioOffer}
	jsepJSON, err := json.Marshal(jsep)
	require.NoError(t, err)
	body, err := json.Marshal(hostabi.ClientMessage{})
	require.NoError(t, err)

	require.NoError(t, m.HandleMessage(hostabi.Handle(5), "txn5", body, jsepJSON))

	require.Eventually(t, func() bool { return cb.eventCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	ev, _ := cb.lastEvent()
	require.NotEmpty(t, ev.jsep)

	var answer hostabi.JSEP
	require.NoError(t, json.Unmarshal(ev.jsep, &answer))
	require.Equal(t, "answer", answer.Type)

	s, ok := m.lookup(hostabi.Handle(5))
	require.True(t, ok)
	require.Equal(t, StatePublished, s.State())
}

func TestSetupMediaRegistersWithRegistryUsingRTSPURL(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(registry.CreateResponse{ID: "reg-1"})
	}))
	defer srv.Close()

	m, cb := newTestManager(t, srv.URL)
	_, err := m.Create(hostabi.Handle(6))
	require.NoError(t, err)

	jsep := hostabi.JSEP{Type: "offer", SDP: videoAudioOffer}
	jsepJSON, err := json.Marshal(jsep)
	require.NoError(t, err)

	require.NoError(t, m.HandleMessage(hostabi.Handle(6), "txn6", mustMarshalEmptyMessage(t), jsepJSON))

	require.Eventually(t, func() bool { return cb.eventCount() > 0 }, 2*time.Second, 10*time.Millisecond)

	require.NotNil(t, gotBody)
	require.NotEmpty(t, gotBody["uri"])
	require.Contains(t, gotBody["uri"], "rtsp://")

	s, ok := m.lookup(hostabi.Handle(6))
	require.True(t, ok)
	s.mu.Lock()
	hasRegistryID, registryID := s.hasRegistryID, s.registryID
	s.mu.Unlock()
	require.True(t, hasRegistryID)
	require.Equal(t, "reg-1", registryID)
}

func TestSetupMediaDuplicateStreamIDPushesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(registry.CreateResponse{Code: 11000})
	}))
	defer srv.Close()

	m, cb := newTestManager(t, srv.URL)
	_, err := m.Create(hostabi.Handle(7))
	require.NoError(t, err)

	jsep := hostabi.JSEP{Type: "offer", SDP: videoAudioOffer}
	jsepJSON, err := json.Marshal(jsep)
	require.NoError(t, err)

	require.NoError(t, m.HandleMessage(hostabi.Handle(7), "txn7", mustMarshalEmptyMessage(t), jsepJSON))

	require.Eventually(t, func() bool { return cb.eventCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	ev, _ := cb.lastEvent()
	var parsed hostabi.ErrorEvent
	require.NoError(t, json.Unmarshal(ev.event, &parsed))
	require.Equal(t, hostabi.InvalidURLID, parsed.ErrorCode)
}

func TestHangupMediaIsIdempotentAndRemovesMountpoint(t *testing.T) {
	m, cb := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(8))
	require.NoError(t, err)

	jsep := hostabi.JSEP{Type: "offer", SDP: videoAudioOffer}
	jsepJSON, err := json.Marshal(jsep)
	require.NoError(t, err)
	require.NoError(t, m.HandleMessage(hostabi.Handle(8), "txn8", mustMarshalEmptyMessage(t), jsepJSON))
	require.Eventually(t, func() bool { return cb.eventCount() > 0 }, 2*time.Second, 10*time.Millisecond)

	m.HangupMedia(hostabi.Handle(8))
	m.HangupMedia(hostabi.Handle(8))

	require.Eventually(t, func() bool { return cb.eventCount() >= 2 }, time.Second, 10*time.Millisecond)
	// ok + a single done: the second hangup pushes nothing.
	require.Never(t, func() bool { return cb.eventCount() > 2 }, 100*time.Millisecond, 10*time.Millisecond)

	s, ok := m.lookup(hostabi.Handle(8))
	require.True(t, ok)
	require.Equal(t, StateHangingUp, s.State())

	// The mountpoint path is free again, so hangup removed it.
	s.mu.Lock()
	mountpointID := s.mountpointID
	s.mu.Unlock()
	medias, err := buildMedias(sdputil.Invalid, sdputil.Opus, false, true)
	require.NoError(t, err)
	_, err = m.rtsp.AddMountpoint(mountpointID, medias)
	require.NoError(t, err)
}

func TestDestroySessionMarksDestroyed(t *testing.T) {
	m, _ := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(9))
	require.NoError(t, err)

	m.DestroySession(hostabi.Handle(9))

	require.Eventually(t, func() bool {
		s, ok := m.lookup(hostabi.Handle(9))
		return ok && s.IsDestroyed()
	}, time.Second, 10*time.Millisecond)
}

func TestDestroyAllDestroysEverySession(t *testing.T) {
	m, _ := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(10))
	require.NoError(t, err)
	_, err = m.Create(hostabi.Handle(11))
	require.NoError(t, err)

	m.Stop()
	m.DestroyAll()

	for _, h := range []hostabi.Handle{10, 11} {
		s, ok := m.lookup(h)
		require.True(t, ok)
		require.True(t, s.IsDestroyed())
	}
}

func TestSnapshotAndReap(t *testing.T) {
	m, _ := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(12))
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Contains(t, snap, uint64(12))

	m.Reap(12)
	_, ok := m.lookup(hostabi.Handle(12))
	require.False(t, ok)
}

func TestSlowLinkHalvesBitrateAndPushesEvent(t *testing.T) {
	m, cb := newTestManager(t, "")
	s, err := m.Create(hostabi.Handle(13))
	require.NoError(t, err)
	s.mu.Lock()
	s.bitrate = 200000
	s.mu.Unlock()

	m.SlowLink(hostabi.Handle(13), false, true)

	s.mu.Lock()
	bitrate := s.bitrate
	s.mu.Unlock()
	require.Equal(t, uint64(100000), bitrate)

	ev, ok := cb.lastEvent()
	require.True(t, ok)
	var parsed hostabi.SlowLinkEvent
	require.NoError(t, json.Unmarshal(ev.event, &parsed))
	require.Equal(t, uint64(100000), parsed.Result.Bitrate)
}

func TestSlowLinkFloorsBitrateAtMinimum(t *testing.T) {
	m, _ := newTestManager(t, "")
	s, err := m.Create(hostabi.Handle(14))
	require.NoError(t, err)
	s.mu.Lock()
	s.bitrate = 100000
	s.mu.Unlock()

	m.SlowLink(hostabi.Handle(14), false, true)

	s.mu.Lock()
	bitrate := s.bitrate
	s.mu.Unlock()
	require.Equal(t, uint64(minSlowLinkBitrate), bitrate)
}

func TestSlowLinkWithZeroBitrateAppliesDefaultBeforeHalving(t *testing.T) {
	m, cb := newTestManager(t, "")
	_, err := m.Create(hostabi.Handle(16))
	require.NoError(t, err)

	m.SlowLink(hostabi.Handle(16), false, true)

	s, ok := m.lookup(hostabi.Handle(16))
	require.True(t, ok)
	s.mu.Lock()
	bitrate := s.bitrate
	s.mu.Unlock()
	require.Equal(t, uint64(256000), bitrate)

	ev, ok := cb.lastEvent()
	require.True(t, ok)
	var parsed hostabi.SlowLinkEvent
	require.NoError(t, json.Unmarshal(ev.event, &parsed))
	require.Equal(t, uint64(256000), parsed.Result.Bitrate)
}

func TestIncomingRTPDropsWhenTrackInactive(t *testing.T) {
	m, _ := newTestManager(t, "")
	s, err := m.Create(hostabi.Handle(15))
	require.NoError(t, err)
	s.mu.Lock()
	s.videoActive = false
	s.sock.videoRTPCli = &socketfactory.Socket{}
	s.mu.Unlock()

	// Must not panic even though the client socket has no live connection:
	// IncomingRTP should bail out on the inactive flag before touching it.
	m.IncomingRTP(hostabi.Handle(15), true, []byte{1, 2, 3})
}

func mustMarshalEmptyMessage(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(hostabi.ClientMessage{})
	require.NoError(t, err)
	return body
}
