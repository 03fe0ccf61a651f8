package pipeline

import (
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// StreamWriter is the subset of gortsplib.ServerStream this package needs,
// kept as an interface so tests can substitute a fake without pulling in
// the RTSP server runtime.
type StreamWriter interface {
	WritePacketRTP(mediaID int, pkt *rtp.Packet) error
}

// Executor reads RTP off a pipeline-side server socket, rewrites the
// payload type to the fixed wire value, and republishes the packet on an
// RTSP stream. It is the in-process stand-in for the out-of-scope media
// framework named in spec.md §1 — the spec only requires that the
// four named UDP-source sockets exist and that RTCP-out lands on the
// matching *_rtcp_snd_srv port; everything else about how a real
// pipeline repackages media is implementation-defined.
type Executor struct {
	mediaID int
	wirePT  uint8
	stream  StreamWriter
	log     zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewExecutor builds an Executor that republishes onto mediaID within
// stream, stamping every packet with wirePT.
func NewExecutor(stream StreamWriter, mediaID int, wirePT uint8, log zerolog.Logger) *Executor {
	return &Executor{mediaID: mediaID, wirePT: wirePT, stream: stream, log: log}
}

// HandleDatagram is a socketfactory.ReadFunc: unmarshal, re-stamp payload
// type, and forward. Errors are logged and swallowed — the RTP path is
// best-effort per spec.md §5.
func (e *Executor) HandleDatagram(data []byte, _ net.Addr) bool {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return false
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		e.log.Debug().Err(err).Msg("dropping unparsable RTP datagram")
		return true
	}
	pkt.PayloadType = e.wirePT

	if err := e.stream.WritePacketRTP(e.mediaID, pkt); err != nil {
		e.log.Debug().Err(err).Msg("dropping RTP packet the stream rejected")
	}
	return true
}

// Start marks the executor active; Stop marks it inactive so in-flight
// HandleDatagram calls stop forwarding. Either socketfactory.DetachRead or
// this flag is sufficient to halt forwarding; both are provided because
// detaching happens on the Session Controller's goroutine while datagrams
// may already be queued on the socket's read goroutine.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
}

func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}
