// Package rtspruntime is the RTSP Server Runtime named in spec.md §4.5: a
// single gortsplib.Server shared by every session, with one mountpoint per
// published stream. Unlike a conventional RTSP server, this one never
// accepts ANNOUNCE/RECORD — the plugin core is always the publisher, so
// OnSetup/OnPlay/OnPause only ever deal with readers.
package rtspruntime

import (
	"fmt"
	"sync"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/rs/zerolog"

	"github.com/arzzra/mediabridge/internal/metrics"
)

// Runtime owns the gortsplib.Server and the mountpoint table. All table
// mutation is funneled through a single work queue, grounded on the
// teacher's single-consumer channel-plus-ctx.Done() idiom (pkg/sip/transport/udp.go's
// Listen, pkg/dialog/timeout_manager.go's cleanupLoop): one goroutine drains
// the queue so AddMountpoint/RemoveMountpoint never race gortsplib's own
// handler callbacks, which run on the library's own connection goroutines.
type Runtime struct {
	server *gortsplib.Server
	log    zerolog.Logger
	m      *metrics.Metrics

	workCh chan func()
	quit   chan struct{}
	wg     sync.WaitGroup

	mu          sync.RWMutex
	mountpoints map[string]*mountpoint
}

// New builds a Runtime listening on rtspAddr for RTSP/TCP control and
// udpRTPAddr/udpRTCPAddr for UDP transport, per spec.md §4.5's fixed RTSP
// listen address.
func New(rtspAddr, udpRTPAddr, udpRTCPAddr string, m *metrics.Metrics, log zerolog.Logger) *Runtime {
	rt := &Runtime{
		log:         log.With().Str("component", "rtspruntime").Logger(),
		m:           m,
		workCh:      make(chan func(), 64),
		quit:        make(chan struct{}),
		mountpoints: make(map[string]*mountpoint),
	}
	rt.server = &gortsplib.Server{
		Handler:        rt,
		RTSPAddress:    rtspAddr,
		UDPRTPAddress:  udpRTPAddr,
		UDPRTCPAddress: udpRTCPAddr,
	}
	return rt
}

// Start brings the RTSP server up and starts the mountpoint-table work
// loop. Non-blocking; call Wait to block until Close.
func (rt *Runtime) Start() error {
	if err := rt.server.Start(); err != nil {
		return fmt.Errorf("rtspruntime: start: %w", err)
	}
	rt.wg.Add(1)
	go rt.loop()
	return nil
}

// Wait blocks until the server exits (normally only after Close).
func (rt *Runtime) Wait() error {
	return rt.server.Wait()
}

// Close tears down every mountpoint's clients, stops the server, and joins
// the work loop.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	for id, mp := range rt.mountpoints {
		rt.teardownMountpointLocked(mp)
		delete(rt.mountpoints, id)
	}
	rt.mu.Unlock()

	rt.server.Close()
	close(rt.quit)
	rt.wg.Wait()
}

func (rt *Runtime) loop() {
	defer rt.wg.Done()
	for {
		select {
		case fn := <-rt.workCh:
			fn()
		case <-rt.quit:
			return
		}
	}
}

// submit runs fn on the work-loop goroutine and blocks until it completes.
func (rt *Runtime) submit(fn func()) {
	done := make(chan struct{})
	rt.workCh <- func() {
		fn()
		close(done)
	}
	<-done
}

// AddMountpoint creates and initializes a new published stream at path,
// with one description.Media per entry in medias (video first, then audio,
// matching the index convention internal/pipeline.Executor uses for
// mediaID). Returns the mountpoint handle the Session Controller hands to
// the pipeline Executor as its StreamWriter.
func (rt *Runtime) AddMountpoint(path string, medias []*description.Media) (*mountpoint, error) {
	var mp *mountpoint
	var err error

	rt.submit(func() {
		rt.mu.RLock()
		_, exists := rt.mountpoints[path]
		rt.mu.RUnlock()
		if exists {
			err = fmt.Errorf("rtspruntime: mountpoint %q already exists", path)
			return
		}

		desc := &description.Session{Medias: medias}
		stream := &gortsplib.ServerStream{Server: rt.server, Desc: desc}
		if ierr := stream.Initialize(); ierr != nil {
			err = fmt.Errorf("rtspruntime: initialize stream: %w", ierr)
			return
		}

		newMP := newMountpoint(path, desc)
		newMP.stream = stream

		rt.mu.Lock()
		rt.mountpoints[path] = newMP
		rt.mu.Unlock()

		if rt.m != nil {
			rt.m.RTSPClients.WithLabelValues(path).Set(0)
		}
		mp = newMP
	})
	return mp, err
}

// RemoveMountpoint tears down a mountpoint's stream and every reading
// client. gortsplib exposes no server-initiated TEARDOWN push; closing
// each client's ServerSession is the Go-native equivalent (the client's
// TCP/UDP transport drops, which is what TEARDOWN achieves in practice).
func (rt *Runtime) RemoveMountpoint(path string) {
	rt.submit(func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		mp, ok := rt.mountpoints[path]
		if !ok {
			return
		}
		rt.teardownMountpointLocked(mp)
		delete(rt.mountpoints, path)
		if rt.m != nil {
			rt.m.RTSPClients.DeleteLabelValues(path)
		}
	})
}

func (rt *Runtime) teardownMountpointLocked(mp *mountpoint) {
	for _, ss := range mp.snapshotClients() {
		ss.Close()
	}
	mp.stream.Close()
}

func (rt *Runtime) lookup(path string) *mountpoint {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.mountpoints[path]
}

// trimLeadingSlash mirrors the convention every gortsplib-based server in
// the pack uses: ctx.Path arrives without interpretation, and callers strip
// the leading '/' themselves.
func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

// --- gortsplib.ServerHandler ---

func (rt *Runtime) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	rt.log.Debug().Str("remote", ctx.Conn.NetConn().RemoteAddr().String()).Msg("rtsp connection opened")
}

func (rt *Runtime) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	rt.log.Debug().Err(ctx.Error).Msg("rtsp connection closed")
}

func (rt *Runtime) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	rt.log.Debug().Msg("rtsp session opened")
}

func (rt *Runtime) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for path, mp := range rt.mountpoints {
		mp.removeClient(ctx.Session)
		if rt.m != nil {
			rt.m.RTSPClients.WithLabelValues(path).Set(float64(mp.clientCount()))
		}
	}
}

func (rt *Runtime) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	mp := rt.lookup(trimLeadingSlash(ctx.Path))
	if mp == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, mp.stream, nil
}

func (rt *Runtime) OnAnnounce(ctx *gortsplib.ServerHandlerOnAnnounceCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusNotImplemented}, nil, fmt.Errorf("rtspruntime: announce not supported, this server is always the publisher")
}

func (rt *Runtime) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	mp := rt.lookup(trimLeadingSlash(ctx.Path))
	if mp == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, fmt.Errorf("rtspruntime: no mountpoint at %q", ctx.Path)
	}
	return &base.Response{StatusCode: base.StatusOK}, mp.stream, nil
}

func (rt *Runtime) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	mp := rt.lookup(trimLeadingSlash(ctx.Path))
	if mp == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, fmt.Errorf("rtspruntime: no mountpoint at %q", ctx.Path)
	}
	mp.addClient(ctx.Session)
	if rt.m != nil {
		rt.m.RTSPClients.WithLabelValues(mp.id).Set(float64(mp.clientCount()))
	}
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func (rt *Runtime) OnRecord(ctx *gortsplib.ServerHandlerOnRecordCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusNotImplemented}, fmt.Errorf("rtspruntime: record not supported, this server is always the publisher")
}

func (rt *Runtime) OnPause(ctx *gortsplib.ServerHandlerOnPauseCtx) (*base.Response, error) {
	mp := rt.lookup(trimLeadingSlash(ctx.Path))
	if mp != nil {
		mp.removeClient(ctx.Session)
		if rt.m != nil {
			rt.m.RTSPClients.WithLabelValues(mp.id).Set(float64(mp.clientCount()))
		}
	}
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func (rt *Runtime) OnGetParameter(ctx *gortsplib.ServerHandlerOnGetParameterCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func (rt *Runtime) OnSetParameter(ctx *gortsplib.ServerHandlerOnSetParameterCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}
