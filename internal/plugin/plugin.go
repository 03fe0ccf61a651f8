// Package plugin is the host-facing Facade named in spec.md §4.8: the
// thin entry surface a WebRTC gateway calls into (init/destroy,
// create_session/destroy_session/query_session, handle_message,
// setup_media/hangup_media, incoming_rtp/incoming_rtcp/incoming_data,
// slow_link) and the process-wide PluginContext wiring every other
// internal package into one running plugin instance. Grounded on the
// teacher's top-level stack constructor (pkg/dialog.NewEnhancedSIPStack /
// cmd/test_sip's runServer): one composition root that builds every
// collaborator and owns startup/shutdown ordering.
package plugin

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/mediabridge/internal/config"
	"github.com/arzzra/mediabridge/internal/hostabi"
	"github.com/arzzra/mediabridge/internal/keepalive"
	"github.com/arzzra/mediabridge/internal/logging"
	"github.com/arzzra/mediabridge/internal/metrics"
	"github.com/arzzra/mediabridge/internal/portpool"
	"github.com/arzzra/mediabridge/internal/registry"
	"github.com/arzzra/mediabridge/internal/rtspruntime"
	"github.com/arzzra/mediabridge/internal/session"
	"github.com/arzzra/mediabridge/internal/socketfactory"
)

// APICompatibilityVersion is the fixed ABI version this plugin build
// reports to the host, per spec.md §6's inbound surface.
const APICompatibilityVersion = 1

// defaultUDPRTPAddress and defaultUDPRTCPAddress are the gortsplib UDP
// transport listeners, distinct from the RTSP/TCP control port
// (cfg.RTSPListenAddress), following the convention every gortsplib-based
// server in the pack uses (RTSP :8554, UDP/RTP :8000, UDP/RTCP :8001).
const (
	defaultUDPRTPAddress  = ":8000"
	defaultUDPRTCPAddress = ":8001"
)

// Context is the process-wide PluginContext: every singleton spec.md §4.8
// names (port pool, sessions map, RTSP runtime, registry HTTP handle,
// config, process id, Prometheus registerer) plus the background threads
// built on top of them.
type Context struct {
	cfg config.Config
	log zerolog.Logger

	registerer prometheus.Registerer
	metrics    *metrics.Metrics

	portPool    *portpool.Pool
	sockFactory *socketfactory.Factory

	rtsp *rtspruntime.Runtime

	registryClient *registry.Client
	processID      string
	keepalive      *keepalive.Keepalive
	watchdog       *keepalive.Watchdog

	sessions *session.Manager

	mu       sync.Mutex
	stopping bool
}

// Init builds and starts a Context from settings, following spec.md
// §4.8's startup order: parse config; initialize port pool; initialize
// HTTP; start the message-handler thread; start the RTSP runtime thread;
// start the keepalive thread (after generating the process id).
func Init(settings map[string]string, callbacks hostabi.Callbacks, registerer prometheus.Registerer) (*Context, error) {
	cfg, err := config.Parse(settings)
	if err != nil {
		return nil, fmt.Errorf("plugin: init: %w", err)
	}

	log := logging.New()

	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m := metrics.New(registerer)

	pool, err := portpool.New(cfg.UDPMinPort, cfg.UDPMaxPort)
	if err != nil {
		return nil, fmt.Errorf("plugin: init: %w", err)
	}
	sockFactory := socketfactory.New(pool, log)

	registryClient := registry.New()

	rt := rtspruntime.New(cfg.RTSPListenAddress, defaultUDPRTPAddress, defaultUDPRTCPAddress, m, log)

	mgr := session.New(session.Options{
		Config:      cfg,
		SockFactory: sockFactory,
		RTSP:        rt,
		Registry:    registryClient,
		Callbacks:   callbacks,
		Metrics:     m,
		Log:         log,
	})
	mgr.Start()

	if err := rt.Start(); err != nil {
		mgr.Stop()
		return nil, fmt.Errorf("plugin: init: start rtsp runtime: %w", err)
	}

	processID, err := keepalive.NewProcessID()
	if err != nil {
		return nil, fmt.Errorf("plugin: init: %w", err)
	}
	ka := keepalive.NewKeepalive(registry.New(), cfg.KeepaliveURL, processID, cfg.KeepaliveInterval, log)
	ka.Start()

	wd := keepalive.NewWatchdog(mgr, log)
	wd.Start()

	ctx := &Context{
		cfg:            cfg,
		log:            log,
		registerer:     registerer,
		metrics:        m,
		portPool:       pool,
		sockFactory:    sockFactory,
		rtsp:           rt,
		registryClient: registryClient,
		processID:      processID,
		keepalive:      ka,
		watchdog:       wd,
		sessions:       mgr,
	}
	ctx.log.Info().Str("process_id", processID).Msg("plugin initialized")
	return ctx, nil
}

// Destroy shuts the plugin down in this order: signal stopping; drain and
// join the message-handler; destroy every live session; close the RTSP
// runtime (tearing down its mountpoints and joining its work loop); stop
// keepalive (which deletes the process id from the registry); join the
// watchdog.
func (c *Context) Destroy() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	c.sessions.Stop()
	c.sessions.DestroyAll()

	c.rtsp.Close()
	c.keepalive.Stop()
	c.watchdog.Stop()

	c.log.Info().Msg("plugin destroyed")
}

// APIVersion implements spec.md §6's api_compatibility_version.
func (c *Context) APIVersion() int { return APICompatibilityVersion }

// CreateSession implements spec.md §4.8's create_session.
func (c *Context) CreateSession(handle hostabi.Handle) error {
	_, err := c.sessions.Create(handle)
	return err
}

// DestroySession implements spec.md §4.8's destroy_session.
func (c *Context) DestroySession(handle hostabi.Handle) {
	c.sessions.DestroySession(handle)
}

// QuerySession implements spec.md §4.8's query_session.
func (c *Context) QuerySession(handle hostabi.Handle) ([]byte, error) {
	snap, err := c.sessions.Query(handle)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// HandleMessage implements spec.md §4.8's handle_message, returning
// OK_WAIT immediately: the eventual result reaches the peer through
// hostabi.Callbacks.PushEvent.
func (c *Context) HandleMessage(handle hostabi.Handle, transaction string, messageJSON, jsepJSON []byte) error {
	return c.sessions.HandleMessage(handle, transaction, messageJSON, jsepJSON)
}

// SetupMedia implements spec.md §4.8's setup_media. The session's media
// negotiation already ran inside HandleMessage/setup_media's JSEP branch;
// this hook exists for hosts that signal "media flowing now" separately
// from the handle_message round-trip and is currently a no-op, since this
// plugin's mountpoint/executor wiring is already live once handle_message
// returns OK.
func (c *Context) SetupMedia(handle hostabi.Handle) {}

// HangupMedia implements spec.md §4.8's hangup_media.
func (c *Context) HangupMedia(handle hostabi.Handle) {
	c.sessions.HangupMedia(handle)
}

// IncomingRTP implements spec.md §4.8's incoming_rtp.
func (c *Context) IncomingRTP(handle hostabi.Handle, isVideo bool, buf []byte) {
	c.sessions.IncomingRTP(handle, isVideo, buf)
}

// IncomingRTCP implements spec.md §4.8's incoming_rtcp.
func (c *Context) IncomingRTCP(handle hostabi.Handle, isVideo bool, buf []byte) {
	c.sessions.IncomingRTCP(handle, isVideo, buf)
}

// IncomingData implements spec.md §4.8's incoming_data. Data channels are
// out of scope for this bridge (spec.md's Non-goals exclude SCTP/data
// channel support); every call is accepted and ignored.
func (c *Context) IncomingData(handle hostabi.Handle, buf []byte) {}

// SlowLink implements spec.md §4.8's slow_link.
func (c *Context) SlowLink(handle hostabi.Handle, uplink, isVideo bool) {
	c.sessions.SlowLink(handle, uplink, isVideo)
}
