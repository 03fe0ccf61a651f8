// Command mediabridge runs the media-bridging plugin standalone, outside
// of any real WebRTC gateway host process. It wires internal/plugin with
// flag-parsed settings and a logging-only hostabi.Callbacks stand-in, the
// way the teacher's cmd/test_sip exercises pkg/dialog's stack directly
// from a small composition-root binary.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/mediabridge/internal/hostabi"
	"github.com/arzzra/mediabridge/internal/plugin"
)

func main() {
	var (
		udpPortRange  = flag.String("udp-port-range", "4000-5000", "UDP loopback port range MIN-MAX")
		rtspListen    = flag.String("rtsp-listen", ":8554", "RTSP server listen address")
		iface         = flag.String("interface", "localhost", "IP the RTSP server advertises")
		statusURL     = flag.String("status-service-url", "", "Registry create/delete base URL")
		keepaliveURL  = flag.String("keepalive-service-url", "", "Registry keepalive base URL")
		codecPriority = flag.String("video-codec-priority", "", "Video codec priority, e.g. H264,VP8")
		metricsAddr   = flag.String("metrics-listen", ":9100", "Prometheus /metrics listen address")
	)
	flag.Parse()

	settings := map[string]string{
		"udp_port_range":        *udpPortRange,
		"rtsp_listen_address":   *rtspListen,
		"interface":             *iface,
		"status_service_url":    *statusURL,
		"keepalive_service_url": *keepaliveURL,
		"video_codec_priority":  *codecPriority,
	}

	reg := prometheus.NewRegistry()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics listener stopped")
		}
	}()

	ctx, err := plugin.Init(settings, loggingCallbacks{}, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize plugin")
	}
	log.Info().Int("api_version", ctx.APIVersion()).Msg("mediabridge running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	ctx.Destroy()
}

// loggingCallbacks is a hostabi.Callbacks implementation that only logs:
// standing in for a real gateway's RTP/RTCP relay and event push, since
// this binary has no peer connections to relay to or from.
type loggingCallbacks struct{}

func (loggingCallbacks) RelayRTP(handle hostabi.Handle, isVideo bool, buf []byte) {
	log.Debug().Uint64("handle", uint64(handle)).Bool("video", isVideo).Int("len", len(buf)).Msg("relay_rtp")
}

func (loggingCallbacks) RelayRTCP(handle hostabi.Handle, isVideo bool, buf []byte) {
	log.Debug().Uint64("handle", uint64(handle)).Bool("video", isVideo).Int("len", len(buf)).Msg("relay_rtcp")
}

func (loggingCallbacks) PushEvent(handle hostabi.Handle, transaction string, event, jsep json.RawMessage) {
	log.Info().Uint64("handle", uint64(handle)).Str("transaction", transaction).
		RawJSON("event", event).RawJSON("jsep", jsep).Msg("push_event")
}
