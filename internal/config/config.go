// Package config parses the plugin's flat, string-valued configuration
// category into typed settings.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/mediabridge/internal/sdputil"
)

// Config holds every process-wide setting named in spec.md §6.
type Config struct {
	UDPMinPort int
	UDPMaxPort int

	KeepaliveInterval time.Duration

	// RegistryURL and KeepaliveURL are the two external-registry endpoints
	// (spec.md §6's "status_service_url" and "keepalive_service_url"):
	// RegistryURL backs stream Create/Delete, KeepaliveURL backs the
	// process keepalive POST.
	RegistryURL  string
	KeepaliveURL string

	VideoCodecPriority []sdputil.Codec

	// Interface is spec.md §3's "rtsp_interface_ip".
	Interface string

	// RTSPListenAddress is the fixed RTSP server listen address (host:port).
	RTSPListenAddress string
}

// Option applies a default override the way the teacher's functional
// options configure BuilderConfig/StackConfig.
type Option func(*Config)

// Default returns the configuration defaults named in spec.md §6.
func Default() Config {
	return Config{
		UDPMinPort:        4000,
		UDPMaxPort:        5000,
		KeepaliveInterval: 5 * time.Second,
		Interface:         "localhost",
		RTSPListenAddress: ":8554",
	}
}

// raw is the flat string-valued settings map as handed to the plugin by
// its host (spec.md §6: "flat category, string values").
type raw map[string]string

// Parse builds a Config from the raw flat string settings, applying
// defaults for any field left unset.
func Parse(settings map[string]string) (Config, error) {
	cfg := Default()
	r := raw(settings)

	if v, ok := r["udp_port_range"]; ok {
		min, max, err := parsePortRange(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: udp_port_range: %w", err)
		}
		cfg.UDPMinPort, cfg.UDPMaxPort = min, max
	}

	if v, ok := r["keepalive_interval"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: keepalive_interval: %w", err)
		}
		cfg.KeepaliveInterval = time.Duration(secs) * time.Second
	}

	if v, ok := r["status_service_url"]; ok {
		cfg.RegistryURL = v
	}
	if v, ok := r["keepalive_service_url"]; ok {
		cfg.KeepaliveURL = v
	}
	if v, ok := r["video_codec_priority"]; ok {
		cfg.VideoCodecPriority = sdputil.ParseCodecPriority(v)
	}
	if v, ok := r["interface"]; ok && v != "" {
		cfg.Interface = v
	}
	if v, ok := r["rtsp_listen_address"]; ok && v != "" {
		cfg.RTSPListenAddress = v
	}

	return cfg, nil
}

func parsePortRange(s string) (min, max int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected MIN-MAX, got %q", s)
	}
	min, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	max, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return min, max, nil
}
