// Package pipeline builds the declarative, per-session media pipeline
// description named in spec.md §4.6 and runs the one concrete
// transformation the bridge needs from it: repackaging inbound RTP onto
// the fixed wire payload type and forwarding it to the RTSP stream.
package pipeline

import (
	"fmt"

	"github.com/arzzra/mediabridge/internal/sdputil"
)

// WireVideoPT and WireAudioPT are the fixed payload types the pipeline
// repackages onto before handing packets to the RTSP stream, per
// spec.md §4.6.
const (
	WireVideoPT = 96
	WireAudioPT = 127
)

// Spec describes everything the pipeline builder needs to emit a
// declarative string and wire an Executor for one session.
type Spec struct {
	SessionID string

	HasVideo   bool
	VideoCodec sdputil.Codec
	VideoPT    int

	HasAudio bool
	AudioPT  int

	// Socket ports, pipeline side (server sockets), used only to render
	// the declarative string's UDP sink target for RTCP-out.
	VideoRTPSrvPort     int
	VideoRTCPRcvSrvPort int
	VideoRTCPSndSrvPort int
	AudioRTPSrvPort     int
	AudioRTCPRcvSrvPort int
	AudioRTCPSndSrvPort int
}

// BuildDescription emits the declarative pipeline string for spec. The
// four UDP-source elements are named after the session's server sockets
// (video_rtp_srv, video_rtcp_rcv_srv, audio_rtp_srv, audio_rtcp_rcv_srv);
// nothing in this module looks elements up by these names, since the
// string is only logged. "pay%d name=pay%d"
// is an illustrative placeholder for a real payloader element, not a
// concrete element type: no pipeline framework actually parses this
// string, it only documents the shape spec.md §4.6 describes.
func BuildDescription(s Spec) string {
	var out string
	payIndex := 0

	if s.HasVideo {
		clockRate := 90000
		encodingName := s.VideoCodec.String()
		out += fmt.Sprintf(
			"udpsrc name=video_rtp_srv ! "+
				"application/x-rtp,media=video,payload=%d,encoding-name=%s,"+
				"clock-rate=%d,rtcp-fb-nack-pli=1,rtcp-fb-nack=1,rtcp-fb-ccm-fir=1,"+
				"rtp-profile=3 ! rtpsession name=video_session ! pay%d name=pay%d ",
			s.VideoPT, encodingName, clockRate, payIndex, payIndex)
		out += "udpsrc name=video_rtcp_rcv_srv ! video_session.recv_rtcp_sink "
		out += fmt.Sprintf("video_session.send_rtcp_src ! udpsink host=127.0.0.1 port=%d ",
			s.VideoRTCPSndSrvPort)
		payIndex++
	}

	if s.HasAudio {
		out += fmt.Sprintf(
			"udpsrc name=audio_rtp_srv ! "+
				"application/x-rtp,media=audio,payload=%d,encoding-name=OPUS,"+
				"clock-rate=48000,channels=1 ! rtpsession name=audio_session ! pay%d name=pay%d ",
			s.AudioPT, payIndex, payIndex)
		out += "udpsrc name=audio_rtcp_rcv_srv ! audio_session.recv_rtcp_sink "
		out += fmt.Sprintf("audio_session.send_rtcp_src ! udpsink host=127.0.0.1 port=%d ",
			s.AudioRTCPSndSrvPort)
	}

	return out
}

// UDPSourceNames returns the four load-bearing element names that exist in
// the description (fewer than four for video-only/audio-only sessions).
func UDPSourceNames(s Spec) []string {
	var names []string
	if s.HasVideo {
		names = append(names, "video_rtp_srv", "video_rtcp_rcv_srv")
	}
	if s.HasAudio {
		names = append(names, "audio_rtp_srv", "audio_rtcp_rcv_srv")
	}
	return names
}
