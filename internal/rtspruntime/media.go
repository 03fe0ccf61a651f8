package rtspruntime

import (
	"fmt"

	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"

	"github.com/arzzra/mediabridge/internal/sdputil"
)

// BuildVideoMedia returns the description.Media the RTSP stream advertises
// for the negotiated video codec, stamped at the fixed wire payload type
// the pipeline Executor restamps every packet to (internal/pipeline's
// WireVideoPT), per spec.md §4.6.
func BuildVideoMedia(codec sdputil.Codec, wirePT uint8) (*description.Media, error) {
	var f format.Format
	switch codec {
	case sdputil.VP8:
		f = &format.VP8{PayloadTyp: wirePT}
	case sdputil.VP9:
		f = &format.VP9{PayloadTyp: wirePT}
	case sdputil.H264:
		f = &format.H264{PayloadTyp: wirePT, PacketizationMode: 1}
	default:
		return nil, fmt.Errorf("rtspruntime: %s is not a video codec", codec)
	}
	return &description.Media{Type: description.MediaTypeVideo, Formats: []format.Format{f}}, nil
}

// BuildAudioMedia returns the description.Media for the (always Opus,
// per spec.md §4.6's "encoding-name=OPUS,clock-rate=48000,channels=1")
// audio leg. format.Opus has no SampleRate field; its clock rate is fixed
// at 48000 by the format itself.
func BuildAudioMedia(wirePT uint8) *description.Media {
	return &description.Media{
		Type: description.MediaTypeAudio,
		Formats: []format.Format{&format.Opus{
			PayloadTyp:   wirePT,
			ChannelCount: 1,
		}},
	}
}
