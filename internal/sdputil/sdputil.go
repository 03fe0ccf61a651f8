// Package sdputil implements codec selection and SDP rewriting over raw
// SDP text. Rewrites operate line-by-line rather than through a full
// pion/sdp parse/re-serialize round trip, because RewriteVideoLine must
// preserve every byte of the offer except the reordered payload-type list
// on the video m= line.
package sdputil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Codec is one of the four codecs this bridge understands, or Invalid.
type Codec int

const (
	Invalid Codec = iota
	VP8
	VP9
	H264
	Opus
)

func (c Codec) String() string {
	switch c {
	case VP8:
		return "VP8"
	case VP9:
		return "VP9"
	case H264:
		return "H264"
	case Opus:
		return "opus"
	default:
		return "INVALID"
	}
}

// codecByName is the static bijection between rtpmap encoding names and
// Codec values, matched case-insensitively per RFC 4566.
var codecByName = map[string]Codec{
	"vp8":  VP8,
	"vp9":  VP9,
	"h264": H264,
	"opus": Opus,
}

// CodecFromName looks up a Codec by its rtpmap encoding name.
func CodecFromName(name string) Codec {
	if c, ok := codecByName[strings.ToLower(name)]; ok {
		return c
	}
	return Invalid
}

// SelectVideoCodecByPriority returns the first codec in priority that has
// a payload type present on sdp's video m= line, or Invalid if none do.
func SelectVideoCodecByPriority(sdp string, priority []Codec) Codec {
	pts := videoPayloadTypes(sdp)
	if len(pts) == 0 {
		return Invalid
	}
	ptSet := make(map[int]bool, len(pts))
	for _, pt := range pts {
		ptSet[pt] = true
	}

	for _, codec := range priority {
		pt := GetPT(sdp, codec)
		if pt >= 0 && ptSet[pt] {
			return codec
		}
	}
	return Invalid
}

// GetVideoCodec returns the codec corresponding to the first payload type
// on sdp's video m= line.
func GetVideoCodec(sdp string) Codec {
	pts := videoPayloadTypes(sdp)
	if len(pts) == 0 {
		return Invalid
	}
	return codecForPT(sdp, pts[0])
}

// GetAudioCodec returns the codec corresponding to the first payload type
// on sdp's audio m= line.
func GetAudioCodec(sdp string) Codec {
	pts := mediaPayloadTypes(sdp, "audio")
	if len(pts) == 0 {
		return Invalid
	}
	return codecForPT(sdp, pts[0])
}

// GetPT returns the first payload type declared by an
// "a=rtpmap:<pt> <name>/<clock>" line naming codec, or -1 if none matches.
func GetPT(sdp string, codec Codec) int {
	if codec == Invalid {
		return -1
	}
	want := strings.ToLower(codec.String())
	for _, line := range splitLines(sdp) {
		pt, name, ok := parseRtpmap(line)
		if !ok {
			continue
		}
		if strings.ToLower(name) == want {
			return pt
		}
	}
	return -1
}

// RewriteVideoLine reorders the payload types enumerated on sdp's video m=
// line so that chosen's payload type appears first; the relative order of
// the remaining payload types is preserved. If chosen is Invalid, already
// first, or the video m= line cannot be located/parsed, sdp is returned
// unchanged.
func RewriteVideoLine(sdp string, chosen Codec) string {
	if chosen == Invalid {
		return sdp
	}
	chosenPT := GetPT(sdp, chosen)
	if chosenPT < 0 {
		return sdp
	}

	lines := splitLines(sdp)
	idx, fields, ok := findMediaLine(lines, "video")
	if !ok {
		return sdp
	}

	// fields: "m=video <port> <proto> <pt0> <pt1> ..."
	if len(fields) < 4 {
		return sdp
	}
	payloadFields := fields[3:]
	if len(payloadFields) == 0 {
		return sdp
	}

	currentFirst, err := strconv.Atoi(payloadFields[0])
	if err == nil && currentFirst == chosenPT {
		return sdp
	}

	chosenStr := strconv.Itoa(chosenPT)
	reordered := make([]string, 0, len(payloadFields))
	found := false
	for _, pt := range payloadFields {
		if pt == chosenStr {
			found = true
			continue
		}
	}
	if !found {
		return sdp
	}
	reordered = append(reordered, chosenStr)
	for _, pt := range payloadFields {
		if pt != chosenStr {
			reordered = append(reordered, pt)
		}
	}

	newFields := append(append([]string{}, fields[:3]...), reordered...)
	lines[idx] = strings.Join(newFields, " ")
	if !strings.Contains(sdp, "\r\n") {
		return strings.Join(lines, "\n")
	}
	return joinLines(lines)
}

// --- internal helpers ---

func splitLines(sdp string) []string {
	// SDP lines are CRLF-terminated per RFC 4566, but offers commonly
	// arrive with bare LF; split on both without losing empty lines that
	// matter for re-joining.
	normalized := strings.ReplaceAll(sdp, "\r\n", "\n")
	return strings.Split(normalized, "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\r\n")
}

func findMediaLine(lines []string, media string) (int, []string, bool) {
	prefix := "m=" + media + " "
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			fields := strings.Fields(line)
			return i, fields, true
		}
	}
	return -1, nil, false
}

func mediaPayloadTypes(sdp, media string) []int {
	lines := splitLines(sdp)
	_, fields, ok := findMediaLine(lines, media)
	if !ok || len(fields) < 4 {
		return nil
	}
	var pts []int
	for _, f := range fields[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		pts = append(pts, pt)
	}
	return pts
}

func videoPayloadTypes(sdp string) []int {
	return mediaPayloadTypes(sdp, "video")
}

func parseRtpmap(line string) (pt int, name string, ok bool) {
	const prefix = "a=rtpmap:"
	if !strings.HasPrefix(line, prefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(line, prefix)
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	nameAndRate := strings.SplitN(parts[1], "/", 2)
	return pt, nameAndRate[0], true
}

func codecForPT(sdp string, pt int) Codec {
	for _, line := range splitLines(sdp) {
		linePT, name, ok := parseRtpmap(line)
		if !ok || linePT != pt {
			continue
		}
		return CodecFromName(name)
	}
	return Invalid
}

// ParseCodecPriority parses a "C1,C2" priority list (e.g. "H264,VP8") into
// an ordered Codec slice, skipping unrecognized names. An empty string
// disables prioritization (returns a nil slice).
func ParseCodecPriority(s string) []Codec {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []Codec
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		c := CodecFromName(name)
		if c == Invalid {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Validate confirms sdp parses as a well-formed session description before
// setup_media does its own line-oriented rewrites on it. This is the one
// place this package uses a full pion/sdp/v3 parse/re-serialize rather than
// raw line scanning, since here only structural validity matters and
// nothing about the original byte layout needs to survive.
func Validate(raw string) error {
	var s sdp.SessionDescription
	if err := s.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("sdputil: invalid session description: %w", err)
	}
	return nil
}

// ErrNoVideoMedia is a sentinel for an operation that expected a video m=
// line and found none. No function in this module returns it.
var ErrNoVideoMedia = fmt.Errorf("sdputil: no video media line")

// RewriteForBounceBack applies the peer-offer-to-bridge-answer direction
// flip required before codec negotiation: "a=recvonly" becomes
// "a=inactive" (the bridge never sends media back over this leg),
// "a=sendonly" becomes "a=recvonly" (the bridge receives what the peer
// sends), and the ulpfec/red/rtx companion payload types this bridge never
// negotiates are stripped from every m= line, along with their own
// rtpmap/fmtp lines. The payload types to strip are discovered from the
// offer's own rtpmap lines rather than a fixed list, so a negotiated
// codec's fmtp (H264's profile-level-id, VP9's profile-id, ...) is never
// touched.
func RewriteForBounceBack(sdp string) string {
	lines := splitLines(sdp)
	stripSet := stripPayloadTypeSet(lines)

	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case "a=recvonly":
			lines[i] = "a=inactive"
			continue
		case "a=sendonly":
			lines[i] = "a=recvonly"
			continue
		}

		if pt, ok := fmtpPT(line); ok && stripSet[pt] {
			lines[i] = ""
			continue
		}
		if isCodecLine(line, "ulpfec", "red", "rtx") {
			lines[i] = ""
			continue
		}

		if strings.HasPrefix(line, "m=") {
			lines[i] = stripTrailingPTs(line, stripSet)
		}
	}
	return joinLines(removeEmpty(lines))
}

// stripPayloadTypeSet scans every a=rtpmap line for ulpfec/red/rtx
// companions and returns the set of payload types RewriteForBounceBack
// removes.
func stripPayloadTypeSet(lines []string) map[int]bool {
	set := make(map[int]bool)
	for _, line := range lines {
		pt, name, ok := parseRtpmap(line)
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "ulpfec", "red", "rtx":
			set[pt] = true
		}
	}
	return set
}

func isCodecLine(line string, names ...string) bool {
	_, name, ok := parseRtpmap(line)
	if !ok {
		return false
	}
	lower := strings.ToLower(name)
	for _, n := range names {
		if lower == n {
			return true
		}
	}
	return false
}

// fmtpPT returns the payload type an "a=fmtp:<pt> ..." line applies to.
func fmtpPT(line string) (int, bool) {
	const prefix = "a=fmtp:"
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(line, prefix)
	fields := strings.SplitN(rest, " ", 2)
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return pt, true
}

func stripTrailingPTs(line string, stripSet map[int]bool) string {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return line
	}
	head, pts := fields[:3], fields[3:]
	kept := make([]string, 0, len(pts))
	for _, pt := range pts {
		n, err := strconv.Atoi(pt)
		if err == nil && stripSet[n] {
			continue
		}
		kept = append(kept, pt)
	}
	return strings.Join(append(append([]string{}, head...), kept...), " ")
}

func removeEmpty(lines []string) []string {
	out := lines[:0]
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
