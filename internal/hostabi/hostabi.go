// Package hostabi defines the seam between the plugin core and the host
// WebRTC gateway: the outbound callbacks the gateway provides for relaying
// media and pushing events back to the peer, the peer message/JSEP/event
// schemas, and the numeric error codes. The inbound surface the gateway
// calls into is internal/plugin's Context. Only the interfaces are
// specified here — the gateway runtime itself is out of scope (spec.md §1).
package hostabi

import "encoding/json"

// Handle is the host's opaque per-peer identifier.
type Handle uint64

// ErrorCode enumerates the numeric error codes surfaced to peers per
// spec.md §6.
type ErrorCode int

const (
	NoMessage      ErrorCode = 411
	InvalidJSON    ErrorCode = 412
	InvalidElement ErrorCode = 413
	InvalidURLID   ErrorCode = 414
)

// Callbacks is the outbound surface: calls the plugin core makes back into
// the host gateway.
type Callbacks interface {
	// RelayRTP forwards an RTP packet to the peer. Must not block.
	RelayRTP(handle Handle, isVideo bool, buf []byte)
	// RelayRTCP forwards an RTCP packet to the peer. Must not block.
	RelayRTCP(handle Handle, isVideo bool, buf []byte)
	// PushEvent delivers an asynchronous event (or JSEP answer) to the peer.
	PushEvent(handle Handle, transaction string, event json.RawMessage, jsep json.RawMessage)
}

// ClientMessage is the peer->plugin message schema (spec.md §6). Optional
// fields are pointers so that "absent" and "false"/"0"/"" are
// distinguishable.
type ClientMessage struct {
	Audio    *bool   `json:"audio,omitempty"`
	Video    *bool   `json:"video,omitempty"`
	Bitrate  *uint64 `json:"bitrate,omitempty"`
	Record   *bool   `json:"record,omitempty"`
	Filename *string `json:"filename,omitempty"`
	ID       *string `json:"id,omitempty"`
}

// JSEP is the optional session-description companion object.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// OKEvent and DoneEvent are the two bare result events (spec.md §6).
type OKEvent struct {
	Source string `json:"source"`
	Result string `json:"result"`
}

func NewOKEvent() OKEvent   { return OKEvent{Source: "event", Result: "ok"} }
func NewDoneEvent() OKEvent { return OKEvent{Source: "event", Result: "done"} }

// ErrorEvent reports a numeric error code and message to the peer.
type ErrorEvent struct {
	Source    string    `json:"source"`
	ErrorCode ErrorCode `json:"error_code"`
	Error     string    `json:"error"`
}

func NewErrorEvent(code ErrorCode, msg string) ErrorEvent {
	return ErrorEvent{Source: "event", ErrorCode: code, Error: msg}
}

// SlowLinkEvent reports a slow-link-triggered bitrate adjustment.
type SlowLinkEvent struct {
	Source string            `json:"source"`
	Result SlowLinkEventBody `json:"result"`
}

type SlowLinkEventBody struct {
	Status  string `json:"status"`
	Bitrate uint64 `json:"bitrate"`
}

func NewSlowLinkEvent(bitrate uint64) SlowLinkEvent {
	return SlowLinkEvent{
		Source: "event",
		Result: SlowLinkEventBody{Status: "slow_link", Bitrate: bitrate},
	}
}
