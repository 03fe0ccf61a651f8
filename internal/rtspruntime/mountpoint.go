package rtspruntime

import (
	"fmt"
	"sync"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/pion/rtp"
)

// mountpoint is one published stream, keyed by RTSP path. The plugin core is
// always the publisher (spec.md §4.5: "the bridge publishes, it never
// accepts ANNOUNCE"), so unlike mediamtx-style servers there is no
// publisher ServerSession to track — only the ServerStream and the set of
// reading clients.
type mountpoint struct {
	id     string
	stream *gortsplib.ServerStream
	desc   *description.Session

	// mediaByIndex lets callers outside this package (internal/pipeline's
	// Executor) address a media by the small integer index SetupMedia
	// assigned it, instead of importing gortsplib's *description.Media.
	mediaByIndex []*description.Media

	clientsMu sync.Mutex
	clients   map[*gortsplib.ServerSession]struct{}

	// onFirstPlay fires when the mountpoint's client count goes from 0 to
	// 1, letting internal/session advance its lifecycle FSM to "playing"
	// without this package importing the session package.
	onFirstPlay func()
}

func newMountpoint(id string, desc *description.Session) *mountpoint {
	return &mountpoint{
		id:           id,
		desc:         desc,
		mediaByIndex: append([]*description.Media(nil), desc.Medias...),
		clients:      make(map[*gortsplib.ServerSession]struct{}),
	}
}

// OnFirstPlay registers a callback to run the moment this mountpoint gains
// its first client.
func (m *mountpoint) OnFirstPlay(fn func()) {
	m.clientsMu.Lock()
	m.onFirstPlay = fn
	m.clientsMu.Unlock()
}

// WritePacketRTP implements internal/pipeline.StreamWriter.
func (m *mountpoint) WritePacketRTP(mediaID int, pkt *rtp.Packet) error {
	if mediaID < 0 || mediaID >= len(m.mediaByIndex) {
		return fmt.Errorf("rtspruntime: media index %d out of range for mountpoint %q", mediaID, m.id)
	}
	return m.stream.WritePacketRTP(m.mediaByIndex[mediaID], pkt)
}

func (m *mountpoint) addClient(ss *gortsplib.ServerSession) {
	m.clientsMu.Lock()
	wasEmpty := len(m.clients) == 0
	m.clients[ss] = struct{}{}
	fn := m.onFirstPlay
	m.clientsMu.Unlock()

	if wasEmpty && fn != nil {
		fn()
	}
}

func (m *mountpoint) removeClient(ss *gortsplib.ServerSession) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	delete(m.clients, ss)
}

func (m *mountpoint) clientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// snapshotClients returns the sessions currently reading this mountpoint, for
// teardown-on-removal.
func (m *mountpoint) snapshotClients() []*gortsplib.ServerSession {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	out := make([]*gortsplib.ServerSession, 0, len(m.clients))
	for ss := range m.clients {
		out = append(out, ss)
	}
	return out
}
