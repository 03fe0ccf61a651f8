package rtspruntime

import (
	"testing"

	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// newTestRuntime starts a Runtime on ephemeral loopback ports.
// ServerStream.Initialize requires the underlying gortsplib.Server to have
// completed Start, which is why this starts the real listener rather than
// only the work loop.
func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := New("127.0.0.1:0", "127.0.0.1:0", "127.0.0.1:0", nil, zerolog.Nop())
	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func videoMedia() *description.Media {
	return &description.Media{
		Type:    description.MediaTypeVideo,
		Formats: []format.Format{&format.VP8{PayloadTyp: 96}},
	}
}

func TestAddMountpointRejectsDuplicatePath(t *testing.T) {
	rt := newTestRuntime(t)

	if _, err := rt.AddMountpoint("room1", []*description.Media{videoMedia()}); err != nil {
		t.Fatalf("first AddMountpoint: %v", err)
	}
	if _, err := rt.AddMountpoint("room1", []*description.Media{videoMedia()}); err == nil {
		t.Fatal("expected error adding a duplicate mountpoint path")
	}
}

func TestRemoveMountpointIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)

	if _, err := rt.AddMountpoint("room2", []*description.Media{videoMedia()}); err != nil {
		t.Fatalf("AddMountpoint: %v", err)
	}
	rt.RemoveMountpoint("room2")
	rt.RemoveMountpoint("room2")

	if mp := rt.lookup("room2"); mp != nil {
		t.Fatal("expected mountpoint to be gone after removal")
	}
}

func TestMountpointWritePacketRTPRejectsOutOfRangeIndex(t *testing.T) {
	rt := newTestRuntime(t)

	mp, err := rt.AddMountpoint("room3", []*description.Media{videoMedia()})
	if err != nil {
		t.Fatalf("AddMountpoint: %v", err)
	}

	if err := mp.WritePacketRTP(5, &rtp.Packet{}); err == nil {
		t.Fatal("expected an error for an out-of-range media index")
	}
}

func TestTrimLeadingSlash(t *testing.T) {
	cases := map[string]string{
		"/room1": "room1",
		"room1":  "room1",
		"":       "",
	}
	for in, want := range cases {
		if got := trimLeadingSlash(in); got != want {
			t.Errorf("trimLeadingSlash(%q) = %q, want %q", in, got, want)
		}
	}
}
