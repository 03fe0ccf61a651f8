package keepalive

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mediabridge/internal/registry"
)

func TestNewProcessIDIsUnique(t *testing.T) {
	a, err := NewProcessID()
	require.NoError(t, err)
	b, err := NewProcessID()
	require.NoError(t, err)
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestKeepalivePingsPeriodically(t *testing.T) {
	var pings int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PID string `json:"pid"`
			Dly string `json:"dly"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "proc1", body.PID)
		atomic.AddInt32(&pings, 1)
	}))
	defer srv.Close()

	k := NewKeepalive(registry.New(), srv.URL, "proc1", 10*time.Millisecond, zerolog.Nop())
	k.Start()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&pings) >= 2
	}, time.Second, 5*time.Millisecond)
	k.Stop()
}

func TestKeepaliveStopDeletesProcessID(t *testing.T) {
	var gotDelete bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			gotDelete = true
			require.Equal(t, "/proc1", r.URL.Path)
		}
	}))
	defer srv.Close()

	k := NewKeepalive(registry.New(), srv.URL, "proc1", time.Hour, zerolog.Nop())
	k.Start()
	k.Stop()
	require.True(t, gotDelete)
}

type fakeSession struct {
	destroyed   bool
	destroyedAt time.Time
}

func (f *fakeSession) IsDestroyed() bool      { return f.destroyed }
func (f *fakeSession) DestroyedAt() time.Time { return f.destroyedAt }

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uint64]DestroyedSession
	reaped   []uint64
}

func (s *fakeStore) Snapshot() map[uint64]DestroyedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]DestroyedSession, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v
	}
	return out
}

func (s *fakeStore) Reap(handle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, handle)
	s.reaped = append(s.reaped, handle)
}

func TestWatchdogReapsOnlyAgedDestroyedSessions(t *testing.T) {
	store := &fakeStore{sessions: map[uint64]DestroyedSession{
		1: &fakeSession{destroyed: false},
		2: &fakeSession{destroyed: true, destroyedAt: time.Now()},
		3: &fakeSession{destroyed: true, destroyedAt: time.Now().Add(-6 * time.Second)},
	}}

	w := NewWatchdog(store, zerolog.Nop())
	w.scan()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, []uint64{3}, store.reaped)
	require.Len(t, store.sessions, 2)
}
