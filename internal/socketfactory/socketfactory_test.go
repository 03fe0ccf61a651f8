package socketfactory

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mediabridge/internal/portpool"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	pool, err := portpool.New(30000, 30020)
	require.NoError(t, err)
	return New(pool, zerolog.Nop())
}

func TestOpenServerAndClientRoundTrip(t *testing.T) {
	f := newTestFactory(t)

	srv, err := f.OpenServer()
	require.NoError(t, err)
	defer f.Close(srv)

	cli, err := f.OpenClient(srv.Port)
	require.NoError(t, err)
	defer f.Close(cli)

	received := make(chan []byte, 1)
	f.AttachRead(srv, func(data []byte, from net.Addr) bool {
		received <- data
		return true
	})

	_, err = cli.Conn().Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case data := <-received:
		require.Equal(t, "hello", string(data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestClosePortReturnedExactlyOnce(t *testing.T) {
	f := newTestFactory(t)

	srv, err := f.OpenServer()
	require.NoError(t, err)
	port := srv.Port

	_, free := f.pool.Stats()
	f.Close(srv)
	_, freeAfter := f.pool.Stats()
	require.Equal(t, free+1, freeAfter)

	// re-acquiring the same port must succeed, proving it was released.
	again, err := f.pool.Acquire(port)
	require.NoError(t, err)
	require.Equal(t, port, again)
	f.pool.Release(again)
}
