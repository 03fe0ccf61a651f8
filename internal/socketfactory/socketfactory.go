// Package socketfactory creates the loopback UDP sockets that glue the
// gateway's RTP/RTCP relay to the in-process media pipeline, and attaches
// read-ready callbacks driven by a per-socket goroutine.
package socketfactory

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arzzra/mediabridge/internal/portpool"
)

// ReadFunc is invoked once per datagram received on a socket. Returning
// false unregisters the callback (the Go-native rendering of spec.md's
// "continue indication").
type ReadFunc func(data []byte, from net.Addr) (keepReading bool)

// Socket is a single loopback UDP endpoint: either bound (server role,
// pipeline side) or connected (client role, gateway side). It is owned by
// exactly one side and must be closed exactly once.
type Socket struct {
	Port     int
	IsClient bool

	conn *net.UDPConn

	mu       sync.Mutex
	cancel   context.CancelFunc
	detached bool
}

// Conn returns the underlying UDP connection. The Session Controller
// writes relayed RTP/RTCP through it on client sockets, without going
// through the read-callback dispatch.
func (s *Socket) Conn() *net.UDPConn {
	return s.conn
}

// Factory creates and destroys Sockets against a Pool of loopback ports.
type Factory struct {
	pool *portpool.Pool
	log  zerolog.Logger
}

// New returns a Factory drawing ports from pool.
func New(pool *portpool.Pool, log zerolog.Logger) *Factory {
	return &Factory{pool: pool, log: log.With().Str("component", "socketfactory").Logger()}
}

const maxBindRetries = 8

// OpenServer acquires a port and binds a UDP socket to 127.0.0.1:<port>.
// On a bind failure the port is released and a different one is tried, up
// to the pool's capacity (bounded here by maxBindRetries attempts).
func (f *Factory) OpenServer() (*Socket, error) {
	var lastErr error
	for attempt := 0; attempt < maxBindRetries; attempt++ {
		port, err := f.pool.Acquire(0)
		if err != nil {
			return nil, fmt.Errorf("socketfactory: open server: %w", err)
		}

		addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			f.pool.Release(port)
			lastErr = err
			continue
		}

		f.log.Debug().Int("port", port).Msg("opened server socket")
		return &Socket{Port: port, IsClient: false, conn: conn}, nil
	}
	return nil, fmt.Errorf("socketfactory: open server: %w", lastErr)
}

// OpenClient acquires a port and connects a UDP socket to
// 127.0.0.1:<peerPort>, i.e. the gateway-side end of a server socket
// already opened by OpenServer.
func (f *Factory) OpenClient(peerPort int) (*Socket, error) {
	var lastErr error
	for attempt := 0; attempt < maxBindRetries; attempt++ {
		port, err := f.pool.Acquire(0)
		if err != nil {
			return nil, fmt.Errorf("socketfactory: open client: %w", err)
		}

		localAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
		remoteAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: peerPort}
		conn, err := net.DialUDP("udp", localAddr, remoteAddr)
		if err != nil {
			f.pool.Release(port)
			lastErr = err
			continue
		}

		f.log.Debug().Int("port", port).Int("peer_port", peerPort).Msg("opened client socket")
		return &Socket{Port: port, IsClient: true, conn: conn}, nil
	}
	return nil, fmt.Errorf("socketfactory: open client: %w", lastErr)
}

// Close detaches any read source, closes the underlying connection, and
// returns the port to the pool. Safe to call at most once per socket; the
// caller owns the exactly-once discipline described in spec.md §3.
func (f *Factory) Close(s *Socket) {
	if s == nil {
		return
	}
	f.DetachRead(s)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	f.pool.Release(s.Port)
	f.log.Debug().Int("port", s.Port).Msg("closed socket")
}

// AttachRead starts a goroutine that reads datagrams off s and invokes fn
// for each one, until fn returns false, the socket's read loop is
// detached, or the connection is closed.
func (f *Factory) AttachRead(s *Socket, fn ReadFunc) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.detached = false
	s.mu.Unlock()

	go func() {
		buf := make([]byte, 1500)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			n, from, err := s.conn.ReadFrom(buf)
			if err != nil {
				return
			}

			data := make([]byte, n)
			copy(data, buf[:n])
			if !fn(data, from) {
				return
			}
		}
	}()
}

// DetachRead removes the read registration, if any, releasing the
// goroutine started by AttachRead. Idempotent.
func (f *Factory) DetachRead(s *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached || s.cancel == nil {
		return
	}
	s.cancel()
	s.detached = true
}
