// Package keepalive runs the plugin's two periodic background threads
// named in spec.md §4.9: a Keepalive thread that pings the external
// registry with the process id, and a Watchdog thread that reaps
// destroyed sessions once they've aged past a grace period. Grounded on
// the teacher's TimeoutManager cleanup loop (pkg/dialog/timeout_manager.go
// cleanupLoop): a ticker-driven loop selecting on ctx.Done() for shutdown.
package keepalive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/mediabridge/internal/registry"
)

// watchdogInterval and destroyGraceWindow are the fixed constants spec.md
// §4.9 names for the Watchdog thread.
const (
	watchdogInterval   = 500 * time.Millisecond
	destroyGraceWindow = 5 * time.Second
)

// DestroyedSession is the minimal view the Watchdog needs of a session:
// whether it's been destroyed, and when.
type DestroyedSession interface {
	IsDestroyed() bool
	DestroyedAt() time.Time
}

// SessionStore lets the Watchdog enumerate and reap destroyed sessions
// without depending on the session package directly.
type SessionStore interface {
	// Snapshot returns every tracked session keyed by its handle.
	Snapshot() map[uint64]DestroyedSession
	// Reap permanently removes a handle's entry from the sessions map.
	Reap(handle uint64)
}

// NewProcessID generates the random process id spec.md §3 and §4.9 both
// require: a process-wide singleton, minted once at startup and used for
// every keepalive POST until shutdown.
func NewProcessID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("keepalive: generate process id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Keepalive owns the periodic registry-keepalive thread.
type Keepalive struct {
	client    *registry.Client
	url       string
	processID string
	interval  time.Duration
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKeepalive constructs a Keepalive. url is spec.md §6's
// keepalive_service_url; interval is keepalive_interval.
func NewKeepalive(client *registry.Client, url, processID string, interval time.Duration, log zerolog.Logger) *Keepalive {
	ctx, cancel := context.WithCancel(context.Background())
	return &Keepalive{
		client:    client,
		url:       url,
		processID: processID,
		interval:  interval,
		log:       log.With().Str("component", "keepalive").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the periodic POST loop.
func (k *Keepalive) Start() {
	k.wg.Add(1)
	go k.loop()
}

// Stop signals the loop to exit, joins it, then DELETEs the process id
// from the registry, per spec.md §4.8's shutdown order ("stop keepalive
// (which deletes the process id from the registry)").
func (k *Keepalive) Stop() {
	k.cancel()
	k.wg.Wait()

	if k.url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.client.Delete(ctx, k.url+"/"+k.processID); err != nil {
		k.log.Warn().Err(err).Msg("keepalive delete failed on shutdown")
	}
}

func (k *Keepalive) loop() {
	defer k.wg.Done()

	if k.url == "" {
		<-k.ctx.Done()
		return
	}

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.ping()
		case <-k.ctx.Done():
			return
		}
	}
}

func (k *Keepalive) ping() {
	ctx, cancel := context.WithTimeout(k.ctx, 5*time.Second)
	defer cancel()
	body := map[string]string{
		"pid": k.processID,
		"dly": fmt.Sprintf("%d", int(k.interval.Seconds())),
	}
	if err := k.client.Keepalive(ctx, k.url, body); err != nil {
		k.log.Warn().Err(err).Msg("keepalive ping failed")
	}
}

// Watchdog owns the periodic destroyed-session reaper.
type Watchdog struct {
	store SessionStore
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog constructs a Watchdog over store.
func NewWatchdog(store SessionStore, log zerolog.Logger) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		store:  store,
		log:    log.With().Str("component", "watchdog").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the periodic scan loop.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the loop to exit and joins it.
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watchdog) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.scan()
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watchdog) scan() {
	now := time.Now()
	for handle, s := range w.store.Snapshot() {
		if !s.IsDestroyed() {
			continue
		}
		if now.Sub(s.DestroyedAt()) >= destroyGraceWindow {
			w.store.Reap(handle)
		}
	}
}
