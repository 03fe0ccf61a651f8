// Package logging builds the process-wide zerolog.Logger every other
// package derives its per-component logger from (component loggers are
// built with `.With().Str("component", ...).Logger()`, the pattern this
// module follows throughout), grounded on the pack's
// github.com/SilvaMendes/go-rtpengine client, the one example repo that
// actually wires zerolog end to end.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Option configures the base logger.
type Option func(*zerolog.Logger)

// WithLevel overrides the default Info level.
func WithLevel(lvl zerolog.Level) Option {
	return func(l *zerolog.Logger) { *l = l.Level(lvl) }
}

// WithWriter overrides the default console writer (used by tests wanting
// a buffer to assert against).
func WithWriter(w io.Writer) Option {
	return func(l *zerolog.Logger) { *l = l.Output(w) }
}

// New returns the base logger every component logger is derived from.
// Human-readable console output by default, matching a CLI plugin
// running attached to a gateway's process log rather than a log
// aggregator.
func New(opts ...Option) zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	l := zerolog.New(writer).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	for _, o := range opts {
		o(&l)
	}
	return l
}
