// Package vqlog provides per-subsystem structured loggers.
//
// Every component in this module accepts an optional zerolog.Logger and
// falls back to a disabled logger when none is given, the same
// optional-callback-defaults-to-noop convention the teacher uses for
// rtpreceiver.Receiver.TimeNow and WritePacketRTCP.
package vqlog

import (
	"io"

	"github.com/rs/zerolog"
)

// Disabled is a logger that discards all output.
var Disabled = zerolog.New(io.Discard).Level(zerolog.Disabled)

// Named returns a child logger of base tagged with the given subsystem
// name.
func Named(base zerolog.Logger, subsystem string) zerolog.Logger {
	return base.With().Str("subsystem", subsystem).Logger()
}

// OrDisabled returns *l, or Disabled if l is nil. A non-nil l is returned
// as is, even when it is zerolog.Logger's zero value (which has no writer).
func OrDisabled(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return Disabled
	}
	return *l
}
