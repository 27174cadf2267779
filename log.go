package gdnet

import (
	"io"

	"github.com/rs/zerolog"
)

// The engine logs through zerolog. Disabled by default so the hot path costs
// a single level check; embedders route it wherever they like.
var log = zerolog.New(io.Discard).Level(zerolog.Disabled)

// SetLogger replaces the package logger.
func SetLogger(logger zerolog.Logger) {
	log = logger
}
