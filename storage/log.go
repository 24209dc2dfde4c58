package storage

import (
	"io"

	"github.com/rs/zerolog"
)

// NewDiscardLogger returns a zerolog.Logger that drops everything it is
// given. Embedding callers that never set Options.Logger get this, so the
// core never writes to stderr unless asked to.
func NewDiscardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
