package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the run logger. Verbose enables debug-level output; otherwise
// only info and above are shown. Output goes to stderr so artifact paths and
// summaries on stdout stay machine-readable.
func New(verbose bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, verbose)
}

// NewWithWriter creates a logger against an explicit writer (for tests).
func NewWithWriter(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	console := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.Kitchen,
	}

	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// Audit tags an event as a security audit record. Security rejections use
// this marker so they can be grepped out of the run log.
func Audit(logger *zerolog.Logger) *zerolog.Event {
	return logger.Warn().Str("audit", "security")
}
