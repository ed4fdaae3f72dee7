package flickrup

import (
	"io"

	"github.com/rs/zerolog"
)

// NewLogger returns a human-readable console logger writing to w. Only
// warnings and errors are shown unless verbose is set.
func NewLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).Level(level).With().Timestamp().Logger()
}
