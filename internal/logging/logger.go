/*
Package logging builds the process logger.

Output goes through a diode ring buffer so a burst of attempt logs never
blocks the request goroutines: when the buffer is full, lines are dropped and
the number of dropped lines is reported.
*/
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

type Options struct {
	// Level is a zerolog level name; empty means info.
	Level string
	// JSON selects machine-readable output instead of the console writer.
	JSON bool
	// Out defaults to stderr.
	Out io.Writer
	// BufferSize is the diode capacity in lines.
	BufferSize int
}

// Setup returns the logger and a flush function that must be called before
// exit.
func Setup(opts Options) (zerolog.Logger, func(), error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), func() {}, fmt.Errorf("parse log level: %w", err)
		}
		level = l
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	size := opts.BufferSize
	if size <= 0 {
		size = 1000
	}
	dw := diode.NewWriter(out, size, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
	})

	logger := zerolog.New(dw).With().Timestamp().Logger().Level(level)
	return logger, func() { _ = dw.Close() }, nil
}
