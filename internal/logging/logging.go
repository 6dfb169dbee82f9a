// Package logging builds the cluster's zerolog loggers and carries a
// goroutine panic-recovery helper, RecoverPanic.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a service logger.
type Options struct {
	Level   string // trace, debug, info, warn, error
	Pretty  bool   // console-writer output instead of JSON
	Service string // e.g. "stateserver", "dbss", "clientagent", "messagedirector"
}

// New builds a zerolog.Logger with a timestamp, caller info, and a
// "service" field identifying which cluster process emitted the line.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", opts.Service).
		Logger()
}

// RecoverPanic belongs in a defer at the top of every supervised goroutine.
// It logs a recovered panic with its stack trace and lets the goroutine
// exit cleanly instead of taking the whole process down.
func RecoverPanic(log zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		log.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
