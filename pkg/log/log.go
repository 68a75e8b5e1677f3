// Package log configures the runtime's structured logging.
//
// The host daemon and the guest init share this package: the host logs
// to stderr as console or JSON lines, while the guest init's output
// reaches the host through the VM console device and lands in the
// instance's console.log. Subsystems log through component child
// loggers, and anything tied to one instance logs through a box-scoped
// logger, so a single boot can be followed across the store, composer,
// machine, and pool lines.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Until Init runs it discards everything,
// so library code and tests can log unconditionally.
var Logger = zerolog.New(io.Discard)

// Level names accepted in boxd.yaml and A3S_LOG_LEVEL.
type Level string

const (
	TraceLevel Level = "trace"
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	// Level filters everything below it. Unknown or empty names mean
	// info.
	Level Level

	// JSONOutput emits machine-readable lines instead of the console
	// format.
	JSONOutput bool

	// Output defaults to stderr; the core never writes there directly.
	Output io.Writer
}

// Init replaces the root logger. Child loggers created afterwards
// inherit the configured level and sink.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var sink io.Writer = out
	if !cfg.JSONOutput {
		sink = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	Logger = zerolog.New(sink).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch Level(strings.ToLower(strings.TrimSpace(string(l)))) {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns the child logger a subsystem logs through
// (image-store, rootfs-composer, warm-pool, guest-init, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithBoxID returns a child logger scoped to one instance. The ID is
// abbreviated the way the CLI prints it, so log lines and ps output
// line up.
func WithBoxID(boxID string) zerolog.Logger {
	return Logger.With().Str("box_id", shortID(boxID)).Logger()
}

// shortID mirrors the CLI's abbreviated box ID (first 12 hex chars of
// the UUID) without pulling the types package into every logger.
func shortID(id string) string {
	short := make([]byte, 0, 12)
	for i := 0; i < len(id) && len(short) < 12; i++ {
		if id[i] == '-' {
			continue
		}
		short = append(short, id[i])
	}
	return string(short)
}

// Errorf logs err under msg through the root logger. For main
// functions that fail before any component logger exists.
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}
