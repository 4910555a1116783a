package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Until Setup runs it writes
// human-readable output to stderr at zerolog's default level, so
// library consumers that never configure logging still get sensible
// diagnostics.
var Logger = newLogger(os.Stderr, false)

// Options configures the root logger.
type Options struct {
	// Level is a zerolog level name (debug, info, warn, error). Empty
	// selects info.
	Level string

	// JSON emits one JSON object per line instead of console output.
	JSON bool

	// Output defaults to stderr, keeping stdout free for command
	// results.
	Output io.Writer
}

// Setup reconfigures the root logger. An unknown level name is an
// error so the CLI can reject it instead of logging at a surprise
// level.
func Setup(opts Options) error {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("unknown log level %q", opts.Level)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	Logger = newLogger(out, opts.JSON)
	return nil
}

func newLogger(out io.Writer, json bool) zerolog.Logger {
	if !json {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the engine
// component it speaks for. Long-lived objects attach further fields
// themselves, e.g.
//
//	log.WithComponent("repo").With().Str("repo", id).Logger()
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
