// Package logging builds the zerolog logger shared by the store engines
// and the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// Formats accepted in types.LogConfig.Format.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New returns a logger writing to w at cfg.Level. An empty level means
// info and an empty format means json. A nil w writes to stderr.
func New(cfg types.LogConfig, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, types.ErrValidation)
		}
		level = l
	}
	switch cfg.Format {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("log format %q: %w", cfg.Format, types.ErrValidation)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Open is New writing to the file at path, appended to and created when
// missing. The returned closer closes the file.
func Open(cfg types.LogConfig, path string) (zerolog.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
	}
	l, err := New(cfg, zerolog.SyncWriter(f))
	if err != nil {
		f.Close()
		return zerolog.Nop(), nil, err
	}
	return l, f, nil
}

// Component returns l tagged with a component field.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
