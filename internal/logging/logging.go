// Package logging configures the process-wide zerolog logger. Commands
// call Console for immediate human-readable output, then Apply once the
// config file is loaded to honor the configured level, format, and
// optional log file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Options selects the level, format, and destinations for the global
// logger.
type Options struct {
	// Level is a zerolog level name ("debug", "info", "warn", ...).
	// Empty keeps the current global level.
	Level string

	// File appends a JSON copy of every record to the named file. The
	// parent directory is created if missing. Console output is
	// unaffected.
	File string

	// Pretty renders console output through zerolog's ConsoleWriter
	// instead of raw JSON. Log files always receive JSON.
	Pretty bool
}

// Console points the global logger at stderr with console formatting.
// Called before config is loaded so early startup failures are visible.
func Console(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// Apply reconfigures the global logger from loaded settings. A log file
// that cannot be opened downgrades to a warning rather than aborting
// startup; the console writer keeps working either way.
func Apply(opts Options) error {
	if opts.Level != "" {
		level, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		zerolog.SetGlobalLevel(level)
	}

	var console zerolog.LevelWriter
	if opts.Pretty {
		console = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		console = zerolog.MultiLevelWriter(os.Stderr)
	}

	writer := console
	if opts.File != "" {
		f, err := openLogFile(opts.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file: %v\n", err)
		} else {
			writer = zerolog.MultiLevelWriter(console, f)
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zlog.Logger = zerolog.New(writer).With().Timestamp().Logger()
	return nil
}

// openLogFile opens the file for appending, creating its directory first.
// The handle stays open for the life of the process.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
