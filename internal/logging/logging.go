// Package logging builds the zerolog loggers used across creditline.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var configureOnce sync.Once

func configureGlobals() {
	configureOnce.Do(func() {
		zerolog.TimestampFieldName = "ts"
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})
}

// Options controls logger construction.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	JSON       bool
	// Console defaults to stderr so stdout stays clean for command output.
	Console io.Writer
}

// New returns a logger writing to the console and, when File is set, to a
// size-rotated log file. The returned closer releases the file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	configureGlobals()
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}
	var (
		writer io.Writer = console
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   false,
		}
		writer = zerolog.MultiLevelWriter(console, file)
		closer = file
	}
	logger := zerolog.New(writer).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
	return logger, closer, nil
}

// ParseLevel maps a settings string onto a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a sub-logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
