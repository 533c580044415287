// Package logging builds the process logger: JSON lines on stdout, mirrored
// to a size-rotated file when one is configured.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level      slog.Level
	File       string // empty: stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Stdout defaults to os.Stdout.
	Stdout io.Writer
}

// New returns the logger and a function that closes the log file, if any.
func New(opts Options) (*slog.Logger, func() error) {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	closeFn := func() error { return nil }

	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = io.MultiWriter(out, file)
		closeFn = file.Close
	}

	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: opts.Level})
	return slog.New(h), closeFn
}
