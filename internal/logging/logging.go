// Package logging builds the component loggers used across tsync.
//
// Every component receives a *log.Logger whose prefix names it, e.g.
// "[executor] ". Output goes to stderr and, when a log file is configured,
// to a size-rotated file as well.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating file. An empty File disables it.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet drops stderr output, leaving only the file.
	Quiet bool
}

// Factory hands out loggers that share one output.
type Factory struct {
	mu   sync.Mutex
	out  io.Writer
	file *lumberjack.Logger
}

// New creates a Factory for opts.
func New(opts Options) *Factory {
	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stderr)
	}

	f := &Factory{}
	if opts.File != "" {
		f.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, f.file)
	}

	switch len(writers) {
	case 0:
		f.out = io.Discard
	case 1:
		f.out = writers[0]
	default:
		f.out = io.MultiWriter(writers...)
	}
	return f
}

// Logger returns a logger prefixed with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.Writer(), "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

// Discard returns a logger that writes nothing.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
