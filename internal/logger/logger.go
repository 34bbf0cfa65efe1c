package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Logger writes leveled log lines to stdout and, optionally, a log file.
//
// Each level has its own *log.Logger with a fixed prefix so the output stays
// greppable. Debug lines are dropped unless the logger is verbose.
//
// See: https://context7.com/golang/go for Go log package documentation
type Logger struct {
	info    *log.Logger
	warn    *log.Logger
	error   *log.Logger
	debug   *log.Logger
	verbose bool
	file    *os.File
}

// Options configures a Logger.
type Options struct {
	// File is an optional path that receives a copy of every line
	File string
	// Verbose enables Debugf output
	Verbose bool
	// Output overrides stdout (used by tests)
	Output io.Writer
}

// New creates a Logger. When opts.File is set the file is created (with its
// parent directory) and opened for appending.
func New(opts Options) (*Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var file *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(out, f)
	}

	return newLogger(out, opts.Verbose, file), nil
}

func newLogger(out io.Writer, verbose bool, file *os.File) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds
	return &Logger{
		info:    log.New(out, "[INFO] ", flags),
		warn:    log.New(out, "[WARN] ", flags),
		error:   log.New(out, "[ERROR] ", flags),
		debug:   log.New(out, "[DEBUG] ", flags),
		verbose: verbose,
		file:    file,
	}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return newLogger(io.Discard, false, nil)
}

// Infof logs an informational message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.info.Printf(format, args...)
}

// Warnf logs a recoverable problem.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.warn.Printf(format, args...)
}

// Errorf logs a failure.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.error.Printf(format, args...)
}

// Debugf logs only when verbose output is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.verbose {
		return
	}
	l.debug.Printf(format, args...)
}

// Verbose reports whether debug output is enabled.
func (l *Logger) Verbose() bool {
	return l.verbose
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
