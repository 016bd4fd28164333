// Package debug is a low-overhead trace logger for the device-emulation
// paths. Tracing is off until Open is called (or EMBER_TRACE is set), so
// the hot dispatch path pays one atomic load when disabled.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type sink struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

var current atomic.Pointer[sink]

func init() {
	if path := os.Getenv("EMBER_TRACE"); path != "" {
		_ = Open(path)
	}
}

// Open starts writing trace entries to the file at path, truncating it.
func Open(path string) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("debug: open trace file: %w", err)
	}
	current.Store(&sink{w: fh, c: fh})
	return nil
}

// SetOutput directs trace entries at w. Passing nil disables tracing.
func SetOutput(w io.Writer) {
	if w == nil {
		current.Store(nil)
		return
	}
	current.Store(&sink{w: w})
}

// Close stops tracing and closes the underlying file, if any.
func Close() error {
	s := current.Swap(nil)
	if s == nil || s.c == nil {
		return nil
	}
	return s.c.Close()
}

// Enabled reports whether trace entries are currently being recorded.
func Enabled() bool {
	return current.Load() != nil
}

func write(source, msg string) {
	s := current.Load()
	if s == nil {
		return
	}
	line := fmt.Sprintf("%s %s: %s\n", time.Now().Format(time.RFC3339Nano), source, msg)
	s.mu.Lock()
	_, _ = io.WriteString(s.w, line)
	s.mu.Unlock()
}

// Write records one trace entry for source.
func Write(source, msg string) {
	write(source, msg)
}

// Writef records one formatted trace entry for source.
func Writef(source, format string, args ...any) {
	if current.Load() == nil {
		return
	}
	write(source, fmt.Sprintf(format, args...))
}

// Debug is a trace handle bound to one source name.
type Debug interface {
	Write(msg string)
	Writef(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) Write(msg string) {
	write(d.source, msg)
}

func (d *debugImpl) Writef(format string, args ...any) {
	if current.Load() == nil {
		return
	}
	write(d.source, fmt.Sprintf(format, args...))
}

// WithSource returns a trace handle that tags every entry with source.
func WithSource(source string) Debug {
	return &debugImpl{source: source}
}
