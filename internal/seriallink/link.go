// Package seriallink owns the connection to the kiosk microcontroller: a
// newline-framed, non-blocking line reader and writer with bounded retry on
// open and automatic reconnect after I/O faults.
package seriallink

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
	"github.com/banshee-data/rvm.kiosk/internal/timeutil"
)

var (
	// ErrOpenFailed is returned when every open attempt failed.
	ErrOpenFailed = errors.New("serial link: open failed")
	// ErrWriteFailed reports a short write.
	ErrWriteFailed = errors.New("serial link: short write")
	// ErrNotConnected is returned by operations on a link that gave up
	// reconnecting.
	ErrNotConnected = errors.New("serial link: not connected")
)

const (
	DefaultAttempts    = 3
	DefaultRetryDelay  = time.Second
	DefaultReadTimeout = 5 * time.Millisecond

	// maxReadsPerCall bounds ReadLine when the device streams bytes without
	// ever sending a newline.
	maxReadsPerCall = 64
	readChunkSize   = 256
)

const component = "serial"

// Config configures a Link.
type Config struct {
	Path       string
	Options    PortOptions
	Attempts   int
	RetryDelay time.Duration
}

// Link is a line-oriented connection to the microcontroller. It is not safe
// for concurrent use: the orchestrator loop is its only caller.
type Link struct {
	cfg   Config
	open  Opener
	clock timeutil.Clock
	trace *Trace

	onReconnect func(ok bool)

	port      SerialPorter
	connected bool

	buf     []byte   // bytes received since the last newline
	pending []string // complete lines not yet returned
	chunk   []byte
}

// Option customises a Link.
type Option func(*Link)

// WithTrace records every line read or written into t.
func WithTrace(t *Trace) Option {
	return func(l *Link) { l.trace = t }
}

// WithReconnectHook is called after every reconnect attempt with its outcome.
func WithReconnectHook(f func(ok bool)) Option {
	return func(l *Link) { l.onReconnect = f }
}

// New creates a closed Link. Call Open before use.
func New(cfg Config, open Opener, clock timeutil.Clock, opts ...Option) *Link {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &Link{
		cfg:   cfg,
		open:  open,
		clock: clock,
		chunk: make([]byte, readChunkSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connected reports whether the link currently holds an open port.
func (l *Link) Connected() bool { return l.connected }

// Path returns the device path the link opens.
func (l *Link) Path() string { return l.cfg.Path }

// Open connects to the port, retrying up to cfg.Attempts times with a fixed
// delay in between. On success any bytes pending in the OS buffers are
// discarded in both directions.
func (l *Link) Open() error {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.Attempts; attempt++ {
		port, err := l.open(l.cfg.Path, l.cfg.Options)
		if err == nil {
			l.port = port
			l.connected = true
			l.resetBuffers()
			monitoring.Infof(component, "connection established on %s", l.cfg.Path)
			return nil
		}

		lastErr = err
		monitoring.Warnf(component, "open attempt %d/%d on %s failed: %v", attempt, l.cfg.Attempts, l.cfg.Path, err)
		if attempt < l.cfg.Attempts {
			l.clock.Sleep(l.cfg.RetryDelay)
		}
	}

	l.connected = false
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrOpenFailed, l.cfg.Path, l.cfg.Attempts, lastErr)
}

func (l *Link) resetBuffers() {
	r, ok := l.port.(BufferResetter)
	if !ok {
		return
	}
	if err := r.ResetInputBuffer(); err != nil {
		monitoring.Warnf(component, "failed to reset input buffer: %v", err)
	}
	if err := r.ResetOutputBuffer(); err != nil {
		monitoring.Warnf(component, "failed to reset output buffer: %v", err)
	}
}

// ReadLine returns the next complete, non-empty line without blocking. The
// second result is false when no line is available. Read faults are not
// returned: they trigger a reconnect instead.
func (l *Link) ReadLine() (string, bool) {
	if line, ok := l.popPending(); ok {
		return line, true
	}
	if !l.connected {
		return "", false
	}

	for i := 0; i < maxReadsPerCall; i++ {
		n, err := l.port.Read(l.chunk)
		if n > 0 {
			l.consume(l.chunk[:n])
		}
		if err != nil {
			monitoring.Errorf(component, "read error: %v", err)
			l.reconnect()
			break
		}
		if n == 0 || len(l.pending) > 0 {
			break
		}
	}

	return l.popPending()
}

func (l *Link) consume(b []byte) {
	for _, c := range b {
		if c != '\n' {
			l.buf = append(l.buf, c)
			continue
		}
		line := strings.TrimSpace(strings.ToValidUTF8(string(l.buf), ""))
		l.buf = l.buf[:0]
		if line == "" {
			continue
		}
		l.pending = append(l.pending, line)
		l.trace.Record(l.clock.Now(), DirIn, line)
		monitoring.Debugf(component, "received: %s", line)
	}
}

func (l *Link) popPending() (string, bool) {
	if len(l.pending) == 0 {
		return "", false
	}
	line := l.pending[0]
	l.pending = l.pending[1:]
	return line, true
}

// Write sends line terminated by a newline and flushes it. It returns false
// when the link is down or the write failed; a failed write triggers a
// reconnect.
func (l *Link) Write(line string) bool {
	if !l.connected {
		monitoring.Warnf(component, "cannot write %q: %v", strings.TrimSpace(line), ErrNotConnected)
		return false
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	if err := l.writeAll([]byte(line)); err != nil {
		monitoring.Errorf(component, "write error: %v", err)
		l.reconnect()
		return false
	}

	sent := strings.TrimSpace(line)
	l.trace.Record(l.clock.Now(), DirOut, sent)
	monitoring.Debugf(component, "sent: %s", sent)
	return true
}

func (l *Link) writeAll(b []byte) error {
	n, err := l.port.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrWriteFailed
	}
	if d, ok := l.port.(Drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}
	return nil
}

// reconnect closes the port, drops the partial line and runs the bounded
// open sequence again. When it fails the link stays disconnected and no
// further attempts are made.
func (l *Link) reconnect() {
	l.closePort()
	monitoring.Infof(component, "attempting to reconnect to %s", l.cfg.Path)

	err := l.Open()
	if l.onReconnect != nil {
		l.onReconnect(err == nil)
	}
	if err != nil {
		monitoring.Errorf(component, "reconnect failed, link disabled: %v", err)
		return
	}
	monitoring.Infof(component, "connection reestablished")
}

func (l *Link) closePort() error {
	var err error
	if l.port != nil {
		err = l.port.Close()
		if err != nil {
			monitoring.Warnf(component, "error closing port: %v", err)
		}
	}
	l.port = nil
	l.connected = false
	l.buf = l.buf[:0]
	return err
}

// Close releases the port. It is safe to call more than once.
func (l *Link) Close() error {
	wasOpen := l.port != nil
	err := l.closePort()
	l.pending = nil
	if wasOpen {
		monitoring.Infof(component, "connection closed")
	}
	return err
}
