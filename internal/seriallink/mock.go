package seriallink

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// errPortClosed is returned by TestablePort after Close.
var errPortClosed = errors.New("serial port closed")

// TestablePort implements SerialPorter with configurable behaviour for tests.
// Reads never block: an empty read buffer yields (0, nil), which is how a
// real port opened with a read timeout behaves when nothing is pending.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes the next Write report one byte fewer than requested
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	Closed       bool
	ReadCalls    int
	WriteCalls   int
	InputResets  int
	OutputResets int
	Drains       int

	// OnWrite, when set, is called with each written line (newline
	// stripped) after the lock is released. Tests use it to script the
	// firmware's replies.
	OnWrite func(line string)
}

// NewTestablePort creates an empty TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.WriteCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	if t.ShortWrite {
		t.ShortWrite = false
		t.mu.Unlock()
		return len(p) - 1, nil
	}
	n, err := t.WriteBuffer.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(strings.TrimRight(string(p), "\r\n"))
	}
	return n, err
}

func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

func (t *TestablePort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.InputResets++
	t.ReadBuffer.Reset()
	return nil
}

func (t *TestablePort) ResetOutputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.OutputResets++
	return nil
}

func (t *TestablePort) Drain() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Drains++
	return nil
}

// AddReadData queues bytes for subsequent Read calls.
func (t *TestablePort) AddReadData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.WriteString(data)
}

// SetReadError makes the next Read fail with err.
func (t *TestablePort) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
}

// SetWriteError makes the next Write fail with err.
func (t *TestablePort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}

// WrittenLines returns every line written so far.
func (t *TestablePort) WrittenLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimRight(t.WriteBuffer.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Reopen clears the closed flag so the same port can be handed out again by
// a MockOpener after a reconnect.
func (t *TestablePort) Reopen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = false
}

// MockOpener is an Opener for tests. The first FailFirst calls return Err
// (or a generic error); later calls return Port, reopened.
type MockOpener struct {
	mu sync.Mutex

	Port      *TestablePort
	FailFirst int
	Err       error

	Calls []string
}

// NewMockOpener returns an opener that always succeeds with port.
func NewMockOpener(port *TestablePort) *MockOpener {
	return &MockOpener{Port: port}
}

// Open satisfies Opener when used as a method value.
func (m *MockOpener) Open(path string, _ PortOptions) (SerialPorter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, path)
	if len(m.Calls) <= m.FailFirst {
		if m.Err != nil {
			return nil, m.Err
		}
		return nil, errors.New("mock: device not present")
	}
	if m.Port == nil {
		return nil, errors.New("mock: no port configured")
	}
	m.Port.Reopen()
	return m.Port, nil
}

// CallCount returns how many times Open was invoked.
func (m *MockOpener) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// FailFrom makes every call after the current one fail.
func (m *MockOpener) FailFrom() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailFirst = len(m.Calls) + 1<<20
}
