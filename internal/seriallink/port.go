package seriallink

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// BufferResetter is implemented by ports that can discard bytes pending in
// the OS buffers. go.bug.st/serial ports implement it.
type BufferResetter interface {
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Drainer is implemented by ports that can block until written bytes have
// been transmitted.
type Drainer interface {
	Drain() error
}

// Opener opens the port at path. It is injected into Link so tests can
// supply fakes and so the retry loop can be exercised without hardware.
type Opener func(path string, opts PortOptions) (SerialPorter, error)

// PortOptions describes the serial connection parameters used when opening a
// real serial port.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// DefaultBaudRate matches the rate the kiosk microcontroller sketch uses.
const DefaultBaudRate = 9600

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the port options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}

// RealOpener returns an Opener backed by go.bug.st/serial. Ports are opened
// with the given read timeout so that a Read with nothing pending returns
// zero bytes instead of blocking, which is what keeps Link.ReadLine
// non-blocking.
func RealOpener(readTimeout time.Duration) Opener {
	return func(path string, opts PortOptions) (SerialPorter, error) {
		mode, err := opts.SerialMode()
		if err != nil {
			return nil, err
		}

		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, err
		}

		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
		}
		return port, nil
	}
}
