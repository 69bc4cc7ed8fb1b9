// Package serialport opens the serial links used by the shutter controller
// and the GRBL stage.
package serialport

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/cjeanneret/LithoGo/internal/debug"
)

// Port is the subset of serial.Port the device drivers use.
type Port interface {
	io.ReadWriteCloser
}

// Options describes the serial connection parameters.
type Options struct {
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	ReadTimeout time.Duration // 0 blocks until data arrives
}

// Normalize validates the options and applies defaults for any unset values.
func (o Options) Normalize() (Options, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 57600
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

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	if opts.ReadTimeout < 0 {
		return opts, fmt.Errorf("invalid read timeout %v", opts.ReadTimeout)
	}
	return opts, nil
}

// Mode converts the options into the structure go.bug.st/serial expects.
func (o Options) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// Open opens the serial device at path.
func Open(path string, o Options) (Port, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}

	debug.Verbose("Opening serial port %s at %d baud (%d%s%d)", path, opts.BaudRate, opts.DataBits, opts.Parity, opts.StopBits)
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}
	return port, nil
}

// ListPorts returns the serial devices present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
