package shutter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/LithoGo/internal/debug"
)

// opDigitalWrite is the firmware opcode for "set output pin level".
const opDigitalWrite = 42

// ErrNoAck is returned when the controller does not answer a command in time.
var ErrNoAck = errors.New("shutter controller did not acknowledge")

// ArduinoOptions configures the serial shutter controller.
type ArduinoOptions struct {
	Pin        byte          // firmware output index driving the shutter
	AckTimeout time.Duration // how long to wait for the reply line
	RequireAck bool          // treat a missing reply as a failure
	PortName   string        // for logs only
}

// Arduino drives a shutter through a microcontroller on a serial link.
// Each command is three bytes [42, pin, level] answered by one text line.
//
// rw must return (0, nil) or an error when no data arrives within its read
// timeout, as go.bug.st/serial ports do after SetReadTimeout.
type Arduino struct {
	mu   sync.Mutex
	rw   io.ReadWriter
	opts ArduinoOptions
}

// NewArduino wraps rw and drives the shutter closed.
func NewArduino(rw io.ReadWriter, opts ArduinoOptions) (*Arduino, error) {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 100 * time.Millisecond
	}
	a := &Arduino{rw: rw, opts: opts}
	if err := a.Close(); err != nil {
		return nil, fmt.Errorf("initial shutter close: %w", err)
	}
	return a, nil
}

func (a *Arduino) Open() error  { return a.write(1) }
func (a *Arduino) Close() error { return a.write(0) }

func (a *Arduino) write(level byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmd := []byte{opDigitalWrite, a.opts.Pin, level}
	debug.Serial("TX", a.opts.PortName, cmd)
	if _, err := a.rw.Write(cmd); err != nil {
		return fmt.Errorf("write shutter command: %w", err)
	}

	reply, err := a.readLine()
	if err != nil {
		return fmt.Errorf("read shutter reply: %w", err)
	}
	if reply == "" {
		if a.opts.RequireAck {
			return ErrNoAck
		}
		debug.Verbose("Shutter: no reply within %v (ignored)", a.opts.AckTimeout)
		return nil
	}
	debug.Serial("RX", a.opts.PortName, []byte(reply))
	return nil
}

// readLine collects bytes until '\n' or the ack timeout passes.
func (a *Arduino) readLine() (string, error) {
	var line bytes.Buffer
	buf := make([]byte, 1)
	deadline := time.Now().Add(a.opts.AckTimeout)
	for time.Now().Before(deadline) {
		n, err := a.rw.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				return strings.TrimSpace(line.String()), nil
			}
			line.WriteByte(buf[0])
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		// read timeout with no data
		time.Sleep(time.Millisecond)
	}
	return strings.TrimSpace(line.String()), nil
}
