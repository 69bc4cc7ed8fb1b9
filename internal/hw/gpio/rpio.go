package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.setup(pin, mode)
	return err
}

func (r *RPiDriver) setup(pin int, mode PinMode) (rpio.Pin, error) {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return p, fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return p, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		var err error
		if p, err = r.setup(pin, Output); err != nil {
			return err
		}
	}
	p.Write(toRPIO(level))
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		var err error
		if p, err = r.setup(pin, Input); err != nil {
			return Low, err
		}
	}
	return p.Read() == rpio.High, nil
}

// Close returns every pin used to input mode and unmaps GPIO memory.
// Callers must put outputs in their safe level (shutter closed) before this.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}
	return rpio.Close()
}

func toRPIO(l Level) rpio.State {
	if l == High {
		return rpio.High
	}
	return rpio.Low
}
