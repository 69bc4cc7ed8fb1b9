package shutter

import (
	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/hw/gpio"
)

// GPIO drives the shutter directly from one pin.
type GPIO struct {
	gpio      gpio.Driver
	pin       int
	activeLow bool
}

// NewGPIO configures pin as an output and drives the shutter closed.
func NewGPIO(g gpio.Driver, pin int, activeLow bool) (*GPIO, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, err
	}
	s := &GPIO{gpio: g, pin: pin, activeLow: activeLow}
	if err := s.Close(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GPIO) level(open bool) gpio.Level {
	return gpio.Level(open != s.activeLow)
}

func (s *GPIO) Open() error {
	debug.Verbose("Shutter: OPEN (pin %d -> %v)", s.pin, s.level(true))
	return s.gpio.WritePin(s.pin, s.level(true))
}

func (s *GPIO) Close() error {
	debug.Verbose("Shutter: CLOSE (pin %d -> %v)", s.pin, s.level(false))
	return s.gpio.WritePin(s.pin, s.level(false))
}
