package stepper

import (
	"context"
	"sync"
	"time"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/hw/gpio"
)

// ctxCheckEvery is how many pulses run between context checks.
const ctxCheckEvery = 64

// Config holds the hardware configuration for one axis driven by an A4988.
type Config struct {
	Name      string // axis label for logs
	StepPin   int
	DirPin    int
	EnablePin int           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	Invert    bool          // swap the DIR level so positive steps move the other way
	StepDelay time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
}

// Stepper drives one motor and tracks its absolute position in steps.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration // delay between STEP pulse half-cycles

	mu  sync.Mutex
	pos int
}

// NewStepper creates a new stepper motor controller.
// cfg.StepDelay: if 0, defaults to 1ms.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// Position returns the absolute step count since construction.
func (s *Stepper) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// MoveTo moves to an absolute step index.
func (s *Stepper) MoveTo(ctx context.Context, target int) error {
	return s.MoveSteps(ctx, target-s.Position())
}

// MoveSteps moves the motor by a number of steps (positive or negative).
// The position is updated pulse by pulse, so an interrupted move leaves an
// accurate count. Returns ctx.Err() if ctx ends mid-move.
func (s *Stepper) MoveSteps(ctx context.Context, steps int) error {
	if steps == 0 {
		return nil
	}

	dirLevel := gpio.High
	delta := 1
	if steps < 0 {
		dirLevel = gpio.Low
		delta = -1
		steps = -steps
	}
	if s.cfg.Invert {
		dirLevel = !dirLevel
	}

	debug.Printf("Stepper %s: moving %d steps (dir %v) on pin %d", s.cfg.Name, steps*delta, dirLevel, s.cfg.StepPin)

	if err := s.gpio.WritePin(s.cfg.DirPin, dirLevel); err != nil {
		return err
	}

	for i := 0; i < steps; i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := s.stepPulse(); err != nil {
			return err
		}
		s.mu.Lock()
		s.pos += delta
		s.mu.Unlock()
	}
	return nil
}

func (s *Stepper) stepPulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel and
// the tracked position is no longer trustworthy if the stage is pushed.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
