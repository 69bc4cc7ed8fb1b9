package motion

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/LithoGo/internal/config"
	"github.com/cjeanneret/LithoGo/internal/hw/gpio"
	"github.com/cjeanneret/LithoGo/internal/hw/stepper"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// pulseDriver counts HIGH writes per pin.
type pulseDriver struct {
	mu     sync.Mutex
	highs  map[int]int
	levels map[int]gpio.Level
}

func (d *pulseDriver) SetupPin(pin int, mode gpio.PinMode) error { return nil }

func (d *pulseDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.highs == nil {
		d.highs = make(map[int]int)
		d.levels = make(map[int]gpio.Level)
	}
	if level == gpio.High {
		d.highs[pin]++
	}
	d.levels[pin] = level
	return nil
}

func (d *pulseDriver) ReadPin(pin int) (gpio.Level, error) { return gpio.Low, nil }
func (d *pulseDriver) Close() error                        { return nil }

func (d *pulseDriver) pulses(pin int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.highs[pin]
}

func (d *pulseDriver) level(pin int) gpio.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levels[pin]
}

func newTestController(stepsPerUm float64) (*Controller, *pulseDriver) {
	drv := &pulseDriver{}
	x := stepper.NewStepper(drv, stepper.Config{Name: "X", StepPin: 1, DirPin: 2, EnablePin: 3, StepDelay: time.Microsecond})
	y := stepper.NewStepper(drv, stepper.Config{Name: "Y", StepPin: 4, DirPin: 5, EnablePin: 6, StepDelay: time.Microsecond})
	cfg := &config.Config{Stage: config.StageConfig{
		XStepper: config.StepperConfig{StepsPerUm: stepsPerUm},
		YStepper: config.StepperConfig{StepsPerUm: stepsPerUm},
	}}
	return NewController(x, y, geometry.NewStepsCalculator(cfg)), drv
}

func TestController_MoveToAbsolute(t *testing.T) {
	ctrl, drv := newTestController(0.8)
	ctx := context.Background()

	if err := ctrl.MoveTo(ctx, geometry.Point{X: 100, Y: 50}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if got := drv.pulses(1); got != 80 {
		t.Errorf("X pulses = %d, want 80", got)
	}
	if got := drv.pulses(4); got != 40 {
		t.Errorf("Y pulses = %d, want 40", got)
	}

	// moving back to 60 µm on X costs 32 steps backward
	if err := ctrl.MoveTo(ctx, geometry.Point{X: 60, Y: 50}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if got := drv.pulses(1); got != 80+32 {
		t.Errorf("X pulses after second move = %d, want 112", got)
	}
	if drv.level(2) != gpio.Low {
		t.Error("X direction should be LOW for a backward move")
	}
	if got := drv.pulses(4); got != 40 {
		t.Errorf("Y should not move, pulses = %d", got)
	}
}

func TestController_PositionTracksSteps(t *testing.T) {
	ctrl, _ := newTestController(0.8)
	ctx := context.Background()

	if err := ctrl.MoveTo(ctx, geometry.Point{X: 125, Y: -250}); err != nil {
		t.Fatal(err)
	}
	pos, err := ctrl.Position(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(pos.X-125) > 1e-9 || math.Abs(pos.Y+250) > 1e-9 {
		t.Errorf("Position() = %v, want (125, -250)", pos)
	}
}

func TestController_CancelledMove(t *testing.T) {
	ctrl, _ := newTestController(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.MoveTo(ctx, geometry.Point{X: 1000}); err != context.Canceled {
		t.Errorf("MoveTo with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestController_EnableDisableMotors(t *testing.T) {
	ctrl, drv := newTestController(1)

	if err := ctrl.DisableMotors(); err != nil {
		t.Fatalf("DisableMotors: %v", err)
	}
	if drv.level(3) != gpio.High || drv.level(6) != gpio.High {
		t.Error("DisableMotors should drive both ENABLE pins HIGH")
	}
	if err := ctrl.EnableMotors(); err != nil {
		t.Fatalf("EnableMotors: %v", err)
	}
	if drv.level(3) != gpio.Low || drv.level(6) != gpio.Low {
		t.Error("EnableMotors should drive both ENABLE pins LOW")
	}
}
