package motion

import (
	"context"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/hw/stepper"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// Controller drives the XY stage through two stepper motors.
// It sits between the exposure logic (which thinks in µm) and the
// low-level stepper drivers (which think in steps).
type Controller struct {
	x     *stepper.Stepper
	y     *stepper.Stepper
	steps *geometry.StepsCalculator
}

func NewController(x, y *stepper.Stepper, steps *geometry.StepsCalculator) *Controller {
	return &Controller{
		x:     x,
		y:     y,
		steps: steps,
	}
}

// MoveTo moves both axes to an absolute position in µm (sequential, X then Y).
func (c *Controller) MoveTo(ctx context.Context, p geometry.Point) error {
	tx, ty := c.steps.XSteps(p.X), c.steps.YSteps(p.Y)
	debug.Trace("Motion: target %v -> steps (%d, %d)", p, tx, ty)
	if err := c.x.MoveTo(ctx, tx); err != nil {
		return err
	}
	return c.y.MoveTo(ctx, ty)
}

// Position returns the tracked position in µm, quantised to whole steps.
func (c *Controller) Position(ctx context.Context) (geometry.Point, error) {
	return geometry.Point{
		X: c.steps.XUm(c.x.Position()),
		Y: c.steps.YUm(c.y.Position()),
	}, nil
}

// EnableMotors energises both drivers so the stage holds position.
func (c *Controller) EnableMotors() error {
	if err := c.x.Enable(); err != nil {
		return err
	}
	return c.y.Enable()
}

// DisableMotors releases both drivers.
func (c *Controller) DisableMotors() error {
	if err := c.x.Disable(); err != nil {
		return err
	}
	return c.y.Disable()
}
