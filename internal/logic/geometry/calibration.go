package geometry

import (
	"errors"
	"math"
)

// Calibration relates camera pixels to stage micrometres.
//
// OriginPx is the pixel where the exposure spot lands: when the stage sits at
// position S, the sample feature under OriginPx is the one that gets exposed.
// A feature seen at pixel P is therefore reached by moving the stage to
// S + (P - OriginPx) * UmPerPixel, with the optional axis flips applied.
type Calibration struct {
	OriginPx   Point
	UmPerPixel float64
	FlipX      bool
	FlipY      bool
}

// Validate checks the calibration can be used for conversions.
func (c Calibration) Validate() error {
	if !(c.UmPerPixel > 0) || math.IsInf(c.UmPerPixel, 0) {
		return errors.New("um_per_pixel must be > 0")
	}
	if !c.OriginPx.IsFinite() {
		return errors.New("origin pixel must be finite")
	}
	return nil
}

// PixelToStage returns the stage position that brings the feature seen at
// pixel px under the exposure spot, given the current stage position.
func (c Calibration) PixelToStage(px, stagePos Point) Point {
	d := px.Sub(c.OriginPx).Scale(c.UmPerPixel)
	if c.FlipX {
		d.X = -d.X
	}
	if c.FlipY {
		d.Y = -d.Y
	}
	return stagePos.Add(d)
}

// StageToPixel is the inverse of PixelToStage: where a stage target appears
// in the current camera frame.
func (c Calibration) StageToPixel(target, stagePos Point) Point {
	d := target.Sub(stagePos)
	if c.FlipX {
		d.X = -d.X
	}
	if c.FlipY {
		d.Y = -d.Y
	}
	return c.OriginPx.Add(d.Scale(1 / c.UmPerPixel))
}
