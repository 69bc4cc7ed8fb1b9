package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalibration_Validate(t *testing.T) {
	assert.NoError(t, Calibration{OriginPx: Point{1106, 1149}, UmPerPixel: 0.1705}.Validate())
	assert.Error(t, Calibration{UmPerPixel: 0}.Validate())
	assert.Error(t, Calibration{UmPerPixel: math.Inf(1)}.Validate())
	assert.Error(t, Calibration{UmPerPixel: 1, OriginPx: Point{math.NaN(), 0}}.Validate())
}

func TestCalibration_PixelToStage(t *testing.T) {
	c := Calibration{OriginPx: Point{X: 1106, Y: 1149}, UmPerPixel: 0.1705, FlipX: true}
	stage := Point{X: 5000, Y: 3000}

	// the origin pixel is already under the spot
	assertPointNear(t, stage, c.PixelToStage(c.OriginPx, stage))

	got := c.PixelToStage(Point{X: 1206, Y: 1049}, stage)
	assertPointNear(t, Point{X: 5000 - 17.05, Y: 3000 - 17.05}, got)
}

func TestCalibration_StageToPixelInverts(t *testing.T) {
	for _, c := range []Calibration{
		{OriginPx: Point{1106, 1149}, UmPerPixel: 0.1705},
		{OriginPx: Point{640, 480}, UmPerPixel: 0.5, FlipX: true, FlipY: true},
	} {
		stage := Point{X: -120, Y: 75}
		px := Point{X: 900.5, Y: 1400.25}
		target := c.PixelToStage(px, stage)
		got := c.StageToPixel(target, stage)
		assert.InDelta(t, px.X, got.X, 1e-6)
		assert.InDelta(t, px.Y, got.Y, 1e-6)
	}
}
