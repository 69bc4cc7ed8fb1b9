// Package imaging locates the exposure spot in camera frames and renders
// annotated previews and snapshots.
package imaging

import (
	"errors"
	"image"
	"math"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// ErrNoSpot is returned when no pixel rises above the detection threshold.
var ErrNoSpot = errors.New("no illumination spot found")

// FindSpot returns the location of the brightest peak of a 3x3 box-smoothed
// copy of img, refined to sub-pixel precision by an intensity-weighted
// centroid around the peak. threshold is a fraction of the full 16-bit range
// that the smoothed peak must exceed.
func FindSpot(img *image.Gray16, threshold float64) (geometry.Point, error) {
	b := img.Bounds()
	if b.Dx() < 3 || b.Dy() < 3 {
		return geometry.Point{}, ErrNoSpot
	}

	bestX, bestY := -1, -1
	var best uint32
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			var sum uint32
			for dy := -1; dy <= 1; dy++ {
				off := img.PixOffset(x-1, y+dy)
				for i := 0; i < 3; i++ {
					p := img.Pix[off+2*i : off+2*i+2]
					sum += uint32(p[0])<<8 | uint32(p[1])
				}
			}
			if sum > best {
				best, bestX, bestY = sum, x, y
			}
		}
	}

	peak := float64(best) / 9
	if bestX < 0 || peak <= threshold*math.MaxUint16 {
		debug.Verbose("FindSpot: peak %.0f below threshold %.2f", peak, threshold)
		return geometry.Point{}, ErrNoSpot
	}

	// Centroid over a 7x7 window, background taken as the window minimum.
	win := image.Rect(bestX-3, bestY-3, bestX+4, bestY+4).Intersect(b)
	low := uint16(math.MaxUint16)
	for y := win.Min.Y; y < win.Max.Y; y++ {
		for x := win.Min.X; x < win.Max.X; x++ {
			if v := img.Gray16At(x, y).Y; v < low {
				low = v
			}
		}
	}
	var sw, sx, sy float64
	for y := win.Min.Y; y < win.Max.Y; y++ {
		for x := win.Min.X; x < win.Max.X; x++ {
			w := float64(img.Gray16At(x, y).Y - low)
			sw += w
			sx += w * float64(x)
			sy += w * float64(y)
		}
	}
	spot := geometry.Point{X: float64(bestX), Y: float64(bestY)}
	if sw > 0 {
		spot = geometry.Point{X: sx / sw, Y: sy / sw}
	}
	debug.Info("Spot found at %s (peak %.0f)", spot, peak)
	return spot, nil
}
