package geometry

import (
	"errors"
	"fmt"
)

// MaxGridPoints bounds the size of a generated grid.
const MaxGridPoints = 100_000

// ErrInvalidGrid is wrapped by every GridPlan validation error.
var ErrInvalidGrid = errors.New("invalid grid")

// GridPlan describes a rectangular array of points in pattern space, used
// for dose tests and calibration arrays.
type GridPlan struct {
	Origin     Point `json:"origin"`     // first point (column 0, row 0)
	Pitch      Point `json:"pitch"`      // spacing between columns (X) and rows (Y)
	Columns    int   `json:"columns"`    // number of points along X
	Rows       int   `json:"rows"`       // number of points along Y
	Serpentine bool  `json:"serpentine"` // reverse every other column to shorten travel
}

// Validate checks that the plan produces a bounded, finite grid.
func (g GridPlan) Validate() error {
	switch {
	case g.Columns < 1 || g.Rows < 1:
		return fmt.Errorf("%w: columns and rows must be >= 1, got %dx%d", ErrInvalidGrid, g.Columns, g.Rows)
	case g.Columns > MaxGridPoints/g.Rows:
		return fmt.Errorf("%w: %dx%d exceeds %d points", ErrInvalidGrid, g.Columns, g.Rows, MaxGridPoints)
	case !g.Origin.IsFinite() || !g.Pitch.IsFinite():
		return fmt.Errorf("%w: origin and pitch must be finite", ErrInvalidGrid)
	}
	return nil
}

// Points lists the grid column by column. Column 0 runs from row 0 upward;
// with Serpentine, odd columns run back down.
func (g GridPlan) Points() []Point {
	if g.Columns < 1 || g.Rows < 1 {
		return nil
	}
	pts := make([]Point, 0, g.Columns*g.Rows)
	for col := 0; col < g.Columns; col++ {
		reverse := g.Serpentine && col%2 == 1
		for i := 0; i < g.Rows; i++ {
			row := i
			if reverse {
				row = g.Rows - 1 - i
			}
			pts = append(pts, Point{
				X: g.Origin.X + float64(col)*g.Pitch.X,
				Y: g.Origin.Y + float64(row)*g.Pitch.Y,
			})
		}
	}
	return pts
}
