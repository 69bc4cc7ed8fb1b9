package camera

import (
	"context"
	"image"
)

// Camera is the high-level interface used by the rest of the application.
// It represents the microscope camera regardless of how frames are acquired.
type Camera interface {
	// Snap acquires one 16-bit monochrome frame.
	Snap(ctx context.Context) (*image.Gray16, error)
	// Resolution returns the frame size in pixels.
	Resolution() image.Point
}
