// Package stage moves the sample under the exposure spot.
package stage

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// ErrMoveFailed is returned by Mock when a failure is injected.
var ErrMoveFailed = errors.New("stage move failed")

// Stage is an XY positioner working in micrometres.
// MoveTo blocks until motion is complete or ctx ends.
type Stage interface {
	MoveTo(ctx context.Context, p geometry.Point) error
	Position(ctx context.Context) (geometry.Point, error)
}

// Mock simulates travel time at a fixed speed and records every target.
type Mock struct {
	speed float64 // µm/s; 0 = instantaneous

	mu      sync.Mutex
	pos     geometry.Point
	targets []geometry.Point
	failAt  map[int]error // call index → error
	calls   int
}

// NewMock returns a mock stage at the origin.
func NewMock(speedUmPerS float64) *Mock {
	return &Mock{speed: speedUmPerS}
}

// FailOn makes the n-th MoveTo call (zero-based) return err.
func (m *Mock) FailOn(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt == nil {
		m.failAt = make(map[int]error)
	}
	m.failAt[n] = err
}

func (m *Mock) MoveTo(ctx context.Context, p geometry.Point) error {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.targets = append(m.targets, p)
	from := m.pos
	err := m.failAt[call]
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if m.speed > 0 {
		travel := time.Duration(from.Dist(p) / m.speed * float64(time.Second))
		debug.Trace("Stage (mock): %v -> %v in %v", from, p, travel)
		t := time.NewTimer(travel)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.pos = p
	m.mu.Unlock()
	return nil
}

func (m *Mock) Position(ctx context.Context) (geometry.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, nil
}

// SetPosition teleports the mock.
func (m *Mock) SetPosition(p geometry.Point) {
	m.mu.Lock()
	m.pos = p
	m.mu.Unlock()
}

// Targets returns every MoveTo target in call order, including failed ones.
func (m *Mock) Targets() []geometry.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]geometry.Point(nil), m.targets...)
}

// near reports whether a and b agree within tol on both axes.
func near(a, b geometry.Point, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol
}
