// Package alignment tracks the reference pairs captured by the operator and
// the transform confirmed for a given position list.
package alignment

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

var (
	// ErrScaleMismatch means the fitted scale is too far from 1 for pattern
	// and stage to share units.
	ErrScaleMismatch = errors.New("alignment scale does not match pattern units")
	// ErrNotConfirmed is returned when no transform is confirmed for the requested list.
	ErrNotConfirmed = errors.New("alignment not confirmed for current position list")
)

// Session holds reference pairs and the derived transform.
// Safe for concurrent use.
type Session struct {
	mu                sync.Mutex
	maxScaleDeviation float64

	pairs     []geometry.Pair
	transform geometry.AffineTransform
	fitErr    error

	confirmed bool
	version   uint64
}

// NewSession creates an empty session. maxScaleDeviation is the allowed
// fractional deviation of the fitted scale from 1; 0 disables the check.
func NewSession(maxScaleDeviation float64) *Session {
	return &Session{
		maxScaleDeviation: maxScaleDeviation,
		fitErr:            &geometry.AlignmentError{Reason: "no reference pairs captured"},
	}
}

// AddPair records a reference pair and refits. The pair is kept even when the
// refit fails; the fit error is returned so the caller can report it.
// Any previous confirmation is dropped.
func (s *Session) AddPair(source, stage geometry.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, geometry.Pair{Source: source, Stage: stage})
	s.confirmed = false
	s.refit()
	if s.fitErr != nil && len(s.pairs) < 2 {
		// one pair is a normal intermediate state
		return nil
	}
	return s.fitErr
}

// Clear removes every pair and the confirmation.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = nil
	s.confirmed = false
	s.refit()
}

func (s *Session) refit() {
	s.transform, s.fitErr = geometry.Fit(s.pairs)
	if s.fitErr == nil {
		debug.Verbose("Alignment: %d pair(s), scale %.4f, rotation %.3f°, rmse %.3f µm",
			len(s.pairs), s.transform.Scale(), s.transform.Rotation()*180/math.Pi, geometry.RMSE(s.transform, s.pairs))
	}
}

// Pairs returns a copy of the captured pairs.
func (s *Session) Pairs() []geometry.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]geometry.Pair(nil), s.pairs...)
}

// Transform returns the current fit, or the fit error.
func (s *Session) Transform() (geometry.AffineTransform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transform, s.fitErr
}

// Confirm marks the current transform as valid for list version v.
func (s *Session) Confirm(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fitErr != nil {
		return s.fitErr
	}
	if s.maxScaleDeviation > 0 {
		if dev := math.Abs(s.transform.Scale() - 1); dev > s.maxScaleDeviation {
			return fmt.Errorf("%w: fitted scale %.4f deviates %.1f%% (limit %.1f%%)",
				ErrScaleMismatch, s.transform.Scale(), dev*100, s.maxScaleDeviation*100)
		}
	}
	s.confirmed = true
	s.version = v
	debug.Info("Alignment confirmed for list version %d (%d pairs)", v, len(s.pairs))
	return nil
}

// ConfirmedFor reports whether the transform is confirmed for list version v.
func (s *Session) ConfirmedFor(v uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed && s.version == v
}

// TransformFor returns the transform only if it is confirmed for list version v.
func (s *Session) TransformFor(v uint64) (geometry.AffineTransform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.confirmed || s.version != v {
		return geometry.AffineTransform{}, ErrNotConfirmed
	}
	return s.transform, nil
}

// Invalidate drops the confirmation but keeps the pairs.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = false
}

// Summary describes the session state for status displays.
type Summary struct {
	Pairs     []geometry.Pair           `json:"pairs"`
	Transform *geometry.AffineTransform `json:"transform,omitempty"`
	RMSE      float64                   `json:"rmse_um"`
	FitError  string                    `json:"fit_error,omitempty"`
	Confirmed bool                      `json:"confirmed"`
	Version   uint64                    `json:"confirmed_version,omitempty"`
}

// Summary returns a snapshot of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Summary{
		Pairs:     append([]geometry.Pair(nil), s.pairs...),
		Confirmed: s.confirmed,
	}
	if s.confirmed {
		out.Version = s.version
	}
	if s.fitErr != nil {
		out.FitError = s.fitErr.Error()
	} else {
		t := s.transform
		out.Transform = &t
		out.RMSE = geometry.RMSE(t, s.pairs)
	}
	return out
}
