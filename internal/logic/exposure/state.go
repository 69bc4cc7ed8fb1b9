package exposure

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

var (
	// ErrHardwareFault is wrapped by every FaultError.
	ErrHardwareFault = errors.New("hardware fault")
	// ErrCancelled marks a run stopped by the operator or by shutdown.
	ErrCancelled = errors.New("run cancelled")
	// ErrBusy is returned when a run is already in progress.
	ErrBusy = errors.New("a run is already in progress")
	// ErrInvalidSettings is returned for unusable exposure settings.
	ErrInvalidSettings = errors.New("invalid exposure settings")
)

// FaultError reports the point and operation on which a device failed.
// Index is zero-based; -1 when the fault happened before the first point.
type FaultError struct {
	Index int
	Point geometry.Point
	Op    string // "move", "open" or "close"
	Err   error
}

func (e *FaultError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %s failed before the first point: %v", ErrHardwareFault, e.Op, e.Err)
	}
	return fmt.Sprintf("%v: %s failed at point %d %v: %v", ErrHardwareFault, e.Op, e.Index+1, e.Point, e.Err)
}

func (e *FaultError) Unwrap() []error { return []error{ErrHardwareFault, e.Err} }

// State is the sequencer lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Completed
	Cancelled
	Faulted
)

var stateNames = [...]string{"idle", "running", "completed", "cancelled", "faulted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Faulted
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", b)
}

// Settings are shared by every point of a run.
type Settings struct {
	Duration          time.Duration `json:"duration"`            // shutter open time per pulse
	Repeat            int           `json:"repeat"`              // pulses per point; 0 means 1
	PostExposureDelay time.Duration `json:"post_exposure_delay"` // after each close
	SettleDelay       time.Duration `json:"settle_delay"`        // after each move, before opening
	MoveTimeout       time.Duration `json:"move_timeout"`        // 0 = unbounded
	MoveRetries       int           `json:"move_retries"`        // extra attempts after a move timeout
}

// Validate checks s and returns a copy with defaults applied.
func (s Settings) Validate() (Settings, error) {
	switch {
	case s.Duration <= 0:
		return s, fmt.Errorf("%w: duration must be > 0, got %v", ErrInvalidSettings, s.Duration)
	case s.Repeat < 0:
		return s, fmt.Errorf("%w: repeat must be >= 0, got %d", ErrInvalidSettings, s.Repeat)
	case s.PostExposureDelay < 0, s.SettleDelay < 0, s.MoveTimeout < 0:
		return s, fmt.Errorf("%w: delays and timeouts must be >= 0", ErrInvalidSettings)
	case s.MoveRetries < 0:
		return s, fmt.Errorf("%w: move retries must be >= 0, got %d", ErrInvalidSettings, s.MoveRetries)
	}
	if s.Repeat == 0 {
		s.Repeat = 1
	}
	return s, nil
}

// RunState describes the current or last run. Index is zero-based; -1 before
// the first point is reached.
type RunState struct {
	ID         uuid.UUID `json:"id"`
	State      State     `json:"state"`
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	Err        error     `json:"-"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// EventKind names a progress event.
type EventKind string

const (
	RunStarted    EventKind = "run_started"
	PointMoving   EventKind = "point_moving"
	PointExposing EventKind = "point_exposing"
	PointExposed  EventKind = "point_exposed"
	RunFinished   EventKind = "run_finished"
)

// Event is delivered to observers as the run progresses.
type Event struct {
	Kind  EventKind      `json:"kind"`
	RunID uuid.UUID      `json:"run_id"`
	Index int            `json:"index"`
	Total int            `json:"total"`
	Point geometry.Point `json:"point"`
	Pulse int            `json:"pulse,omitempty"` // 1-based, exposing/exposed only
	State State          `json:"state"`
	Error string         `json:"error,omitempty"`
	Time  time.Time      `json:"time"`
}
