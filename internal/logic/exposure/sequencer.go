// Package exposure moves the stage through a point list and fires one timed
// exposure per point.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/hw/shutter"
	"github.com/cjeanneret/LithoGo/internal/hw/stage"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// Observer receives progress events on the run goroutine. It must not block.
type Observer func(Event)

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithObserver registers fn for progress events.
func WithObserver(fn Observer) Option {
	return func(s *Sequencer) { s.observers = append(s.observers, fn) }
}

// Sequencer owns the stage and the shutter for the duration of a run.
type Sequencer struct {
	stage     stage.Stage
	shutter   shutter.Shutter
	observers []Observer

	mu       sync.Mutex
	state    RunState
	running  bool
	cancelCh chan struct{}
	once     *sync.Once
}

// New creates a sequencer over the given devices.
func New(st stage.Stage, sh shutter.Shutter, opts ...Option) *Sequencer {
	s := &Sequencer{stage: st, shutter: sh, state: RunState{State: Idle, Index: -1}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns a snapshot of the current or last run.
func (s *Sequencer) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a run is in progress.
func (s *Sequencer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Cancel asks the active run to stop at the next safe boundary: an exposure
// in progress completes and the shutter closes first. Returns false when no
// run is active.
func (s *Sequencer) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.once.Do(func() { close(s.cancelCh) })
	debug.Info("Run %s: cancel requested", s.state.ID)
	return true
}

// Run exposes every point in order and blocks until the run ends.
//
// Operator cancellation returns ErrCancelled after the current exposure.
// Cancelling ctx aborts immediately, closes the shutter and returns an error
// wrapping both ErrCancelled and ctx.Err(). A device error returns a
// *FaultError. The shutter is closed on every exit path.
func (s *Sequencer) Run(ctx context.Context, points []geometry.Point, settings Settings) (RunState, error) {
	settings, err := settings.Validate()
	if err != nil {
		return s.State(), err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return s.State(), ErrBusy
	}
	r := &run{
		seq:      s,
		points:   points,
		settings: settings,
		cancelCh: make(chan struct{}),
	}
	s.cancelCh = r.cancelCh
	s.once = &sync.Once{}
	s.state = RunState{
		ID:        uuid.New(),
		State:     Running,
		Index:     -1,
		Total:     len(points),
		StartedAt: time.Now(),
	}
	r.id = s.state.ID
	if len(points) == 0 {
		s.state.State = Completed
		s.state.FinishedAt = s.state.StartedAt
		st := s.state
		s.mu.Unlock()
		debug.Info("Run %s: empty position list, nothing to expose", st.ID)
		s.emit(Event{Kind: RunFinished, RunID: st.ID, Index: -1, State: Completed})
		return st, nil
	}
	s.running = true
	s.mu.Unlock()

	debug.Summary(fmt.Sprintf("Exposure run %s: %d point(s), %v x %d", r.id, len(points), settings.Duration, settings.Repeat))
	s.emit(Event{Kind: RunStarted, RunID: r.id, Index: -1, Total: len(points), State: Running})

	final, runErr := r.execute(ctx)

	s.mu.Lock()
	s.state.State = final
	s.state.Err = runErr
	if runErr != nil {
		s.state.Error = runErr.Error()
	}
	s.state.FinishedAt = time.Now()
	s.running = false
	st := s.state
	s.mu.Unlock()

	if runErr != nil && final == Faulted {
		debug.Error(runErr)
	}
	debug.Info("Run %s finished: %s at point %d/%d", st.ID, st.State, st.Index+1, st.Total)
	s.emit(Event{Kind: RunFinished, RunID: st.ID, Index: st.Index, Total: st.Total, State: st.State, Error: st.Error})
	return st, runErr
}

func (s *Sequencer) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, fn := range s.observers {
		fn(ev)
	}
}

func (s *Sequencer) setIndex(i int) {
	s.mu.Lock()
	s.state.Index = i
	s.mu.Unlock()
}

// run holds the per-run loop state.
type run struct {
	seq      *Sequencer
	id       uuid.UUID
	points   []geometry.Point
	settings Settings
	cancelCh chan struct{}

	mayBeOpen bool
}

func (r *run) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

func (r *run) execute(ctx context.Context) (final State, err error) {
	sh := r.seq.shutter

	// The shutter is closed on every exit path, without ctx.
	r.mayBeOpen = true
	defer func() {
		if !r.mayBeOpen {
			return
		}
		if cerr := sh.Close(); cerr != nil {
			debug.Error(fmt.Errorf("closing shutter after run: %w", cerr))
			if err == nil {
				final, err = Faulted, &FaultError{Index: r.seq.State().Index, Op: "close", Err: cerr}
			}
		}
	}()

	if err := sh.Close(); err != nil {
		return Faulted, &FaultError{Index: -1, Op: "close", Err: err}
	}
	r.mayBeOpen = false

	total := len(r.points)
	for i, p := range r.points {
		if r.cancelled() {
			return Cancelled, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return Cancelled, fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		r.seq.setIndex(i)
		r.seq.emit(Event{Kind: PointMoving, RunID: r.id, Index: i, Total: total, Point: p, State: Running})
		debug.Move(i, total, p.X, p.Y)
		if err := r.move(ctx, p); err != nil {
			if ctx.Err() != nil {
				return Cancelled, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			return Faulted, &FaultError{Index: i, Point: p, Op: "move", Err: err}
		}

		if r.settings.SettleDelay > 0 {
			if stop, err := r.wait(ctx, r.settings.SettleDelay, true); stop {
				return r.stopState(err)
			}
		}
		// a cancel that arrived during the move stops before exposing
		if r.cancelled() {
			return Cancelled, ErrCancelled
		}

		for pulse := 1; pulse <= r.settings.Repeat; pulse++ {
			if state, err := r.expose(ctx, i, p, pulse); err != nil {
				return state, err
			}
			// every point is exposed after the final pulse: only ctx ends that wait
			final := i == total-1 && pulse == r.settings.Repeat
			if r.settings.PostExposureDelay > 0 {
				if stop, err := r.wait(ctx, r.settings.PostExposureDelay, !final); stop {
					return r.stopState(err)
				}
			}
			if pulse < r.settings.Repeat && r.cancelled() {
				return Cancelled, ErrCancelled
			}
		}
	}
	return Completed, nil
}

func (r *run) stopState(err error) (State, error) {
	if err != nil {
		return Cancelled, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return Cancelled, ErrCancelled
}

// expose runs one open/wait/close pulse. Only ctx interrupts the wait.
func (r *run) expose(ctx context.Context, i int, p geometry.Point, pulse int) (State, error) {
	sh := r.seq.shutter
	total := len(r.points)

	r.seq.emit(Event{Kind: PointExposing, RunID: r.id, Index: i, Total: total, Point: p, Pulse: pulse, State: Running})
	r.mayBeOpen = true
	if err := sh.Open(); err != nil {
		return Faulted, &FaultError{Index: i, Point: p, Op: "open", Err: err}
	}
	// exposure time counts from the moment Open returned
	opened := time.Now()
	_, ctxErr := r.wait(ctx, r.settings.Duration, false)
	if err := sh.Close(); err != nil {
		return Faulted, &FaultError{Index: i, Point: p, Op: "close", Err: err}
	}
	r.mayBeOpen = false
	if ctxErr != nil {
		debug.Info("Run %s: exposure of point %d aborted after %v", r.id, i+1, time.Since(opened).Round(time.Millisecond))
		return Cancelled, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	debug.Exposure(i, total, time.Since(opened).Milliseconds())
	r.seq.emit(Event{Kind: PointExposed, RunID: r.id, Index: i, Total: total, Point: p, Pulse: pulse, State: Running})
	return Running, nil
}

// wait sleeps for d. It returns stop=true with ctx.Err() if ctx ends, or
// stop=true with a nil error on operator cancel when interruptible.
func (r *run) wait(ctx context.Context, d time.Duration, interruptible bool) (bool, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	cancelCh := r.cancelCh
	if !interruptible {
		cancelCh = nil
	}
	select {
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return true, ctx.Err()
	case <-cancelCh:
		return true, nil
	}
}

// move performs one bounded move, retrying on timeout only.
func (r *run) move(ctx context.Context, p geometry.Point) error {
	var err error
	for attempt := 0; attempt <= r.settings.MoveRetries; attempt++ {
		err = r.moveOnce(ctx, p)
		if err == nil || ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		debug.Live("Move to %v timed out (attempt %d/%d)", p, attempt+1, r.settings.MoveRetries+1)
	}
	return err
}

func (r *run) moveOnce(ctx context.Context, p geometry.Point) error {
	if r.settings.MoveTimeout <= 0 {
		return r.seq.stage.MoveTo(ctx, p)
	}
	mctx, cancel := context.WithTimeout(ctx, r.settings.MoveTimeout)
	defer cancel()
	if err := r.seq.stage.MoveTo(mctx, p); err != nil {
		if mctx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("move timed out after %v: %w", r.settings.MoveTimeout, context.DeadlineExceeded)
		}
		return err
	}
	return nil
}
