package exposure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/LithoGo/internal/hw/shutter"
	"github.com/cjeanneret/LithoGo/internal/hw/stage"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// recorder logs stage and shutter commands in one ordered list.
type recorder struct {
	mu    sync.Mutex
	calls []string
	times []time.Time
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) timeOf(i int) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.times[i]
}

type fakeStage struct {
	rec *recorder

	mu     sync.Mutex
	n      int
	failAt map[int]error
	hangN  int // the first hangN calls block until ctx ends
}

func (f *fakeStage) MoveTo(ctx context.Context, p geometry.Point) error {
	f.rec.add("move " + p.String())
	f.mu.Lock()
	call := f.n
	f.n++
	err := f.failAt[call]
	hang := call < f.hangN
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeStage) Position(ctx context.Context) (geometry.Point, error) {
	return geometry.Point{}, nil
}

type fakeShutter struct {
	rec *recorder

	mu       sync.Mutex
	open     bool
	openErr  error
	closeErr error
}

func (f *fakeShutter) Open() error {
	f.rec.add("open")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeShutter) Close() error {
	f.rec.add("close")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.open = false
	return nil
}

func (f *fakeShutter) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

var (
	_ stage.Stage     = (*fakeStage)(nil)
	_ shutter.Shutter = (*fakeShutter)(nil)
)

func newRig(opts ...Option) (*Sequencer, *fakeStage, *fakeShutter, *recorder) {
	rec := &recorder{}
	st := &fakeStage{rec: rec, failAt: map[int]error{}}
	sh := &fakeShutter{rec: rec}
	return New(st, sh, opts...), st, sh, rec
}

func line(n int) []geometry.Point {
	pts := make([]geometry.Point, n)
	for i := range pts {
		pts[i] = geometry.Point{X: float64(i * 10), Y: float64(i)}
	}
	return pts
}

func fast() Settings {
	return Settings{Duration: time.Millisecond}
}

func expectedCalls(points []geometry.Point, pulses int) []string {
	want := []string{"close"}
	for _, p := range points {
		want = append(want, "move "+p.String())
		for i := 0; i < pulses; i++ {
			want = append(want, "open", "close")
		}
	}
	return want
}

func TestRun_FivePointsInOrder(t *testing.T) {
	seq, _, sh, rec := newRig()
	pts := line(5)

	st, err := seq.Run(context.Background(), pts, fast())
	require.NoError(t, err)

	assert.Equal(t, expectedCalls(pts, 1), rec.list())
	assert.Equal(t, Completed, st.State)
	assert.Equal(t, 4, st.Index)
	assert.Equal(t, 5, st.Total)
	assert.NotEqual(t, [16]byte{}, [16]byte(st.ID))
	assert.False(t, sh.isOpen())
	assert.False(t, seq.Busy())
}

func TestRun_EmptyListTouchesNoHardware(t *testing.T) {
	var events []Event
	seq, _, _, rec := newRig(WithObserver(func(e Event) { events = append(events, e) }))

	st, err := seq.Run(context.Background(), nil, fast())
	require.NoError(t, err)
	assert.Equal(t, Completed, st.State)
	assert.Empty(t, rec.list())
	require.Len(t, events, 1)
	assert.Equal(t, RunFinished, events[0].Kind)
}

func TestRun_InvalidSettings(t *testing.T) {
	seq, _, _, rec := newRig()
	for _, s := range []Settings{
		{Duration: 0},
		{Duration: -time.Second},
		{Duration: time.Millisecond, Repeat: -1},
		{Duration: time.Millisecond, SettleDelay: -1},
		{Duration: time.Millisecond, MoveRetries: -1},
	} {
		_, err := seq.Run(context.Background(), line(2), s)
		assert.ErrorIs(t, err, ErrInvalidSettings, "%+v", s)
	}
	assert.Empty(t, rec.list())
}

func TestRun_CancelDuringThirdExposureFinishesIt(t *testing.T) {
	var seq *Sequencer
	var exposed []int
	seq, _, sh, rec := newRig(WithObserver(func(e Event) {
		switch {
		case e.Kind == PointExposing && e.Index == 2:
			assert.True(t, seq.Cancel())
		case e.Kind == PointExposed:
			exposed = append(exposed, e.Index)
		}
	}))
	pts := line(5)

	st, err := seq.Run(context.Background(), pts, fast())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Cancelled, st.State)
	assert.Equal(t, 2, st.Index)
	assert.Equal(t, []int{0, 1, 2}, exposed, "the exposure in progress must complete")
	assert.Equal(t, expectedCalls(pts[:3], 1), rec.list())
	assert.False(t, sh.isOpen())
}

func TestRun_CancelDuringFinalPostDelayCompletes(t *testing.T) {
	var seq *Sequencer
	seq, _, sh, rec := newRig(WithObserver(func(e Event) {
		if e.Kind == PointExposed && e.Index == 2 {
			seq.Cancel()
		}
	}))
	pts := line(3)
	settings := fast()
	settings.PostExposureDelay = 50 * time.Millisecond

	st, err := seq.Run(context.Background(), pts, settings)
	require.NoError(t, err)
	assert.Equal(t, Completed, st.State, "every point was exposed")
	assert.Equal(t, 2, st.Index)
	assert.Equal(t, expectedCalls(pts, 1), rec.list())
	assert.False(t, sh.isOpen())
}

func TestRun_CancelDuringEarlierPostDelayStops(t *testing.T) {
	var seq *Sequencer
	seq, _, _, rec := newRig(WithObserver(func(e Event) {
		if e.Kind == PointExposed && e.Index == 1 {
			seq.Cancel()
		}
	}))
	pts := line(3)
	settings := fast()
	settings.PostExposureDelay = 50 * time.Millisecond

	st, err := seq.Run(context.Background(), pts, settings)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Cancelled, st.State)
	assert.Equal(t, expectedCalls(pts[:2], 1), rec.list())
}

func TestRun_InitialCloseFaultNamesNoPoint(t *testing.T) {
	seq, _, sh, rec := newRig()
	sh.closeErr = errors.New("port gone")

	rs, err := seq.Run(context.Background(), line(3), fast())
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, -1, fe.Index)
	assert.Equal(t, geometry.Point{}, fe.Point)
	assert.Contains(t, fe.Error(), "before the first point")
	assert.Equal(t, Faulted, rs.State)
	assert.Equal(t, -1, rs.Index)
	assert.NotContains(t, rec.list(), "move "+line(3)[0].String())
}

func TestRun_CancelDuringMoveStopsBeforeExposing(t *testing.T) {
	var seq *Sequencer
	seq, _, sh, rec := newRig(WithObserver(func(e Event) {
		if e.Kind == PointMoving && e.Index == 3 {
			seq.Cancel()
		}
	}))
	pts := line(5)

	st, err := seq.Run(context.Background(), pts, fast())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 3, st.Index)
	want := append(expectedCalls(pts[:3], 1), "move "+pts[3].String())
	assert.Equal(t, want, rec.list())
	assert.False(t, sh.isOpen())
}

func TestRun_CancelWithoutRun(t *testing.T) {
	seq, _, _, _ := newRig()
	assert.False(t, seq.Cancel())
}

func TestRun_MoveFaultOnSecondPoint(t *testing.T) {
	seq, st, sh, rec := newRig()
	boom := errors.New("limit switch hit")
	st.failAt[1] = boom
	pts := line(5)

	rs, err := seq.Run(context.Background(), pts, fast())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHardwareFault)
	assert.ErrorIs(t, err, boom)

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Index)
	assert.Equal(t, "move", fe.Op)
	assert.Equal(t, pts[1], fe.Point)

	assert.Equal(t, Faulted, rs.State)
	assert.Equal(t, 1, rs.Index)
	assert.NotEmpty(t, rs.Error)
	assert.False(t, sh.isOpen())
	assert.Equal(t, append(expectedCalls(pts[:1], 1), "move "+pts[1].String()), rec.list())
}

func TestRun_OpenFaultClosesShutter(t *testing.T) {
	seq, _, sh, rec := newRig()
	sh.openErr = errors.New("relay stuck")

	_, err := seq.Run(context.Background(), line(3), fast())
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "open", fe.Op)
	assert.Equal(t, 0, fe.Index)
	calls := rec.list()
	assert.Equal(t, "close", calls[len(calls)-1], "a failed open must be followed by a close")
}

func TestRun_CloseFault(t *testing.T) {
	seq, _, sh, _ := newRig(WithObserver(func(e Event) {}))
	pts := line(3)

	// let the initial close succeed, then fail the next one
	var once sync.Once
	seq.observers = append(seq.observers, func(e Event) {
		if e.Kind == PointExposing {
			once.Do(func() {
				sh.mu.Lock()
				sh.closeErr = errors.New("no ack")
				sh.mu.Unlock()
			})
		}
	})

	rs, err := seq.Run(context.Background(), pts, fast())
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "close", fe.Op)
	assert.Equal(t, Faulted, rs.State)
}

func TestRun_ContextCancelAbortsExposure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq, _, sh, rec := newRig(WithObserver(func(e Event) {
		if e.Kind == PointExposing && e.Index == 1 {
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()
		}
	}))

	start := time.Now()
	rs, err := seq.Run(ctx, line(4), Settings{Duration: 10 * time.Second})
	assert.Less(t, time.Since(start), 5*time.Second, "shutdown must not wait for the exposure")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Cancelled, rs.State)
	assert.Equal(t, 1, rs.Index)
	calls := rec.list()
	assert.Equal(t, "close", calls[len(calls)-1])
	assert.False(t, sh.isOpen())
}

func TestRun_ExposureDurationFromOpen(t *testing.T) {
	seq, _, _, rec := newRig()
	d := 30 * time.Millisecond

	_, err := seq.Run(context.Background(), line(1), Settings{Duration: d})
	require.NoError(t, err)
	// calls: close, move, open, close
	require.Len(t, rec.list(), 4)
	assert.GreaterOrEqual(t, rec.timeOf(3).Sub(rec.timeOf(2)), d)
}

func TestRun_Repeat(t *testing.T) {
	seq, _, _, rec := newRig()
	pts := line(2)
	_, err := seq.Run(context.Background(), pts, Settings{Duration: time.Millisecond, Repeat: 3})
	require.NoError(t, err)
	assert.Equal(t, expectedCalls(pts, 3), rec.list())
}

func TestRun_MoveTimeoutRetried(t *testing.T) {
	seq, st, _, rec := newRig()
	st.hangN = 2
	pts := line(2)

	_, err := seq.Run(context.Background(), pts, Settings{
		Duration:    time.Millisecond,
		MoveTimeout: 10 * time.Millisecond,
		MoveRetries: 2,
	})
	require.NoError(t, err)
	move0 := "move " + pts[0].String()
	assert.Equal(t, []string{"close", move0, move0, move0, "open", "close", "move " + pts[1].String(), "open", "close"}, rec.list())
}

func TestRun_MoveTimeoutExhausted(t *testing.T) {
	seq, st, _, _ := newRig()
	st.hangN = 10

	rs, err := seq.Run(context.Background(), line(2), Settings{
		Duration:    time.Millisecond,
		MoveTimeout: 5 * time.Millisecond,
		MoveRetries: 1,
	})
	assert.ErrorIs(t, err, ErrHardwareFault)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Faulted, rs.State)
	assert.Equal(t, 0, rs.Index)
}

func TestRun_NonTimeoutErrorNotRetried(t *testing.T) {
	seq, st, _, rec := newRig()
	st.failAt[0] = errors.New("driver fault")

	_, err := seq.Run(context.Background(), line(2), Settings{Duration: time.Millisecond, MoveTimeout: time.Second, MoveRetries: 3})
	assert.ErrorIs(t, err, ErrHardwareFault)
	assert.Equal(t, []string{"close", "move " + line(1)[0].String()}, rec.list())
}

func TestRun_BusyAndRestart(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	seq, _, _, _ := newRig(WithObserver(func(e Event) {
		if e.Kind == PointExposing {
			once.Do(func() { close(started) })
		}
	}))

	done := make(chan error, 1)
	go func() {
		_, err := seq.Run(context.Background(), line(3), Settings{Duration: 50 * time.Millisecond})
		done <- err
	}()
	<-started

	assert.True(t, seq.Busy())
	_, err := seq.Run(context.Background(), line(1), fast())
	assert.ErrorIs(t, err, ErrBusy)

	seq.Cancel()
	assert.ErrorIs(t, <-done, ErrCancelled)
	assert.Equal(t, Cancelled, seq.State().State)

	// the sequencer accepts a new run afterwards
	rs, err := seq.Run(context.Background(), line(1), fast())
	require.NoError(t, err)
	assert.Equal(t, Completed, rs.State)
}

func TestRun_Deterministic(t *testing.T) {
	seqA, _, _, recA := newRig()
	seqB, _, _, recB := newRig()
	pts := line(4)
	s := Settings{Duration: time.Millisecond, Repeat: 2, PostExposureDelay: time.Millisecond}

	_, errA := seqA.Run(context.Background(), pts, s)
	_, errB := seqB.Run(context.Background(), pts, s)
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, recA.list(), recB.list())
}

func TestRun_EventSequence(t *testing.T) {
	var kinds []string
	seq, _, _, _ := newRig(WithObserver(func(e Event) {
		kinds = append(kinds, fmt.Sprintf("%s:%d", e.Kind, e.Index))
	}))

	_, err := seq.Run(context.Background(), line(2), fast())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"run_started:-1",
		"point_moving:0", "point_exposing:0", "point_exposed:0",
		"point_moving:1", "point_exposing:1", "point_exposed:1",
		"run_finished:1",
	}, kinds)
}

func TestSettings_ValidateDefaultsRepeat(t *testing.T) {
	s, err := Settings{Duration: time.Second}.Validate()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Repeat)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, Faulted.Terminal())
	assert.False(t, Running.Terminal())
	b, _ := Completed.MarshalText()
	assert.Equal(t, "completed", string(b))

	var st State
	require.NoError(t, st.UnmarshalText([]byte("faulted")))
	assert.Equal(t, Faulted, st)
	assert.Error(t, st.UnmarshalText([]byte("exploded")))
}
