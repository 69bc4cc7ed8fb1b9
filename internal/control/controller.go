// Package control owns the session state (position list, alignment, run) in a
// single goroutine and serves commands from the web and terminal front ends.
package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/hw/camera"
	"github.com/cjeanneret/LithoGo/internal/hw/shutter"
	"github.com/cjeanneret/LithoGo/internal/hw/stage"
	"github.com/cjeanneret/LithoGo/internal/imaging"
	"github.com/cjeanneret/LithoGo/internal/logic/alignment"
	"github.com/cjeanneret/LithoGo/internal/logic/exposure"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
	"github.com/cjeanneret/LithoGo/internal/logic/positions"
)

var (
	ErrNoPositions = errors.New("no position list loaded")
	ErrNotRunning  = errors.New("no run in progress")
	ErrNoCamera    = errors.New("no camera configured")
	ErrStopped     = errors.New("controller stopped")
)

// DefaultSpotThreshold is the fraction of full scale the illumination spot
// must exceed in EstimateOrigin.
const DefaultSpotThreshold = 0.2

// Deps are the devices and defaults the controller works with.
type Deps struct {
	Stage   stage.Stage
	Shutter shutter.Shutter
	Camera  camera.Camera // optional

	Calibration       geometry.Calibration
	Settings          exposure.Settings
	Positions         positions.Options
	MaxScaleDeviation float64
	SpotThreshold     float64
}

type request struct {
	ctx   context.Context
	cmd   Command
	reply chan response
}

type response struct {
	reply Reply
	err   error
}

type runResult struct {
	state exposure.RunState
	err   error
}

// Controller serialises every command on the goroutine started by Run.
type Controller struct {
	deps Deps
	seq  *exposure.Sequencer

	reqs    chan request
	done    chan struct{}
	runDone chan runResult

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	cancelPending atomic.Bool

	// Owned by the Run goroutine.
	runCtx      context.Context
	list        *positions.List
	version     uint64
	align       *alignment.Session
	cal         geometry.Calibration
	running     bool
	shutterOpen bool
}

// New creates a controller. Run must be called before Submit.
func New(d Deps) *Controller {
	if d.SpotThreshold <= 0 {
		d.SpotThreshold = DefaultSpotThreshold
	}
	c := &Controller{
		deps:    d,
		reqs:    make(chan request),
		done:    make(chan struct{}),
		runDone: make(chan runResult, 1),
		subs:    make(map[int]chan Event),
		align:   alignment.NewSession(d.MaxScaleDeviation),
		cal:     d.Calibration,
	}
	c.seq = exposure.New(d.Stage, d.Shutter, exposure.WithObserver(c.onProgress))
	return c
}

// Run processes commands until ctx is cancelled. An active run is aborted and
// the shutter closed before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	debug.Info("Controller started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case req := <-c.reqs:
			rep, err := c.handle(req.ctx, req.cmd)
			if err != nil {
				err = fmt.Errorf("%s: %w", req.cmd.commandName(), err)
				c.publishError(err)
			}
			rep.State = c.state(req.ctx)
			req.reply <- response{reply: rep, err: err}
		case res := <-c.runDone:
			c.finishRun(res)
		}
	}
}

// Submit sends cmd to the controller and waits for its reply.
func (c *Controller) Submit(ctx context.Context, cmd Command) (Reply, error) {
	req := request{ctx: ctx, cmd: cmd, reply: make(chan response, 1)}
	select {
	case c.reqs <- req:
	case <-c.done:
		return Reply{}, ErrStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.reply, resp.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (c *Controller) shutdown() {
	if c.running {
		debug.Info("Controller: waiting for the active run to abort")
		c.finishRun(<-c.runDone)
	}
	if err := c.deps.Shutter.Close(); err != nil {
		c.publishError(fmt.Errorf("closing shutter on shutdown: %w", err))
	}
	c.shutterOpen = false
	debug.Info("Controller stopped")
}

func (c *Controller) handle(ctx context.Context, cmd Command) (Reply, error) {
	switch cmd := cmd.(type) {
	case LoadPositions:
		if c.running {
			return Reply{}, exposure.ErrBusy
		}
		l, err := positions.Parse(bytes.NewReader(cmd.Data), cmd.Name, c.deps.Positions)
		if err != nil {
			return Reply{}, err
		}
		c.setList(l)
	case LoadFile:
		if c.running {
			return Reply{}, exposure.ErrBusy
		}
		l, err := positions.Load(cmd.Path, c.deps.Positions)
		if err != nil {
			return Reply{}, err
		}
		c.setList(l)
	case LoadGrid:
		if c.running {
			return Reply{}, exposure.ErrBusy
		}
		if err := cmd.Plan.Validate(); err != nil {
			return Reply{}, err
		}
		name := fmt.Sprintf("grid %dx%d", cmd.Plan.Columns, cmd.Plan.Rows)
		c.setList(positions.NewList(name, cmd.Plan.Points()))
	case CaptureReference:
		return Reply{}, c.captureReference(ctx, cmd)
	case ClearReferences:
		c.align.Clear()
		c.publish(Event{Kind: EventReferencesCleared})
	case ConfirmAlignment:
		if c.list == nil {
			return Reply{}, ErrNoPositions
		}
		if err := c.align.Confirm(c.version); err != nil {
			return Reply{}, err
		}
		c.publish(Event{Kind: EventAlignmentConfirmed,
			Message: fmt.Sprintf("alignment confirmed for %q (version %d)", c.list.Name(), c.version)})
	case StartRun:
		return Reply{}, c.startRun(cmd)
	case CancelRun:
		if !c.running {
			return Reply{}, ErrNotRunning
		}
		if !c.seq.Cancel() {
			// The run goroutine has not entered the sequencer yet.
			c.cancelPending.Store(true)
		}
	case Jog:
		return Reply{}, c.jog(ctx, cmd)
	case SetShutter:
		return Reply{}, c.setShutter(cmd.Open)
	case EstimateOrigin:
		spot, err := c.estimateOrigin(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Spot: &spot}, nil
	case ResetOrigin:
		if c.running {
			return Reply{}, exposure.ErrBusy
		}
		c.cal.OriginPx = c.deps.Calibration.OriginPx
		c.publish(Event{Kind: EventOriginReset,
			Message: fmt.Sprintf("illumination origin reset to pixel %s", c.cal.OriginPx)})
	case Snapshot:
		return c.snapshot(ctx, cmd)
	case Status:
	default:
		return Reply{}, fmt.Errorf("unknown command %T", cmd)
	}
	return Reply{}, nil
}

func (c *Controller) setList(l positions.List) {
	c.version++
	l = l.WithVersion(c.version)
	c.list = &l
	c.align.Invalidate()
	debug.Pattern(l.Name(), l.Len())
	c.publish(Event{Kind: EventLoaded,
		Message: fmt.Sprintf("loaded %d position(s) from %q (version %d)", l.Len(), l.Name(), l.Version())})
}

func (c *Controller) captureReference(ctx context.Context, cmd CaptureReference) error {
	if c.running {
		return exposure.ErrBusy
	}
	if !cmd.Source.IsFinite() {
		return fmt.Errorf("source point %s is not finite", cmd.Source)
	}
	pos, err := c.deps.Stage.Position(ctx)
	if err != nil {
		return fmt.Errorf("reading stage position: %w", err)
	}
	target := pos
	if cmd.Pixel != nil {
		if err := c.cal.Validate(); err != nil {
			return fmt.Errorf("calibration: %w", err)
		}
		target = c.cal.PixelToStage(*cmd.Pixel, pos)
	}

	ev := Event{Kind: EventReferenceCaptured,
		Message: fmt.Sprintf("reference %s -> %s", cmd.Source, target)}
	if fitErr := c.align.AddPair(cmd.Source, target); fitErr != nil {
		// The pair is kept; the operator can add more or clear.
		ev.Error = fitErr.Error()
	}
	debug.Info("Reference captured: %s", ev.Message)
	c.publish(ev)
	return nil
}

func (c *Controller) startRun(cmd StartRun) error {
	if c.running {
		return exposure.ErrBusy
	}
	if c.list == nil {
		return ErrNoPositions
	}
	tr, err := c.align.TransformFor(c.version)
	if err != nil {
		return err
	}
	settings := c.deps.Settings
	if cmd.Settings != nil {
		settings = *cmd.Settings
	}
	if settings, err = settings.Validate(); err != nil {
		return err
	}

	points := tr.ApplyAll(c.list.Points())
	c.running = true
	c.shutterOpen = false // the sequencer closes it before the first point
	c.cancelPending.Store(false)
	go func(ctx context.Context) {
		st, err := c.seq.Run(ctx, points, settings)
		c.runDone <- runResult{state: st, err: err}
	}(c.runCtx)
	return nil
}

func (c *Controller) finishRun(res runResult) {
	c.running = false
	c.cancelPending.Store(false)
	st := res.state
	ev := Event{Kind: EventRunFinished, Run: &st,
		Message: fmt.Sprintf("run %s at point %d/%d", st.State, st.Index+1, st.Total)}
	if res.err != nil && !errors.Is(res.err, exposure.ErrCancelled) {
		ev.Error = res.err.Error()
	}
	c.publish(ev)
}

func (c *Controller) onProgress(ev exposure.Event) {
	if ev.Kind == exposure.RunStarted && c.cancelPending.Swap(false) {
		c.seq.Cancel()
	}
	if ev.Kind == exposure.RunFinished {
		return
	}
	c.publish(Event{Kind: EventRunProgress, Time: ev.Time, Progress: &ev})
}

func (c *Controller) jog(ctx context.Context, cmd Jog) error {
	if c.running {
		return exposure.ErrBusy
	}
	d := geometry.Point{X: cmd.DX, Y: cmd.DY}
	if !d.IsFinite() {
		return fmt.Errorf("jog offset %s is not finite", d)
	}
	pos, err := c.deps.Stage.Position(ctx)
	if err != nil {
		return fmt.Errorf("reading stage position: %w", err)
	}
	if t := c.deps.Settings.MoveTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	target := pos.Add(d)
	if err := c.deps.Stage.MoveTo(ctx, target); err != nil {
		return fmt.Errorf("moving to %s: %w", target, err)
	}
	c.publish(Event{Kind: EventStageMoved, Message: fmt.Sprintf("stage at %s", target)})
	return nil
}

func (c *Controller) setShutter(open bool) error {
	if c.running {
		return exposure.ErrBusy
	}
	var err error
	if open {
		err = c.deps.Shutter.Open()
	} else {
		err = c.deps.Shutter.Close()
	}
	if err != nil {
		return err
	}
	c.shutterOpen = open
	msg := "shutter closed"
	if open {
		msg = "shutter open"
	}
	c.publish(Event{Kind: EventShutter, Message: msg})
	return nil
}

func (c *Controller) estimateOrigin(ctx context.Context) (geometry.Point, error) {
	if c.running {
		return geometry.Point{}, exposure.ErrBusy
	}
	if c.deps.Camera == nil {
		return geometry.Point{}, ErrNoCamera
	}
	if err := c.deps.Shutter.Open(); err != nil {
		return geometry.Point{}, err
	}
	frame, snapErr := c.deps.Camera.Snap(ctx)
	closeErr := c.deps.Shutter.Close()
	c.shutterOpen = false
	if snapErr != nil {
		return geometry.Point{}, fmt.Errorf("camera: %w", snapErr)
	}
	if closeErr != nil {
		return geometry.Point{}, closeErr
	}
	spot, err := imaging.FindSpot(frame, c.deps.SpotThreshold)
	if err != nil {
		return geometry.Point{}, err
	}
	c.cal.OriginPx = spot
	c.publish(Event{Kind: EventOriginEstimated, Message: fmt.Sprintf("illumination origin at pixel %s", spot)})
	return spot, nil
}

func (c *Controller) snapshot(ctx context.Context, cmd Snapshot) (Reply, error) {
	if c.deps.Camera == nil {
		return Reply{}, ErrNoCamera
	}
	frame, err := c.deps.Camera.Snap(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("camera: %w", err)
	}
	origin := c.cal.OriginPx
	ov := imaging.Overlay{Origin: &origin, Width: cmd.Width}

	pos, err := c.deps.Stage.Position(ctx)
	if err != nil || c.cal.Validate() != nil {
		// Markers need a stage position and a usable calibration.
		return Reply{Frame: frame, Overlay: ov}, nil
	}
	if tr, fitErr := c.align.Transform(); fitErr == nil && c.list != nil {
		for _, p := range tr.ApplyAll(c.list.Points()) {
			ov.Points = append(ov.Points, c.cal.StageToPixel(p, pos))
		}
	}
	for _, pr := range c.align.Pairs() {
		ov.References = append(ov.References, c.cal.StageToPixel(pr.Stage, pos))
	}
	return Reply{Frame: frame, Overlay: ov}, nil
}

func (c *Controller) state(ctx context.Context) State {
	st := State{
		Alignment:   c.align.Summary(),
		Run:         c.seq.State(),
		Running:     c.running,
		ShutterOpen: c.shutterOpen,
		Origin:      c.cal.OriginPx,
		Settings:    c.deps.Settings,
	}
	if c.list != nil {
		info := &ListInfo{Name: c.list.Name(), Version: c.version, Points: c.list.Len()}
		if lo, hi, ok := c.list.Bounds(); ok {
			info.Min, info.Max = &lo, &hi
		}
		st.List = info
	}
	pos, err := c.deps.Stage.Position(ctx)
	if err != nil {
		st.StageError = err.Error()
	} else {
		st.Stage = pos
	}
	return st
}
