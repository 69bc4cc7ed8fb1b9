package stage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// ErrGrblReset is returned when the controller restarts while a command is pending.
var ErrGrblReset = errors.New("grbl reset")

// GrblOptions configures the GRBL stage driver.
type GrblOptions struct {
	FeedRateMmMin float64       // 0 = rapid moves (G0)
	PollInterval  time.Duration // status polling while moving
	Tolerance     float64       // µm; position match at end of move
	PortName      string        // for logs only
}

// GrblStatus is one parsed "<State|MPos:...|WCO:...>" report.
type GrblStatus struct {
	State string
	MPos  geometry.Point // machine position, mm
	WPos  geometry.Point // work position, mm
	hasW  bool
}

// Work returns the work position in µm.
func (s GrblStatus) Work() geometry.Point {
	return s.WPos.Scale(1000)
}

// Grbl drives an XY table through a GRBL controller. Coordinates are sent in
// millimetres (G21) with absolute positioning (G90).
type Grbl struct {
	rw   io.ReadWriter
	opts GrblOptions

	cmdMu  sync.Mutex // one command in flight
	statMu sync.Mutex // one status request in flight
	wMu    sync.Mutex // serialises raw writes

	ackCh    chan error
	statusCh chan GrblStatus
	resetCh  chan struct{}
	closeCh  chan struct{}
	once     sync.Once

	mu    sync.Mutex
	alarm string // last ALARM: line, cleared by a controller reset
	wco   geometry.Point
	held  bool
}

// NewGrbl starts the reader on rw.
func NewGrbl(rw io.ReadWriter, opts GrblOptions) *Grbl {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 1
	}
	g := &Grbl{
		rw:       rw,
		opts:     opts,
		ackCh:    make(chan error, 1),
		statusCh: make(chan GrblStatus, 1),
		resetCh:  make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	go g.readLoop()
	return g
}

// Init selects millimetres and absolute coordinates.
func (g *Grbl) Init(ctx context.Context) error {
	return g.command(ctx, "G21 G90")
}

// Close stops the reader and closes rw if it is a Closer.
func (g *Grbl) Close() error {
	g.once.Do(func() { close(g.closeCh) })
	if c, ok := g.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (g *Grbl) readLoop() {
	sc := bufio.NewScanner(g.rw)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		debug.Serial("RX", g.opts.PortName, []byte(line))
		switch {
		case line == "ok":
			g.deliverAck(nil)
		case strings.HasPrefix(line, "error:"):
			g.deliverAck(fmt.Errorf("grbl %s", line))
		case strings.HasPrefix(line, "ALARM:"):
			// unsolicited; the status reports carry the Alarm state
			debug.Error(fmt.Errorf("grbl %s", line))
			g.mu.Lock()
			g.alarm = line
			g.mu.Unlock()
		case strings.HasPrefix(line, "<"):
			st, err := g.parseStatus(line)
			if err != nil {
				debug.Verbose("GRBL: bad status %q: %v", line, err)
				continue
			}
			select {
			case <-g.statusCh:
			default:
			}
			g.statusCh <- st
		case strings.HasPrefix(line, "Grbl"):
			g.mu.Lock()
			g.alarm = ""
			g.mu.Unlock()
			select {
			case g.resetCh <- struct{}{}:
			default:
			}
		default:
			debug.Trace("GRBL: %s", line)
		}
	}
	g.once.Do(func() { close(g.closeCh) })
}

// deliverAck never blocks the reader: a stale ack nobody collected is
// replaced by the newer one.
func (g *Grbl) deliverAck(err error) {
	for {
		select {
		case g.ackCh <- err:
			return
		default:
		}
		select {
		case <-g.ackCh:
		default:
		}
	}
}

func (g *Grbl) write(p []byte) error {
	g.wMu.Lock()
	defer g.wMu.Unlock()
	debug.Serial("TX", g.opts.PortName, p)
	_, err := g.rw.Write(p)
	return err
}

func (g *Grbl) command(ctx context.Context, line string) error {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()
	select {
	case <-g.ackCh: // late ack of an abandoned command
	default:
	}
	if err := g.write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", line, err)
	}
	select {
	case err := <-g.ackCh:
		return err
	case <-g.resetCh:
		return ErrGrblReset
	case <-g.closeCh:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status requests and waits for one status report.
func (g *Grbl) Status(ctx context.Context) (GrblStatus, error) {
	g.statMu.Lock()
	defer g.statMu.Unlock()
	select {
	case <-g.statusCh: // drop a stale report
	default:
	}
	if err := g.write([]byte{'?'}); err != nil {
		return GrblStatus{}, err
	}
	select {
	case st := <-g.statusCh:
		return st, nil
	case <-g.closeCh:
		return GrblStatus{}, io.ErrClosedPipe
	case <-ctx.Done():
		return GrblStatus{}, ctx.Err()
	}
}

// MoveTo issues an absolute move and polls until the controller is Idle at
// the target. If ctx ends first a feed hold is sent; the next MoveTo resumes.
func (g *Grbl) MoveTo(ctx context.Context, p geometry.Point) error {
	g.mu.Lock()
	held := g.held
	g.mu.Unlock()
	if held {
		if err := g.write([]byte{'~'}); err != nil {
			return err
		}
		g.mu.Lock()
		g.held = false
		g.mu.Unlock()
	}

	mm := p.Scale(1e-3)
	line := fmt.Sprintf("G90 G0 X%.4f Y%.4f", mm.X, mm.Y)
	if g.opts.FeedRateMmMin > 0 {
		line = fmt.Sprintf("G90 G1 X%.4f Y%.4f F%.1f", mm.X, mm.Y, g.opts.FeedRateMmMin)
	}
	if err := g.command(ctx, line); err != nil {
		return g.abort(ctx, err)
	}

	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		st, err := g.Status(ctx)
		if err != nil {
			return g.abort(ctx, err)
		}
		if st.State == "Alarm" {
			g.mu.Lock()
			alarm := g.alarm
			g.mu.Unlock()
			if alarm == "" {
				alarm = "alarm state"
			}
			return fmt.Errorf("grbl %s while moving to %v", alarm, p)
		}
		if st.State == "Idle" && near(st.Work(), p, g.opts.Tolerance) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return g.abort(ctx, ctx.Err())
		}
	}
}

func (g *Grbl) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if werr := g.write([]byte{'!'}); werr == nil {
			g.mu.Lock()
			g.held = true
			g.mu.Unlock()
		}
	}
	return err
}

// Position returns the work position in µm.
func (g *Grbl) Position(ctx context.Context) (geometry.Point, error) {
	st, err := g.Status(ctx)
	if err != nil {
		return geometry.Point{}, err
	}
	return st.Work(), nil
}

// parseStatus reads "<Idle|MPos:1.000,2.000,0.000|FS:0,0|WCO:0.000,0.000,0.000>".
// When only MPos is reported, the last seen work coordinate offset is applied.
func (g *Grbl) parseStatus(data string) (GrblStatus, error) {
	st, wco, hasWCO, err := parseStatus(data)
	if err != nil {
		return st, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if hasWCO {
		g.wco = wco
	}
	if !st.hasW {
		st.WPos = st.MPos.Sub(g.wco)
	}
	return st, nil
}

func parseStatus(data string) (st GrblStatus, wco geometry.Point, hasWCO bool, err error) {
	data = strings.TrimSpace(data)
	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")
	parts := strings.Split(data, "|")
	st.State, _, _ = strings.Cut(parts[0], ":") // "Hold:0" → "Hold"
	for _, s := range parts[1:] {
		key, val, ok := strings.Cut(s, ":")
		if !ok {
			continue
		}
		switch key {
		case "MPos":
			st.MPos, err = parseCoords(val)
		case "WPos":
			st.WPos, err = parseCoords(val)
			st.hasW = true
		case "WCO":
			wco, err = parseCoords(val)
			hasWCO = true
		}
		if err != nil {
			return st, wco, hasWCO, fmt.Errorf("%s: %w", key, err)
		}
	}
	if st.State == "" {
		return st, wco, hasWCO, errors.New("empty state")
	}
	return st, wco, hasWCO, nil
}

func parseCoords(data string) (p geometry.Point, err error) {
	parts := strings.Split(data, ",")
	if len(parts) < 2 {
		return p, errors.New("invalid number of elements")
	}
	if p.X, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return p, err
	}
	if p.Y, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return p, err
	}
	return p, nil
}
