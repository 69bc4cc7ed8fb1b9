// Package tui is a terminal front end for the controller.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cjeanneret/LithoGo/internal/control"
	"github.com/cjeanneret/LithoGo/internal/logic/exposure"
)

const (
	logLines      = 8
	submitTimeout = 30 * time.Second
	// DefaultJogStep is the arrow-key jog distance in µm.
	DefaultJogStep = 10.0
)

// Controller is the part of control.Controller the terminal UI uses.
type Controller interface {
	Submit(ctx context.Context, cmd control.Command) (control.Reply, error)
	Subscribe() (<-chan control.Event, func())
}

type eventMsg control.Event

type eventsClosedMsg struct{}

type replyMsg struct {
	name  string
	state control.State
	err   error
}

// Model is the bubbletea model.
type Model struct {
	ctx     context.Context
	ctrl    Controller
	events  <-chan control.Event
	JogStep float64

	state    control.State
	progress *exposure.Event
	status   string
	log      []string
	quitting bool
}

// New creates a model reading events from events.
func New(ctx context.Context, ctrl Controller, events <-chan control.Event) Model {
	return Model{ctx: ctx, ctrl: ctrl, events: events, JogStep: DefaultJogStep, status: "ready"}
}

// Run shows the UI until the operator quits or ctx is cancelled.
func Run(ctx context.Context, ctrl Controller) error {
	events, unsub := ctrl.Subscribe()
	defer unsub()
	p := tea.NewProgram(New(ctx, ctrl, events), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitEvent(), m.submit("status", control.Status{}))
}

func (m Model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) submit(name string, cmd control.Command) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, submitTimeout)
		defer cancel()
		rep, err := m.ctrl.Submit(ctx, cmd)
		return replyMsg{name: name, state: rep.State, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.key(msg)

	case replyMsg:
		if msg.err != nil {
			m.status = "error: " + msg.err.Error()
			return m, nil
		}
		m.state = msg.state
		if msg.name != "status" {
			m.status = msg.name + ": ok"
		}
		return m, nil

	case eventMsg:
		ev := control.Event(msg)
		if ev.Kind == control.EventRunProgress {
			m.progress = ev.Progress
			return m, m.waitEvent()
		}
		m.addLog(ev)
		if ev.Kind == control.EventError {
			m.status = "error: " + ev.Error
		}
		return m, tea.Batch(m.waitEvent(), m.submit("status", control.Status{}))

	case eventsClosedMsg:
		m.status = "controller stopped"
		return m, nil
	}
	return m, nil
}

func (m Model) key(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyLeft:
		return m, m.submit("jog", control.Jog{DX: -m.JogStep})
	case tea.KeyRight:
		return m, m.submit("jog", control.Jog{DX: m.JogStep})
	case tea.KeyUp:
		return m, m.submit("jog", control.Jog{DY: -m.JogStep})
	case tea.KeyDown:
		return m, m.submit("jog", control.Jog{DY: m.JogStep})
	}

	switch k.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "s":
		return m, m.submit("start", control.StartRun{})
	case "c":
		return m, m.submit("cancel", control.CancelRun{})
	case "a":
		return m, m.submit("confirm alignment", control.ConfirmAlignment{})
	case "o":
		return m, m.submit("open shutter", control.SetShutter{Open: true})
	case "x":
		return m, m.submit("close shutter", control.SetShutter{Open: false})
	case "0":
		return m, m.submit("reset origin", control.ResetOrigin{})
	case "r":
		return m, m.submit("status", control.Status{})
	}
	return m, nil
}

func (m *Model) addLog(ev control.Event) {
	line := ev.Message
	if ev.Error != "" {
		if line != "" {
			line += ": "
		}
		line += ev.Error
	}
	if line == "" {
		line = string(ev.Kind)
	}
	m.log = append(m.log, ev.Time.Format("15:04:05")+" "+line)
	if len(m.log) > logLines {
		m.log = m.log[len(m.log)-logLines:]
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	st := m.state

	b.WriteString("LithoGo\n=======\n\n")

	if st.List != nil {
		fmt.Fprintf(&b, "Positions: %s, %d point(s), version %d\n", st.List.Name, st.List.Points, st.List.Version)
	} else {
		b.WriteString("Positions: none loaded\n")
	}

	a := st.Alignment
	fmt.Fprintf(&b, "Alignment: %d pair(s)", len(a.Pairs))
	switch {
	case a.FitError != "":
		fmt.Fprintf(&b, " (%s)", a.FitError)
	case a.Transform != nil:
		fmt.Fprintf(&b, ", scale %.4f, rmse %.3f um", a.Transform.Scale(), a.RMSE)
	}
	if a.Confirmed {
		b.WriteString(", confirmed")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Run:       %s", st.Run.State)
	if st.Run.Total > 0 {
		fmt.Fprintf(&b, " %d/%d", st.Run.Index+1, st.Run.Total)
	}
	if st.Running && m.progress != nil {
		p := m.progress
		fmt.Fprintf(&b, " [%s point %d/%d at %s]", p.Kind, p.Index+1, p.Total, p.Point)
	}
	if st.Run.Error != "" {
		fmt.Fprintf(&b, " (%s)", st.Run.Error)
	}
	b.WriteString("\n")

	shutter := "closed"
	if st.ShutterOpen {
		shutter = "open"
	}
	fmt.Fprintf(&b, "Stage:     %s um, shutter %s\n", st.Stage, shutter)
	if st.StageError != "" {
		fmt.Fprintf(&b, "           stage error: %s\n", st.StageError)
	}

	b.WriteString("\n")
	for _, l := range m.log {
		b.WriteString(l + "\n")
	}
	fmt.Fprintf(&b, "\n> %s\n", m.status)
	b.WriteString("\n(s start, c cancel, a confirm alignment, o/x shutter, 0 reset origin, arrows jog, r refresh, q quit)")
	return b.String()
}
