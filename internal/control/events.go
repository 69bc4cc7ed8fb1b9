package control

import (
	"time"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/logic/exposure"
)

// EventKind names a controller event.
type EventKind string

const (
	EventLoaded             EventKind = "loaded"
	EventReferenceCaptured  EventKind = "reference_captured"
	EventReferencesCleared  EventKind = "references_cleared"
	EventAlignmentConfirmed EventKind = "alignment_confirmed"
	EventRunProgress        EventKind = "run_progress"
	EventRunFinished        EventKind = "run_finished"
	EventStageMoved         EventKind = "stage_moved"
	EventShutter            EventKind = "shutter"
	EventOriginEstimated    EventKind = "origin_estimated"
	EventOriginReset        EventKind = "origin_reset"
	EventError              EventKind = "error"
)

// Event is published to every subscriber.
type Event struct {
	Kind     EventKind          `json:"kind"`
	Time     time.Time          `json:"time"`
	Message  string             `json:"message,omitempty"`
	Error    string             `json:"error,omitempty"`
	Progress *exposure.Event    `json:"progress,omitempty"`
	Run      *exposure.RunState `json:"run,omitempty"`
}

const subscriberBuffer = 64

// Subscribe returns a channel of events and a function to unsubscribe.
// Events are dropped for subscribers that fall behind.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			debug.Verbose("Controller: subscriber %d is behind, dropped %s event", id, ev.Kind)
		}
	}
}

func (c *Controller) publishError(err error) {
	debug.Error(err)
	c.publish(Event{Kind: EventError, Error: err.Error()})
}
