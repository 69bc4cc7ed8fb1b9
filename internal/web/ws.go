package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/LithoGo/internal/control"
	"github.com/cjeanneret/LithoGo/internal/debug"
)

const wsWriteTimeout = 5 * time.Second

// wsRequest is a command sent by a websocket client:
// {"id":"1","type":"jog","dx":10,"dy":0}.
type wsRequest struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// wsMessage is sent to websocket clients, either as a reply to a request or
// as a relayed controller event.
type wsMessage struct {
	Type  string         `json:"type"` // "reply" or "event"
	ID    string         `json:"id,omitempty"`
	OK    bool           `json:"ok,omitempty"`
	Error string         `json:"error,omitempty"`
	State *control.State `json:"state,omitempty"`
	Event *control.Event `json:"event,omitempty"`
}

// HandleWS handles GET /ws: JSON commands in, replies and events out.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.Ctrl == nil {
		http.Error(w, "controller not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxPositionsBytes)

	events, unsub := h.Ctrl.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	replies := make(chan wsMessage, 16)
	go h.wsReadLoop(ctx, cancel, conn, replies)

	debug.Verbose("websocket client connected: %s", r.RemoteAddr)
	for {
		var msg wsMessage
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg = wsMessage{Type: "event", Event: &ev}
		case msg = <-replies:
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			debug.Verbose("websocket write: %v", err)
			return
		}
	}
}

func (h *Handlers) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- wsMessage) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debug.Verbose("websocket read: %v", err)
			}
			return
		}

		reply := wsMessage{Type: "reply"}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			reply.Error = "invalid JSON"
		} else {
			reply.ID = req.ID
			cmd, err := decodeCommand(req.Type, data, h.Defaults)
			if err != nil {
				reply.Error = err.Error()
			} else if rep, err := h.Ctrl.Submit(ctx, cmd); err != nil {
				reply.Error = err.Error()
			} else {
				reply.OK = true
				reply.State = &rep.State
			}
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}
