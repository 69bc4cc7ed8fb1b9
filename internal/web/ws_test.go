package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/LithoGo/internal/control"
)

func dialWS(t *testing.T, b *bench) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func replyTo(id string) func(wsMessage) bool {
	return func(m wsMessage) bool { return m.Type == "reply" && m.ID == id }
}

func TestWS_CommandsAndEvents(t *testing.T) {
	b := newBench(t)
	conn := dialWS(t, b)

	err := conn.WriteJSON(map[string]any{"id": "1", "type": "load_positions", "name": "ws.txt", "data": "0,0\n5,5\n"})
	if err != nil {
		t.Fatal(err)
	}
	// The reply and the loaded event may arrive in either order.
	var reply wsMessage
	var loaded bool
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for reply.ID != "1" || !loaded {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch {
		case msg.Type == "reply":
			reply = msg
		case msg.Event != nil && msg.Event.Kind == control.EventLoaded:
			loaded = true
		}
	}
	if !reply.OK || reply.State == nil || reply.State.List == nil || reply.State.List.Points != 2 {
		t.Fatalf("reply = %+v", reply)
	}

	conn.WriteJSON(map[string]any{"id": "2", "type": "jog", "dx": 3, "dy": 4})
	reply = readUntil(t, conn, replyTo("2"))
	if !reply.OK || reply.State.Stage.X != 3 || reply.State.Stage.Y != 4 {
		t.Errorf("jog reply = %+v", reply)
	}
}

func TestWS_Errors(t *testing.T) {
	b := newBench(t)
	conn := dialWS(t, b)

	conn.WriteJSON(map[string]any{"id": "a", "type": "teleport"})
	if reply := readUntil(t, conn, replyTo("a")); reply.OK || !strings.Contains(reply.Error, "unknown message type") {
		t.Errorf("reply = %+v", reply)
	}

	conn.WriteJSON(map[string]any{"id": "b", "type": "cancel_run"})
	if reply := readUntil(t, conn, replyTo("b")); reply.OK || !strings.Contains(reply.Error, control.ErrNotRunning.Error()) {
		t.Errorf("reply = %+v", reply)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	reply := readUntil(t, conn, func(m wsMessage) bool { return m.Type == "reply" && m.ID == "" })
	if reply.Error != "invalid JSON" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestWS_NilController(t *testing.T) {
	h := newTestHandlers(nil)
	srvURL := startPlain(t, h)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srvURL, "http"), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Errorf("response = %v, want 503", resp)
	}
}

func startPlain(t *testing.T, h *Handlers) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return srv.URL
}
