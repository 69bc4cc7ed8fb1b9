package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/LithoGo/internal/control"
	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/imaging"
	"github.com/cjeanneret/LithoGo/internal/logic/alignment"
	"github.com/cjeanneret/LithoGo/internal/logic/exposure"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
	"github.com/cjeanneret/LithoGo/internal/logic/positions"
)

// maxPreviewWidth bounds the width query parameter of /snapshot.png.
const maxPreviewWidth = 4096

// Controller is the part of control.Controller the handlers use.
type Controller interface {
	Submit(ctx context.Context, cmd control.Command) (control.Reply, error)
	Subscribe() (<-chan control.Event, func())
}

// FormConfig holds default values for the run form (from config).
type FormConfig struct {
	DurationMs          float64 `json:"duration_ms"`
	Repeat              int     `json:"repeat"`
	PostExposureDelayMs float64 `json:"post_exposure_delay_ms"`
	SettleDelayMs       float64 `json:"settle_delay_ms"`
	StageType           string  `json:"stage_type"`
	ShutterType         string  `json:"shutter_type"`
	CameraType          string  `json:"camera_type"`
	UmPerPixel          float64 `json:"um_per_pixel"`
}

// NewFormConfig fills the exposure fields of a FormConfig from settings.
func NewFormConfig(s exposure.Settings) FormConfig {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return FormConfig{
		DurationMs:          ms(s.Duration),
		Repeat:              s.Repeat,
		PostExposureDelayMs: ms(s.PostExposureDelay),
		SettleDelayMs:       ms(s.SettleDelay),
	}
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Ctrl         Controller
	Defaults     exposure.Settings
	FormDefaults FormConfig
	staticFS     fs.FS
	upgrader     websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
// If ctrl is nil, command routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl Controller, defaults exposure.Settings, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Ctrl:         ctrl,
		Defaults:     defaults,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatus returns the controller state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.exec(w, r, control.Status{}, http.StatusOK)
}

// HandlePositions handles POST /positions: the body is the position list text.
// The optional name query parameter labels the list.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPositionsBytes))
	if err != nil {
		http.Error(w, "position list too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload"
	}
	h.exec(w, r, control.LoadPositions{Name: name, Data: data}, http.StatusOK)
}

// HandleGrid handles POST /positions/grid: the body is a geometry.GridPlan.
func (h *Handlers) HandleGrid(w http.ResponseWriter, r *http.Request) {
	var plan geometry.GridPlan
	if !decodeBody(w, r, &plan, false) {
		return
	}
	h.exec(w, r, control.LoadGrid{Plan: plan}, http.StatusOK)
}

// HandleReferences handles POST /references.
func (h *Handlers) HandleReferences(w http.ResponseWriter, r *http.Request) {
	var req ReferenceRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	cmd, err := req.command()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.exec(w, r, cmd, http.StatusOK)
}

// HandleClearReferences handles DELETE /references.
func (h *Handlers) HandleClearReferences(w http.ResponseWriter, r *http.Request) {
	h.exec(w, r, control.ClearReferences{}, http.StatusOK)
}

// HandleAlign handles POST /align.
func (h *Handlers) HandleAlign(w http.ResponseWriter, r *http.Request) {
	h.exec(w, r, control.ConfirmAlignment{}, http.StatusOK)
}

// HandleRun handles POST /run to start an exposure run. An empty body uses
// the configured defaults.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RunRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	cmd, err := req.command(h.Defaults)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.exec(w, r, cmd, http.StatusAccepted)
}

// HandleCancel handles POST /cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.exec(w, r, control.CancelRun{}, http.StatusAccepted)
}

// HandleJog handles POST /jog.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	var req JogRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	h.exec(w, r, control.Jog{DX: req.DX, DY: req.DY}, http.StatusOK)
}

// HandleShutter handles POST /shutter.
func (h *Handlers) HandleShutter(w http.ResponseWriter, r *http.Request) {
	var req ShutterRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	h.exec(w, r, control.SetShutter{Open: req.Open}, http.StatusOK)
}

// HandleEstimateOrigin handles POST /origin/estimate.
func (h *Handlers) HandleEstimateOrigin(w http.ResponseWriter, r *http.Request) {
	h.exec(w, r, control.EstimateOrigin{}, http.StatusOK)
}

// HandleResetOrigin handles POST /origin/reset.
func (h *Handlers) HandleResetOrigin(w http.ResponseWriter, r *http.Request) {
	h.exec(w, r, control.ResetOrigin{}, http.StatusOK)
}

// HandleSnapshotPNG renders the current frame with the overlay. The optional
// width query parameter scales the preview.
func (h *Handlers) HandleSnapshotPNG(w http.ResponseWriter, r *http.Request) {
	width := 0
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxPreviewWidth {
			http.Error(w, fmt.Sprintf("width must be between 0 and %d", maxPreviewWidth), http.StatusBadRequest)
			return
		}
		width = n
	}
	rep, ok := h.submit(w, r, control.Snapshot{Width: width})
	if !ok {
		return
	}
	img := imaging.Render(rep.Frame, rep.Overlay)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		debug.Error(fmt.Errorf("encoding snapshot: %w", err))
	}
}

// HandleSnapshotTIFF returns the raw 16-bit frame.
func (h *Handlers) HandleSnapshotTIFF(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.submit(w, r, control.Snapshot{})
	if !ok {
		return
	}
	name := "snapshot-" + time.Now().Format("20060102-150405") + ".tiff"
	w.Header().Set("Content-Type", "image/tiff")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := imaging.SaveTIFF(w, rep.Frame); err != nil {
		debug.Error(fmt.Errorf("encoding snapshot: %w", err))
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, cmd control.Command) (control.Reply, bool) {
	if h.Ctrl == nil {
		http.Error(w, "controller not configured", http.StatusServiceUnavailable)
		return control.Reply{}, false
	}
	rep, err := h.Ctrl.Submit(r.Context(), cmd)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return control.Reply{}, false
	}
	return rep, true
}

func (h *Handlers) exec(w http.ResponseWriter, r *http.Request, cmd control.Command, status int) {
	if rep, ok := h.submit(w, r, cmd); ok {
		writeJSON(w, status, rep.State)
	}
}

// errorStatus maps controller errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, positions.ErrParse),
		errors.Is(err, exposure.ErrInvalidSettings),
		errors.Is(err, geometry.ErrInsufficientAlignment),
		errors.Is(err, geometry.ErrInvalidGrid),
		errors.Is(err, alignment.ErrScaleMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exposure.ErrBusy),
		errors.Is(err, control.ErrNotRunning),
		errors.Is(err, control.ErrNoPositions),
		errors.Is(err, alignment.ErrNotConfirmed):
		return http.StatusConflict
	case errors.Is(err, control.ErrNoCamera),
		errors.Is(err, control.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON body of at most MaxBodyBytes into v. An empty body
// is accepted when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
