package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/LithoGo/internal/control"
	"github.com/cjeanneret/LithoGo/internal/logic/exposure"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// Request body limits.
const (
	MaxBodyBytes      = 1 << 20
	MaxPositionsBytes = 16 << 20
)

// Override limits.
const (
	maxDurationMs = 3_600_000
	maxDelayMs    = 600_000
	maxRepeat     = 1000
)

// RunRequest holds exposure parameters that can override config defaults.
// Absent fields keep the default.
type RunRequest struct {
	DurationMs          *float64 `json:"duration_ms,omitempty"`
	Repeat              *int     `json:"repeat,omitempty"`
	PostExposureDelayMs *float64 `json:"post_exposure_delay_ms,omitempty"`
	SettleDelayMs       *float64 `json:"settle_delay_ms,omitempty"`
}

// ValidateOverrides checks that every present field is finite and in range.
func ValidateOverrides(r RunRequest) error {
	if r.DurationMs != nil {
		if err := checkMs("duration_ms", *r.DurationMs, maxDurationMs); err != nil {
			return err
		}
		if *r.DurationMs == 0 {
			return errors.New("duration_ms must be > 0")
		}
	}
	if r.Repeat != nil && (*r.Repeat < 1 || *r.Repeat > maxRepeat) {
		return fmt.Errorf("repeat must be between 1 and %d", maxRepeat)
	}
	if r.PostExposureDelayMs != nil {
		if err := checkMs("post_exposure_delay_ms", *r.PostExposureDelayMs, maxDelayMs); err != nil {
			return err
		}
	}
	if r.SettleDelayMs != nil {
		if err := checkMs("settle_delay_ms", *r.SettleDelayMs, maxDelayMs); err != nil {
			return err
		}
	}
	return nil
}

func checkMs(name string, v, limit float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number", name)
	}
	if v < 0 || v > limit {
		return fmt.Errorf("%s must be between 0 and %.0f", name, limit)
	}
	return nil
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Apply returns defaults with the present overrides applied.
func (r RunRequest) Apply(defaults exposure.Settings) exposure.Settings {
	s := defaults
	if r.DurationMs != nil {
		s.Duration = msDuration(*r.DurationMs)
	}
	if r.Repeat != nil {
		s.Repeat = *r.Repeat
	}
	if r.PostExposureDelayMs != nil {
		s.PostExposureDelay = msDuration(*r.PostExposureDelayMs)
	}
	if r.SettleDelayMs != nil {
		s.SettleDelay = msDuration(*r.SettleDelayMs)
	}
	return s
}

// ReferenceRequest is the body of POST /references.
type ReferenceRequest struct {
	Source *geometry.Point `json:"source"`
	Pixel  *geometry.Point `json:"pixel,omitempty"`
}

// JogRequest is the body of POST /jog, in µm.
type JogRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// ShutterRequest is the body of POST /shutter.
type ShutterRequest struct {
	Open bool `json:"open"`
}

// PositionsRequest carries a position list over the websocket.
type PositionsRequest struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

func (r ReferenceRequest) command() (control.Command, error) {
	if r.Source == nil {
		return nil, errors.New("source is required")
	}
	return control.CaptureReference{Source: *r.Source, Pixel: r.Pixel}, nil
}

func (r RunRequest) command(defaults exposure.Settings) (control.Command, error) {
	if err := ValidateOverrides(r); err != nil {
		return nil, err
	}
	s := r.Apply(defaults)
	return control.StartRun{Settings: &s}, nil
}

// decodeCommand maps a websocket message type and its JSON body to a command.
func decodeCommand(typ string, raw []byte, defaults exposure.Settings) (control.Command, error) {
	decode := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("invalid %s message: %w", typ, err)
		}
		return nil
	}
	switch typ {
	case "status":
		return control.Status{}, nil
	case "load_positions":
		var p PositionsRequest
		if err := decode(&p); err != nil {
			return nil, err
		}
		return control.LoadPositions{Name: p.Name, Data: []byte(p.Data)}, nil
	case "load_grid":
		var g geometry.GridPlan
		if err := decode(&g); err != nil {
			return nil, err
		}
		return control.LoadGrid{Plan: g}, nil
	case "capture_reference":
		var r ReferenceRequest
		if err := decode(&r); err != nil {
			return nil, err
		}
		return r.command()
	case "clear_references":
		return control.ClearReferences{}, nil
	case "confirm_alignment":
		return control.ConfirmAlignment{}, nil
	case "start_run":
		var r RunRequest
		if err := decode(&r); err != nil {
			return nil, err
		}
		return r.command(defaults)
	case "cancel_run":
		return control.CancelRun{}, nil
	case "jog":
		var j JogRequest
		if err := decode(&j); err != nil {
			return nil, err
		}
		return control.Jog{DX: j.DX, DY: j.DY}, nil
	case "shutter":
		var s ShutterRequest
		if err := decode(&s); err != nil {
			return nil, err
		}
		return control.SetShutter{Open: s.Open}, nil
	case "estimate_origin":
		return control.EstimateOrigin{}, nil
	case "reset_origin":
		return control.ResetOrigin{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", typ)
	}
}
