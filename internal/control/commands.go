package control

import (
	"image"

	"github.com/cjeanneret/LithoGo/internal/imaging"
	"github.com/cjeanneret/LithoGo/internal/logic/alignment"
	"github.com/cjeanneret/LithoGo/internal/logic/exposure"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// Command is a request processed by the controller goroutine.
type Command interface {
	commandName() string
}

// LoadPositions parses a position list from memory.
type LoadPositions struct {
	Name string
	Data []byte
}

// LoadFile reads a position list from disk.
type LoadFile struct {
	Path string
}

// LoadGrid replaces the position list with a generated array.
type LoadGrid struct {
	Plan geometry.GridPlan
}

// CaptureReference pairs Source with the current stage position, or with the
// stage position of the feature seen at Pixel in the camera frame.
type CaptureReference struct {
	Source geometry.Point
	Pixel  *geometry.Point
}

// ClearReferences drops every reference pair.
type ClearReferences struct{}

// ConfirmAlignment accepts the current fit for the loaded list.
type ConfirmAlignment struct{}

// StartRun begins exposing the loaded list. A nil Settings uses the
// configured defaults.
type StartRun struct {
	Settings *exposure.Settings
}

// CancelRun stops the active run after the current exposure.
type CancelRun struct{}

// Jog moves the stage by a relative offset in µm.
type Jog struct {
	DX, DY float64
}

// SetShutter opens or closes the shutter by hand.
type SetShutter struct {
	Open bool
}

// EstimateOrigin finds the illumination spot in a camera frame taken with the
// shutter open and stores it as the calibration origin.
type EstimateOrigin struct{}

// ResetOrigin restores the configured calibration origin.
type ResetOrigin struct{}

// Snapshot grabs a camera frame together with the overlay to draw on it.
type Snapshot struct {
	Width int // preview width hint copied into the overlay
}

// Status returns the controller status.
type Status struct{}

func (LoadPositions) commandName() string    { return "load positions" }
func (LoadFile) commandName() string         { return "load file" }
func (LoadGrid) commandName() string         { return "load grid" }
func (CaptureReference) commandName() string { return "capture reference" }
func (ClearReferences) commandName() string  { return "clear references" }
func (ConfirmAlignment) commandName() string { return "confirm alignment" }
func (StartRun) commandName() string         { return "start run" }
func (CancelRun) commandName() string        { return "cancel run" }
func (Jog) commandName() string              { return "jog" }
func (SetShutter) commandName() string       { return "shutter" }
func (EstimateOrigin) commandName() string   { return "estimate origin" }
func (ResetOrigin) commandName() string      { return "reset origin" }
func (Snapshot) commandName() string         { return "snapshot" }
func (Status) commandName() string           { return "status" }

// ListInfo describes the loaded position list.
type ListInfo struct {
	Name    string          `json:"name"`
	Version uint64          `json:"version"`
	Points  int             `json:"points"`
	Min     *geometry.Point `json:"min,omitempty"`
	Max     *geometry.Point `json:"max,omitempty"`
}

// State is the controller status shared with every presentation surface.
type State struct {
	List        *ListInfo         `json:"list,omitempty"`
	Alignment   alignment.Summary `json:"alignment"`
	Run         exposure.RunState `json:"run"`
	Running     bool              `json:"running"`
	Stage       geometry.Point    `json:"stage_um"`
	StageError  string            `json:"stage_error,omitempty"`
	ShutterOpen bool              `json:"shutter_open"`
	Origin      geometry.Point    `json:"origin_px"`
	Settings    exposure.Settings `json:"settings"`
}

// Reply is the result of a command. State is always filled; the other fields
// only by the commands that produce them.
type Reply struct {
	State   State
	Frame   *image.Gray16
	Overlay imaging.Overlay
	Spot    *geometry.Point
}
