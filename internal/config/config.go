package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Stage types.
const (
	StageMock    = "mock"
	StageStepper = "stepper"
	StageGrbl    = "grbl"
)

// Shutter types.
const (
	ShutterMock    = "mock"
	ShutterArduino = "arduino"
	ShutterGPIO    = "gpio"
)

// StepperConfig holds the configuration for one stage axis driven by a stepper motor.
type StepperConfig struct {
	StepPin    int     `yaml:"step_pin"`
	DirPin     int     `yaml:"dir_pin"`
	EnablePin  int     `yaml:"enable_pin"`   // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerUm float64 `yaml:"steps_per_um"` // microsteps per micrometre of travel
	Invert     bool    `yaml:"invert"`       // swap the direction pin level
}

// StageConfig selects and configures the XY stage.
type StageConfig struct {
	Type           string        `yaml:"type"` // "mock", "stepper" or "grbl"
	Port           string        `yaml:"port"`
	BaudRate       int           `yaml:"baud_rate"`
	FeedRateMmMin  float64       `yaml:"feed_rate_mm_min"` // grbl only; 0 = rapid moves (G0)
	PollIntervalMs int           `yaml:"poll_interval_ms"` // grbl status polling
	SpeedUmPerS    float64       `yaml:"speed_um_per_s"`   // mock travel speed
	StepDelayUs    int           `yaml:"step_delay_us"`    // stepper half-cycle delay
	MoveTimeoutMs  int           `yaml:"move_timeout_ms"`
	MoveRetries    int           `yaml:"move_retries"`
	SettleDelayMs  int           `yaml:"settle_delay_ms"` // wait after a move before exposing
	XStepper       StepperConfig `yaml:"x_stepper"`
	YStepper       StepperConfig `yaml:"y_stepper"`
}

// ShutterConfig describes how the exposure light is gated.
// Type selects a concrete implementation ("arduino", "gpio" or "mock").
type ShutterConfig struct {
	Type         string `yaml:"type"`
	Port         string `yaml:"port"`           // arduino serial port
	BaudRate     int    `yaml:"baud_rate"`      // arduino baud rate
	Pin          int    `yaml:"pin"`            // arduino output index, or BCM pin for gpio
	ActiveLow    bool   `yaml:"active_low"`     // gpio: LOW opens the shutter
	AckTimeoutMs int    `yaml:"ack_timeout_ms"` // arduino reply timeout
	RequireAck   bool   `yaml:"require_ack"`    // a missing arduino reply is a fault
}

// CameraConfig describes the imaging camera.
type CameraConfig struct {
	Type       string `yaml:"type"` // only "synthetic" is built in
	WidthPx    int    `yaml:"width_px"`
	HeightPx   int    `yaml:"height_px"`
	ExposureMs int    `yaml:"exposure_ms"` // camera exposure, not the patterning exposure
}

// CalibrationConfig relates camera pixels to stage micrometres.
type CalibrationConfig struct {
	UmPerPixel float64 `yaml:"um_per_pixel"`
	OriginXPx  float64 `yaml:"origin_x_px"` // pixel where the exposure spot lands
	OriginYPx  float64 `yaml:"origin_y_px"`
	FlipX      bool    `yaml:"flip_x"`
	FlipY      bool    `yaml:"flip_y"`
}

// PatternConfig controls how position files are read.
type PatternConfig struct {
	Units             string  `yaml:"units"`               // "um" (default), "nm" or "mm"
	SkipHeader        bool    `yaml:"skip_header"`         // drop the first non-blank line
	MaxScaleDeviation float64 `yaml:"max_scale_deviation"` // 0 = no unit check on alignment
}

// ExposureConfig holds the default patterning exposure.
type ExposureConfig struct {
	DurationMs          int `yaml:"duration_ms"`
	Repeat              int `yaml:"repeat"`
	PostExposureDelayMs int `yaml:"post_exposure_delay_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Stage       StageConfig       `yaml:"stage"`
	Shutter     ShutterConfig     `yaml:"shutter"`
	Camera      CameraConfig      `yaml:"camera"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Pattern     PatternConfig     `yaml:"pattern"`
	Exposure    ExposureConfig    `yaml:"exposure"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files located directly in a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	switch cfg.Stage.Type {
	case "":
		return errors.New("stage.type is required")
	case StageMock, StageStepper, StageGrbl:
	default:
		return fmt.Errorf("unsupported stage type: %s", cfg.Stage.Type)
	}
	switch cfg.Shutter.Type {
	case "":
		return errors.New("shutter.type is required")
	case ShutterMock, ShutterArduino, ShutterGPIO:
	default:
		return fmt.Errorf("unsupported shutter type: %s", cfg.Shutter.Type)
	}

	// Stage
	if cfg.Stage.Type == StageGrbl && cfg.Stage.Port == "" {
		return errors.New("stage.port is required for grbl stage")
	}
	if cfg.Stage.Type == StageStepper {
		if cfg.Stage.XStepper.StepsPerUm <= 0 || cfg.Stage.YStepper.StepsPerUm <= 0 {
			return errors.New("stage x_stepper/y_stepper steps_per_um must be > 0")
		}
	}
	if cfg.Stage.BaudRate <= 0 {
		cfg.Stage.BaudRate = 115200 // grbl default
	}
	if cfg.Stage.PollIntervalMs <= 0 {
		cfg.Stage.PollIntervalMs = 100
	}
	if cfg.Stage.SpeedUmPerS <= 0 {
		cfg.Stage.SpeedUmPerS = 2000
	}
	if cfg.Stage.StepDelayUs <= 0 {
		cfg.Stage.StepDelayUs = 500
	}
	if cfg.Stage.MoveTimeoutMs <= 0 {
		cfg.Stage.MoveTimeoutMs = 10000
	}
	if cfg.Stage.MoveRetries < 0 || cfg.Stage.MoveRetries > 5 {
		return fmt.Errorf("stage.move_retries must be between 0 and 5, got %d", cfg.Stage.MoveRetries)
	}
	if cfg.Stage.SettleDelayMs < 0 {
		return fmt.Errorf("stage.settle_delay_ms must be >= 0, got %d", cfg.Stage.SettleDelayMs)
	}

	// Shutter
	if cfg.Shutter.Type == ShutterArduino {
		if cfg.Shutter.Port == "" {
			return errors.New("shutter.port is required for arduino shutter")
		}
		if cfg.Shutter.Pin < 0 || cfg.Shutter.Pin > 255 {
			return fmt.Errorf("shutter.pin must fit in one byte, got %d", cfg.Shutter.Pin)
		}
	}
	if cfg.Shutter.Type == ShutterGPIO && cfg.Shutter.Pin <= 0 {
		return errors.New("shutter.pin is required for gpio shutter")
	}
	if cfg.Shutter.BaudRate <= 0 {
		cfg.Shutter.BaudRate = 57600
	}
	if cfg.Shutter.AckTimeoutMs <= 0 {
		cfg.Shutter.AckTimeoutMs = 100
	}

	// Camera
	if cfg.Camera.Type == "" {
		cfg.Camera.Type = "synthetic"
	}
	if cfg.Camera.WidthPx <= 0 {
		cfg.Camera.WidthPx = 2560
	}
	if cfg.Camera.HeightPx <= 0 {
		cfg.Camera.HeightPx = 2160
	}
	if cfg.Camera.ExposureMs <= 0 {
		cfg.Camera.ExposureMs = 50
	}

	// Calibration
	if cfg.Calibration.UmPerPixel < 0 {
		return fmt.Errorf("calibration.um_per_pixel must be > 0, got %g", cfg.Calibration.UmPerPixel)
	}
	if cfg.Calibration.UmPerPixel == 0 {
		cfg.Calibration.UmPerPixel = 0.1705
	}
	if cfg.Calibration.OriginXPx == 0 && cfg.Calibration.OriginYPx == 0 {
		cfg.Calibration.OriginXPx = float64(cfg.Camera.WidthPx) / 2
		cfg.Calibration.OriginYPx = float64(cfg.Camera.HeightPx) / 2
	}

	// Pattern
	switch strings.ToLower(cfg.Pattern.Units) {
	case "":
		cfg.Pattern.Units = "um"
	case "um", "nm", "mm":
		cfg.Pattern.Units = strings.ToLower(cfg.Pattern.Units)
	default:
		return fmt.Errorf("pattern.units must be um, nm or mm, got %q", cfg.Pattern.Units)
	}
	if cfg.Pattern.MaxScaleDeviation < 0 || cfg.Pattern.MaxScaleDeviation >= 1 {
		return fmt.Errorf("pattern.max_scale_deviation must be in [0, 1), got %g", cfg.Pattern.MaxScaleDeviation)
	}

	// Exposure
	if cfg.Exposure.DurationMs < 0 {
		return fmt.Errorf("exposure.duration_ms must be > 0, got %d", cfg.Exposure.DurationMs)
	}
	if cfg.Exposure.DurationMs == 0 {
		cfg.Exposure.DurationMs = 15000 // 15 s
	}
	if cfg.Exposure.Repeat <= 0 {
		cfg.Exposure.Repeat = 1
	}
	if cfg.Exposure.PostExposureDelayMs <= 0 {
		cfg.Exposure.PostExposureDelayMs = 100
	}
	return nil
}

// MoveTimeout returns the bound on a single stage move.
func (c *Config) MoveTimeout() time.Duration {
	return time.Duration(c.Stage.MoveTimeoutMs) * time.Millisecond
}

// SettleDelay returns the wait between move completion and shutter open.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Stage.SettleDelayMs) * time.Millisecond
}

// StepDelay returns the stepper half-cycle delay.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Stage.StepDelayUs) * time.Microsecond
}

// PollInterval returns the grbl status polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Stage.PollIntervalMs) * time.Millisecond
}

// AckTimeout returns the shutter controller reply timeout.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Shutter.AckTimeoutMs) * time.Millisecond
}

// ExposureDuration returns the default patterning exposure.
func (c *Config) ExposureDuration() time.Duration {
	return time.Duration(c.Exposure.DurationMs) * time.Millisecond
}

// PostExposureDelay returns the delay after the shutter closes, before the next move.
func (c *Config) PostExposureDelay() time.Duration {
	return time.Duration(c.Exposure.PostExposureDelayMs) * time.Millisecond
}

// CameraExposure returns the camera integration time.
func (c *Config) CameraExposure() time.Duration {
	return time.Duration(c.Camera.ExposureMs) * time.Millisecond
}
