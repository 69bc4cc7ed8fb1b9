package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/LithoGo/internal/config"
	"github.com/cjeanneret/LithoGo/internal/control"
	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/hw/camera"
	"github.com/cjeanneret/LithoGo/internal/hw/gpio"
	"github.com/cjeanneret/LithoGo/internal/hw/serialport"
	"github.com/cjeanneret/LithoGo/internal/hw/shutter"
	"github.com/cjeanneret/LithoGo/internal/hw/stage"
	"github.com/cjeanneret/LithoGo/internal/hw/stepper"
	"github.com/cjeanneret/LithoGo/internal/logic/exposure"
	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
	"github.com/cjeanneret/LithoGo/internal/logic/motion"
	"github.com/cjeanneret/LithoGo/internal/logic/positions"
	"github.com/cjeanneret/LithoGo/internal/tui"
	"github.com/cjeanneret/LithoGo/internal/web"
)

const (
	maxDurationMs    = 3_600_000
	maxRepeat        = 1000
	maxSettleDelayMs = 600_000
)

// overrides holds CLI values that replace config entries. Zero means "use config".
type overrides struct {
	DurationMs    int
	Repeat        int
	SettleDelayMs int
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	positionsPath := flag.String("positions", "", "position list to load at startup")
	useTUI := flag.Bool("tui", false, "start the terminal interface")
	listPorts := flag.Bool("list_ports", false, "print the serial ports found on this host and exit")
	durationMs := flag.Int("duration_ms", 0, "override exposure duration in ms")
	repeat := flag.Int("repeat", 0, "override pulses per point")
	settleDelayMs := flag.Int("settle_delay_ms", 0, "override settle delay after each move in ms")
	flag.Parse()

	if *listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			log.Fatalf("list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	ov := overrides{DurationMs: *durationMs, Repeat: *repeat, SettleDelayMs: *settleDelayMs}
	if err := validateCLIOverrides(ov); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, ov)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if webPort.port() == 0 && !*useTUI {
		// Without a front end, only check the position list.
		if err := checkPositions(cfg, *positionsPath); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing stage")
	st, closeStage, err := newStageFromConfig(ctx, gpioDriver, cfg)
	if err != nil {
		log.Fatalf("init stage failed: %v", err)
	}
	defer closeStage()
	debug.Value("Stage type", cfg.Stage.Type)

	debug.Step(3, "Initializing shutter")
	sh, closeShutter, err := newShutterFromConfig(gpioDriver, cfg)
	if err != nil {
		log.Fatalf("init shutter failed: %v", err)
	}
	defer closeShutter()
	debug.Value("Shutter type", cfg.Shutter.Type)

	debug.Step(4, "Initializing camera")
	cam, err := newCameraFromConfig(cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.Value("Camera type", cfg.Camera.Type)

	deps := controlDeps(cfg, st, sh, cam)
	ctrl := control.New(deps)

	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error { return ctrl.Run(gctx) })

	if *positionsPath != "" {
		if _, err := ctrl.Submit(gctx, control.LoadFile{Path: *positionsPath}); err != nil {
			log.Printf("load positions: %v", err)
		}
	}

	var logOut io.Writer = os.Stdout
	if *useTUI {
		// the alternate screen owns the terminal
		logOut = io.Discard
	}
	if port := webPort.port(); port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		logOut = io.MultiWriter(logOut, web.BroadcastWriter(broadcaster))

		formDefaults := web.NewFormConfig(deps.Settings)
		formDefaults.StageType = cfg.Stage.Type
		formDefaults.ShutterType = cfg.Shutter.Type
		formDefaults.CameraType = cfg.Camera.Type
		formDefaults.UmPerPixel = cfg.Calibration.UmPerPixel
		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, ctrl, deps.Settings, formDefaults)
		g.Go(func() error { return srv.Run(gctx) })
	}
	debug.SetOutput(logOut)

	if *useTUI {
		g.Go(func() error {
			defer cancel()
			return tui.Run(gctx, ctrl)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("lithogo: %v", err)
	}
}

// checkPositions parses path and prints its summary.
func checkPositions(cfg *config.Config, path string) error {
	if path == "" {
		return errors.New("nothing to do: pass -web, -tui or -positions")
	}
	list, err := positions.Load(path, positionOptions(cfg))
	if err != nil {
		return err
	}
	debug.Pattern(list.Name(), list.Len())
	fmt.Printf("%s: %d point(s)\n", list.Name(), list.Len())
	if lo, hi, ok := list.Bounds(); ok {
		fmt.Printf("bounds: %v .. %v µm\n", lo, hi)
	}
	return nil
}

func positionOptions(cfg *config.Config) positions.Options {
	return positions.Options{SkipHeader: cfg.Pattern.SkipHeader, Units: cfg.Pattern.Units}
}

// controlDeps builds the controller dependencies from cfg.
func controlDeps(cfg *config.Config, st stage.Stage, sh shutter.Shutter, cam camera.Camera) control.Deps {
	return control.Deps{
		Stage:   st,
		Shutter: sh,
		Camera:  cam,
		Calibration: geometry.Calibration{
			OriginPx:   geometry.Point{X: cfg.Calibration.OriginXPx, Y: cfg.Calibration.OriginYPx},
			UmPerPixel: cfg.Calibration.UmPerPixel,
			FlipX:      cfg.Calibration.FlipX,
			FlipY:      cfg.Calibration.FlipY,
		},
		Settings: exposure.Settings{
			Duration:          cfg.ExposureDuration(),
			Repeat:            cfg.Exposure.Repeat,
			PostExposureDelay: cfg.PostExposureDelay(),
			SettleDelay:       cfg.SettleDelay(),
			MoveTimeout:       cfg.MoveTimeout(),
			MoveRetries:       cfg.Stage.MoveRetries,
		},
		Positions:         positionOptions(cfg),
		MaxScaleDeviation: cfg.Pattern.MaxScaleDeviation,
		SpotThreshold:     control.DefaultSpotThreshold,
	}
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(ov overrides) error {
	if ov.DurationMs < 0 || ov.DurationMs > maxDurationMs {
		return fmt.Errorf("duration_ms must be between 1 and %d, got %d", maxDurationMs, ov.DurationMs)
	}
	if ov.Repeat < 0 || ov.Repeat > maxRepeat {
		return fmt.Errorf("repeat must be between 1 and %d, got %d", maxRepeat, ov.Repeat)
	}
	if ov.SettleDelayMs < 0 || ov.SettleDelayMs > maxSettleDelayMs {
		return fmt.Errorf("settle_delay_ms must be between 1 and %d, got %d", maxSettleDelayMs, ov.SettleDelayMs)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, ov overrides) {
	if ov.DurationMs > 0 {
		cfg.Exposure.DurationMs = ov.DurationMs
	}
	if ov.Repeat > 0 {
		cfg.Exposure.Repeat = ov.Repeat
	}
	if ov.SettleDelayMs > 0 {
		cfg.Stage.SettleDelayMs = ov.SettleDelayMs
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newStageFromConfig selects a stage implementation. The returned func
// releases it.
func newStageFromConfig(ctx context.Context, g gpio.Driver, cfg *config.Config) (stage.Stage, func(), error) {
	switch cfg.Stage.Type {
	case config.StageMock:
		return stage.NewMock(cfg.Stage.SpeedUmPerS), func() {}, nil

	case config.StageStepper:
		x := stepper.NewStepper(g, stepperConfig("x", cfg.Stage.XStepper, cfg))
		y := stepper.NewStepper(g, stepperConfig("y", cfg.Stage.YStepper, cfg))
		debug.PrintStruct("X stepper config", cfg.Stage.XStepper)
		debug.PrintStruct("Y stepper config", cfg.Stage.YStepper)
		mc := motion.NewController(x, y, geometry.NewStepsCalculator(cfg))
		if err := mc.EnableMotors(); err != nil {
			return nil, nil, fmt.Errorf("enable motors: %w", err)
		}
		return mc, func() {
			if err := mc.DisableMotors(); err != nil {
				log.Printf("disabling motors failed: %v", err)
			}
		}, nil

	case config.StageGrbl:
		port, err := serialport.Open(cfg.Stage.Port, serialport.Options{BaudRate: cfg.Stage.BaudRate})
		if err != nil {
			return nil, nil, err
		}
		gs := stage.NewGrbl(port, stage.GrblOptions{
			FeedRateMmMin: cfg.Stage.FeedRateMmMin,
			PollInterval:  cfg.PollInterval(),
			PortName:      cfg.Stage.Port,
		})
		closeFn := func() {
			if err := gs.Close(); err != nil {
				log.Printf("closing stage port failed: %v", err)
			}
		}
		initCtx, cancel := context.WithTimeout(ctx, cfg.MoveTimeout())
		defer cancel()
		if err := gs.Init(initCtx); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("grbl init: %w", err)
		}
		return gs, closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unsupported stage type: %s", cfg.Stage.Type)
	}
}

func stepperConfig(name string, sc config.StepperConfig, cfg *config.Config) stepper.Config {
	return stepper.Config{
		Name:      name,
		StepPin:   sc.StepPin,
		DirPin:    sc.DirPin,
		EnablePin: sc.EnablePin,
		Invert:    sc.Invert,
		StepDelay: cfg.StepDelay(),
	}
}

// newShutterFromConfig selects a shutter implementation. The returned func
// closes the shutter and releases its port.
func newShutterFromConfig(g gpio.Driver, cfg *config.Config) (shutter.Shutter, func(), error) {
	var (
		sh      shutter.Shutter
		release = func() error { return nil }
	)
	switch cfg.Shutter.Type {
	case config.ShutterMock:
		sh = shutter.NewMock()

	case config.ShutterArduino:
		port, err := serialport.Open(cfg.Shutter.Port, serialport.Options{
			BaudRate:    cfg.Shutter.BaudRate,
			ReadTimeout: cfg.AckTimeout(),
		})
		if err != nil {
			return nil, nil, err
		}
		a, err := shutter.NewArduino(port, shutter.ArduinoOptions{
			Pin:        byte(cfg.Shutter.Pin),
			AckTimeout: cfg.AckTimeout(),
			RequireAck: cfg.Shutter.RequireAck,
			PortName:   cfg.Shutter.Port,
		})
		if err != nil {
			_ = port.Close()
			return nil, nil, err
		}
		sh, release = a, port.Close

	case config.ShutterGPIO:
		s, err := shutter.NewGPIO(g, cfg.Shutter.Pin, cfg.Shutter.ActiveLow)
		if err != nil {
			return nil, nil, err
		}
		sh = s

	default:
		return nil, nil, fmt.Errorf("unsupported shutter type: %s", cfg.Shutter.Type)
	}
	return sh, func() {
		if err := sh.Close(); err != nil {
			log.Printf("closing shutter failed: %v", err)
		}
		if err := release(); err != nil {
			log.Printf("closing shutter port failed: %v", err)
		}
	}, nil
}

// newCameraFromConfig selects a camera implementation based on configuration.
func newCameraFromConfig(cfg *config.Config) (camera.Camera, error) {
	switch cfg.Camera.Type {
	case "synthetic":
		return camera.NewSynthetic(camera.SyntheticConfig{
			Width:    cfg.Camera.WidthPx,
			Height:   cfg.Camera.HeightPx,
			Exposure: cfg.CameraExposure(),
			SpotX:    cfg.Calibration.OriginXPx,
			SpotY:    cfg.Calibration.OriginYPx,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}
