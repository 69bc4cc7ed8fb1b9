package camera

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cjeanneret/LithoGo/internal/debug"
)

// SyntheticConfig describes the simulated sensor.
type SyntheticConfig struct {
	Width, Height int
	Exposure      time.Duration // simulated integration time
	SpotX, SpotY  float64       // centre of the illumination spot, pixels
	SpotSigma     float64       // gaussian radius, pixels
	SpotPeak      uint16        // peak value above background
	Background    uint16
	Noise         float64 // standard deviation of additive noise
	Seed          int64
}

// Synthetic generates frames with a bright gaussian spot on a noisy
// background. Used when no camera is attached.
type Synthetic struct {
	mu  sync.Mutex
	cfg SyntheticConfig
	rng *rand.Rand
}

// NewSynthetic creates a synthetic camera, filling unset fields with defaults.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Width <= 0 {
		cfg.Width = 2560
	}
	if cfg.Height <= 0 {
		cfg.Height = 2160
	}
	if cfg.SpotSigma <= 0 {
		cfg.SpotSigma = 12
	}
	if cfg.SpotPeak == 0 {
		cfg.SpotPeak = 40000
	}
	if cfg.Background == 0 {
		cfg.Background = 1000
	}
	if cfg.Noise < 0 {
		cfg.Noise = 0
	}
	return &Synthetic{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (s *Synthetic) Resolution() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return image.Point{X: s.cfg.Width, Y: s.cfg.Height}
}

// SetSpot moves the simulated illumination spot.
func (s *Synthetic) SetSpot(x, y float64) {
	s.mu.Lock()
	s.cfg.SpotX, s.cfg.SpotY = x, y
	s.mu.Unlock()
}

func (s *Synthetic) Snap(ctx context.Context) (*image.Gray16, error) {
	if s.cfg.Exposure > 0 {
		t := time.NewTimer(s.cfg.Exposure)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cfg
	debug.Trace("Camera (synthetic): %dx%d frame, spot at (%.1f, %.1f)", c.Width, c.Height, c.SpotX, c.SpotY)

	img := image.NewGray16(image.Rect(0, 0, c.Width, c.Height))
	twoSigma2 := 2 * c.SpotSigma * c.SpotSigma
	reach := 4 * c.SpotSigma
	for y := 0; y < c.Height; y++ {
		dy := float64(y) - c.SpotY
		for x := 0; x < c.Width; x++ {
			v := float64(c.Background)
			if c.Noise > 0 {
				v += s.rng.NormFloat64() * c.Noise
			}
			dx := float64(x) - c.SpotX
			if math.Abs(dx) <= reach && math.Abs(dy) <= reach {
				v += float64(c.SpotPeak) * math.Exp(-(dx*dx+dy*dy)/twoSigma2)
			}
			img.SetGray16(x, y, color.Gray16{Y: clamp16(v)})
		}
	}
	return img, nil
}

func clamp16(v float64) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(v)
	}
}
