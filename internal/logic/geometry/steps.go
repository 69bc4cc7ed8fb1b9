package geometry

import (
	"math"

	"github.com/cjeanneret/LithoGo/internal/config"
)

// StepsCalculator converts stage distances (µm) to motor step counts.
type StepsCalculator struct {
	xStepsPerUm float64
	yStepsPerUm float64
}

// NewStepsCalculator creates a step calculator from configuration.
func NewStepsCalculator(cfg *config.Config) *StepsCalculator {
	return &StepsCalculator{
		xStepsPerUm: cfg.Stage.XStepper.StepsPerUm,
		yStepsPerUm: cfg.Stage.YStepper.StepsPerUm,
	}
}

// XSteps converts an absolute X position in µm to an absolute step index.
func (s *StepsCalculator) XSteps(um float64) int {
	return int(math.Round(um * s.xStepsPerUm))
}

// YSteps converts an absolute Y position in µm to an absolute step index.
func (s *StepsCalculator) YSteps(um float64) int {
	return int(math.Round(um * s.yStepsPerUm))
}

// XUm converts an X step index back to µm.
func (s *StepsCalculator) XUm(steps int) float64 {
	if s.xStepsPerUm == 0 {
		return 0
	}
	return float64(steps) / s.xStepsPerUm
}

// YUm converts a Y step index back to µm.
func (s *StepsCalculator) YUm(steps int) float64 {
	if s.yStepsPerUm == 0 {
		return 0
	}
	return float64(steps) / s.yStepsPerUm
}

// Resolution returns the smallest representable move on each axis, in µm.
func (s *StepsCalculator) Resolution() Point {
	return Point{X: s.XUm(1), Y: s.YUm(1)}
}
