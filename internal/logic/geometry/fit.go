package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientAlignment is the sentinel wrapped by every AlignmentError.
var ErrInsufficientAlignment = errors.New("insufficient alignment data")

// relEps is the relative tolerance used for degeneracy checks.
const relEps = 1e-9

// MinSpread is the smallest distance of the source points from their common
// line, relative to their span, that FitAffine accepts. Below it the shear
// and scale across the line are dominated by picking noise.
const MinSpread = 1e-3

// Pair is one reference correspondence: a feature in source (design) space
// and the stage position where the operator found it.
type Pair struct {
	Source Point `json:"source"`
	Stage  Point `json:"stage"`
}

// AlignmentError reports reference data that cannot produce a stable transform.
type AlignmentError struct {
	Pairs  int
	Reason string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%v (%d pair(s)): %s", ErrInsufficientAlignment, e.Pairs, e.Reason)
}

func (e *AlignmentError) Unwrap() error { return ErrInsufficientAlignment }

// Fit solves for the source→stage transform. Two pairs give a similarity
// (uniform scale, rotation, translation); three or more give a least-squares
// affine fit.
func Fit(pairs []Pair) (AffineTransform, error) {
	switch {
	case len(pairs) < 2:
		return AffineTransform{}, &AlignmentError{Pairs: len(pairs), Reason: "at least 2 reference pairs are required"}
	case len(pairs) == 2:
		return FitSimilarity(pairs)
	default:
		return FitAffine(pairs)
	}
}

// FitSimilarity solves the similarity transform defined by exactly two pairs.
func FitSimilarity(pairs []Pair) (AffineTransform, error) {
	if len(pairs) != 2 {
		return AffineTransform{}, &AlignmentError{Pairs: len(pairs), Reason: "similarity fit needs exactly 2 reference pairs"}
	}
	if err := checkFinite(pairs); err != nil {
		return AffineTransform{}, err
	}
	s1, s2 := pairs[0].Source, pairs[1].Source
	t1, t2 := pairs[0].Stage, pairs[1].Stage

	ds := s2.Sub(s1)
	dt := t2.Sub(t1)
	n2 := ds.X*ds.X + ds.Y*ds.Y
	if math.Sqrt(n2) <= relEps*magnitude(s1, s2) {
		return AffineTransform{}, &AlignmentError{Pairs: 2, Reason: "source reference points coincide"}
	}
	if math.Hypot(dt.X, dt.Y) <= relEps*magnitude(t1, t2) {
		return AffineTransform{}, &AlignmentError{Pairs: 2, Reason: "stage reference points coincide"}
	}

	// dt = (a + ib) * ds as complex numbers
	a := (dt.X*ds.X + dt.Y*ds.Y) / n2
	b := (dt.Y*ds.X - dt.X*ds.Y) / n2

	return AffineTransform{
		A: a, B: -b, TX: t1.X - (a*s1.X - b*s1.Y),
		C: b, D: a, TY: t1.Y - (b*s1.X + a*s1.Y),
	}, nil
}

// FitAffine solves the least-squares affine transform for three or more
// pairs whose source points are not collinear.
func FitAffine(pairs []Pair) (AffineTransform, error) {
	n := len(pairs)
	if n < 3 {
		return AffineTransform{}, &AlignmentError{Pairs: n, Reason: "affine fit needs at least 3 reference pairs"}
	}
	if err := checkFinite(pairs); err != nil {
		return AffineTransform{}, err
	}
	sources := make([]Point, n)
	for i, p := range pairs {
		sources[i] = p.Source
	}
	if Collinear(sources) {
		return AffineTransform{}, &AlignmentError{Pairs: n, Reason: "source reference points are collinear"}
	}
	if spread, span := lineSpread(sources); spread < MinSpread*span {
		return AffineTransform{}, &AlignmentError{Pairs: n, Reason: "source reference points are nearly collinear"}
	}

	m := mat.NewDense(n, 3, nil)
	rhs := mat.NewDense(n, 2, nil)
	for i, p := range pairs {
		m.SetRow(i, []float64{p.Source.X, p.Source.Y, 1})
		rhs.SetRow(i, []float64{p.Stage.X, p.Stage.Y})
	}

	var sol mat.Dense
	if err := sol.Solve(m, rhs); err != nil {
		return AffineTransform{}, &AlignmentError{Pairs: n, Reason: fmt.Sprintf("least-squares solve failed: %v", err)}
	}

	t := AffineTransform{
		A: sol.At(0, 0), B: sol.At(1, 0), TX: sol.At(2, 0),
		C: sol.At(0, 1), D: sol.At(1, 1), TY: sol.At(2, 1),
	}
	if !t.IsFinite() || math.Abs(t.Det()) < 1e-12 {
		return AffineTransform{}, &AlignmentError{Pairs: n, Reason: "fitted transform is degenerate"}
	}
	return t, nil
}

// Collinear reports whether all points lie on one line (or coincide).
func Collinear(points []Point) bool {
	if len(points) < 3 {
		return true
	}
	spread, span := lineSpread(points)
	if span <= relEps*magnitude(points...) {
		return true
	}
	return spread <= relEps*span
}

// lineSpread returns the largest distance of any point from the line through
// the two farthest-apart points, and the distance between those two.
func lineSpread(points []Point) (spread, span float64) {
	var p, q Point
	span = -1
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			if d := points[i].Dist(points[j]); d > span {
				span, p, q = d, points[i], points[j]
			}
		}
	}
	if span <= 0 {
		return 0, 0
	}
	dir := q.Sub(p)
	for _, r := range points {
		v := r.Sub(p)
		spread = math.Max(spread, math.Abs(dir.X*v.Y-dir.Y*v.X)/span)
	}
	return spread, span
}

// RMSE returns the root-mean-square residual of t over the pairs, in stage units.
func RMSE(t AffineTransform, pairs []Pair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pairs {
		d := t.Apply(p.Source).Dist(p.Stage)
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(pairs)))
}

func checkFinite(pairs []Pair) error {
	for i, p := range pairs {
		if !p.Source.IsFinite() || !p.Stage.IsFinite() {
			return &AlignmentError{Pairs: len(pairs), Reason: fmt.Sprintf("pair %d has a non-finite coordinate", i+1)}
		}
	}
	return nil
}

func magnitude(points ...Point) float64 {
	m := 1.0
	for _, p := range points {
		m = math.Max(m, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	return m
}
