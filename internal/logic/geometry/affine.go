package geometry

import (
	"errors"
	"math"
)

// ErrSingular is returned when a transform cannot be inverted.
var ErrSingular = errors.New("transform is singular")

// AffineTransform maps source coordinates to stage coordinates:
//
//	x' = A*x + B*y + TX
//	y' = C*x + D*y + TY
type AffineTransform struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	TX float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	TY float64 `json:"ty"`
}

// Identity returns the identity transform.
func Identity() AffineTransform {
	return AffineTransform{A: 1, D: 1}
}

// Translation returns a pure translation.
func Translation(dx, dy float64) AffineTransform {
	return AffineTransform{A: 1, D: 1, TX: dx, TY: dy}
}

// Rotation returns a counter-clockwise rotation by theta radians about the origin.
func Rotation(theta float64) AffineTransform {
	sin, cos := math.Sincos(theta)
	return AffineTransform{A: cos, B: -sin, C: sin, D: cos}
}

// Scaling returns a uniform scale about the origin.
func Scaling(s float64) AffineTransform {
	return AffineTransform{A: s, D: s}
}

// Apply maps a single point.
func (t AffineTransform) Apply(p Point) Point {
	return Point{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// ApplyAll maps every point, preserving order. The input is not modified.
func (t AffineTransform) ApplyAll(points []Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Compose returns the transform that applies o first, then t.
func (t AffineTransform) Compose(o AffineTransform) AffineTransform {
	return AffineTransform{
		A:  t.A*o.A + t.B*o.C,
		B:  t.A*o.B + t.B*o.D,
		TX: t.A*o.TX + t.B*o.TY + t.TX,
		C:  t.C*o.A + t.D*o.C,
		D:  t.C*o.B + t.D*o.D,
		TY: t.C*o.TX + t.D*o.TY + t.TY,
	}
}

// Det returns the determinant of the linear part.
func (t AffineTransform) Det() float64 {
	return t.A*t.D - t.B*t.C
}

// Invert returns the inverse transform.
func (t AffineTransform) Invert() (AffineTransform, error) {
	det := t.Det()
	if math.Abs(det) < 1e-12 {
		return AffineTransform{}, ErrSingular
	}
	a := t.D / det
	b := -t.B / det
	c := -t.C / det
	d := t.A / det
	return AffineTransform{
		A: a, B: b, TX: -(a*t.TX + b*t.TY),
		C: c, D: d, TY: -(c*t.TX + d*t.TY),
	}, nil
}

// Scale returns the mean linear scale factor, sqrt(|det|).
func (t AffineTransform) Scale() float64 {
	return math.Sqrt(math.Abs(t.Det()))
}

// Rotation returns the rotation of the source x axis, in radians.
func (t AffineTransform) Rotation() float64 {
	return math.Atan2(t.C, t.A)
}

// Shear reports how far the linear part is from a similarity, as the
// relative mismatch between its two column lengths and their non-orthogonality.
func (t AffineTransform) Shear() float64 {
	sx := math.Hypot(t.A, t.C)
	sy := math.Hypot(t.B, t.D)
	if sx == 0 || sy == 0 {
		return math.Inf(1)
	}
	dot := (t.A*t.B + t.C*t.D) / (sx * sy)
	return math.Abs(sx-sy)/math.Max(sx, sy) + math.Abs(dot)
}

// IsFinite reports whether every coefficient is a finite number.
func (t AffineTransform) IsFinite() bool {
	for _, v := range [...]float64{t.A, t.B, t.TX, t.C, t.D, t.TY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
