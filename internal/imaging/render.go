package imaging

import (
	"image"
	"image/color"
	"io"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// Marker colours.
var (
	PointColor     = color.RGBA{R: 0, G: 220, B: 0, A: 255}
	ReferenceColor = color.RGBA{R: 255, G: 160, B: 0, A: 255}
	OriginColor    = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// Overlay describes what to draw on top of a frame. All coordinates are in
// frame pixels.
type Overlay struct {
	Points     []geometry.Point
	References []geometry.Point
	Origin     *geometry.Point

	// Low and High fix the contrast limits. When both are zero the 5th and
	// 95th percentiles of the frame are used.
	Low, High uint16

	// Width of the rendered preview; 0 keeps the frame size.
	Width int
}

// Stretch returns the contrast limits that Render would use for frame.
func Stretch(frame *image.Gray16, ov Overlay) (low, high uint16) {
	if ov.Low != 0 || ov.High != 0 {
		return ov.Low, ov.High
	}
	return Percentile(frame, 0.05), Percentile(frame, 0.95)
}

// Percentile returns the smallest value v such that at least q of the
// frame's pixels are <= v.
func Percentile(frame *image.Gray16, q float64) uint16 {
	b := frame.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	hist := make([]int, math.MaxUint16+1)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[frame.Gray16At(x, y).Y]++
		}
	}
	want := int(math.Ceil(q * float64(n)))
	if want < 1 {
		want = 1
	}
	acc := 0
	for v, c := range hist {
		acc += c
		if acc >= want {
			return uint16(v)
		}
	}
	return math.MaxUint16
}

// Render produces an 8-bit preview of frame with the overlay markers drawn.
func Render(frame *image.Gray16, ov Overlay) *image.RGBA {
	b := frame.Bounds()
	low, high := Stretch(frame, ov)
	span := float64(high) - float64(low)
	if span <= 0 {
		span = 1
	}

	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := (float64(frame.Gray16At(x, y).Y) - float64(low)) / span
			v = math.Max(0, math.Min(1, v))
			gray.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: uint8(math.Round(v * 255))})
		}
	}

	scale := 1.0
	w, h := b.Dx(), b.Dy()
	if ov.Width > 0 && ov.Width != w {
		scale = float64(ov.Width) / float64(w)
		w, h = ov.Width, int(math.Round(float64(h)*scale))
		if h < 1 {
			h = 1
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if scale == 1 {
		draw.Draw(dst, dst.Bounds(), gray, image.Point{}, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), gray, gray.Bounds(), draw.Src, nil)
	}

	at := func(p geometry.Point) (int, int) {
		return int(math.Round((p.X - float64(b.Min.X)) * scale)),
			int(math.Round((p.Y - float64(b.Min.Y)) * scale))
	}
	for _, p := range ov.Points {
		x, y := at(p)
		circle(dst, x, y, 6, PointColor)
	}
	for _, p := range ov.References {
		x, y := at(p)
		square(dst, x, y, 8, ReferenceColor)
	}
	if ov.Origin != nil {
		x, y := at(*ov.Origin)
		cross(dst, x, y, 10, OriginColor)
	}
	return dst
}

// SaveTIFF writes the raw 16-bit frame as a deflate-compressed TIFF.
func SaveTIFF(w io.Writer, frame *image.Gray16) error {
	return tiff.Encode(w, frame, &tiff.Options{Compression: tiff.Deflate})
}

func circle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	// Midpoint circle.
	x, y, d := r, 0, 1-r
	for x >= y {
		for _, p := range [8][2]int{{x, y}, {y, x}, {-y, x}, {-x, y}, {-x, -y}, {-y, -x}, {y, -x}, {x, -y}} {
			setIn(img, cx+p[0], cy+p[1], c)
		}
		y++
		if d < 0 {
			d += 2*y + 1
		} else {
			x--
			d += 2*(y-x) + 1
		}
	}
}

func square(img *image.RGBA, cx, cy, half int, c color.RGBA) {
	for i := -half; i <= half; i++ {
		setIn(img, cx+i, cy-half, c)
		setIn(img, cx+i, cy+half, c)
		setIn(img, cx-half, cy+i, c)
		setIn(img, cx+half, cy+i, c)
	}
}

func cross(img *image.RGBA, cx, cy, half int, c color.RGBA) {
	for i := -half; i <= half; i++ {
		setIn(img, cx+i, cy, c)
		setIn(img, cx, cy+i, c)
	}
}

func setIn(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}
