// Package positions reads exposure point lists from text files.
package positions

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

// ErrParse is the sentinel wrapped by every ParseError.
var ErrParse = errors.New("position file parse error")

// maxLineBytes bounds a single input line.
const maxLineBytes = 64 * 1024

// ParseError reports the first malformed line of a position file.
// Line is 1-based.
type ParseError struct {
	Line    int
	Content string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Content, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// Options controls how a file is interpreted.
type Options struct {
	// SkipHeader drops the first non-blank, non-comment line.
	SkipHeader bool
	// Units of the file coordinates: "um" (default), "nm" or "mm".
	// Points are always returned in micrometres.
	Units string
}

func (o Options) scale() (float64, error) {
	switch strings.ToLower(o.Units) {
	case "", "um":
		return 1, nil
	case "nm":
		return 1e-3, nil
	case "mm":
		return 1e3, nil
	default:
		return 0, fmt.Errorf("unsupported units %q", o.Units)
	}
}

// List is an ordered, immutable set of points. Order is exposure order.
type List struct {
	name    string
	version uint64
	points  []geometry.Point
}

// NewList copies points into a new list.
func NewList(name string, points []geometry.Point) List {
	return List{name: name, points: append([]geometry.Point(nil), points...)}
}

// Name returns the source name (usually the file base name).
func (l List) Name() string { return l.name }

// Version identifies this load; 0 means never assigned.
func (l List) Version() uint64 { return l.version }

// WithVersion returns a copy of l carrying version v.
func (l List) WithVersion(v uint64) List {
	l.version = v
	return l
}

// Len returns the number of points.
func (l List) Len() int { return len(l.points) }

// At returns the i-th point.
func (l List) At(i int) geometry.Point { return l.points[i] }

// Points returns a copy of the points.
func (l List) Points() []geometry.Point {
	return append([]geometry.Point(nil), l.points...)
}

// Bounds returns the bounding box of the list. ok is false for an empty list.
func (l List) Bounds() (min, max geometry.Point, ok bool) {
	if len(l.points) == 0 {
		return geometry.Point{}, geometry.Point{}, false
	}
	min, max = l.points[0], l.points[0]
	for _, p := range l.points[1:] {
		min.X, min.Y = math.Min(min.X, p.X), math.Min(min.Y, p.Y)
		max.X, max.Y = math.Max(max.X, p.X), math.Max(max.Y, p.Y)
	}
	return min, max, true
}

// Load reads and parses the file at path.
func Load(path string, opts Options) (List, error) {
	f, err := os.Open(path)
	if err != nil {
		return List{}, fmt.Errorf("open position file: %w", err)
	}
	defer f.Close()
	return Parse(f, filepath.Base(path), opts)
}

// Parse reads one point per line from r. Fields may be separated by any mix
// of whitespace, commas and semicolons; a third numeric column is accepted and
// ignored. Blank lines and lines starting with '#' are skipped. Any malformed
// line fails the whole parse.
func Parse(r io.Reader, name string, opts Options) (List, error) {
	scale, err := opts.scale()
	if err != nil {
		return List{}, err
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)

	var points []geometry.Point
	skip := opts.SkipHeader
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		line := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if skip {
			skip = false
			continue
		}
		p, err := parseLine(line)
		if err != nil {
			return List{}, &ParseError{Line: lineNo, Content: raw, Err: err}
		}
		points = append(points, p.Scale(scale))
	}
	if err := sc.Err(); err != nil {
		return List{}, &ParseError{Line: lineNo + 1, Err: err}
	}
	return List{name: name, points: points}, nil
}

func parseLine(line string) (geometry.Point, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\r'
	})
	if len(fields) < 2 || len(fields) > 3 {
		return geometry.Point{}, fmt.Errorf("expected 2 or 3 numeric fields, got %d", len(fields))
	}
	var vals [3]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return geometry.Point{}, fmt.Errorf("field %d: %q is not a number", i+1, f)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return geometry.Point{}, fmt.Errorf("field %d: %q is not finite", i+1, f)
		}
		vals[i] = v
	}
	return geometry.Point{X: vals[0], Y: vals[1]}, nil
}
