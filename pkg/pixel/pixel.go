package pixel

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidColor = errors.New("invalid color")

// Point is a position in canvas-local coordinates with the origin at the top left.
type Point struct {
	X float64
	Y float64
}

// Pixel is a drawable sample: a disc of diameter Size centred on (X, Y). It is not a single device pixel.
type Pixel struct {
	X     float64
	Y     float64
	Size  float64
	Color string
}

func (p Pixel) Point() Point {
	return Point{X: p.X, Y: p.Y}
}

// Distance returns the euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// ParseColor accepts "#rrggbb" or "#rgb" and returns an opaque color.
func ParseColor(s string) (color.NRGBA, error) {
	h, ok := strings.CutPrefix(s, "#")
	if ok && len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if !ok || len(h) != 6 {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// FormatColor is the inverse of ParseColor, ignoring alpha.
func FormatColor(c color.NRGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
