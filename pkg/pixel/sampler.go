package pixel

import "math"

// DefaultMinSteps is the smallest number of interpolation steps taken between two distinct points.
const DefaultMinSteps = 1

// Sampler turns a pointer-move segment into an ordered run of pixels. The zero value is usable and behaves like
// MinSteps = 0.
type Sampler struct {
	// MinSteps trades density against bandwidth. Values below zero are treated as zero.
	MinSteps int
}

// MaxSteps bounds the samples taken for one segment, whatever its length.
const MaxSteps = 1 << 16

// Steps returns the number of interpolation steps for a segment of the given length. Spacing between samples is a
// third of the brush size, so larger brushes need fewer samples to look continuous. Samples land on whole pixels, so
// the count never exceeds ceil(distance) (nor MaxSteps) however small the brush is.
func Steps(distance, size float64, minSteps int) int {
	if minSteps < 0 {
		minSteps = 0
	}
	if size <= 0 || math.IsNaN(distance) || math.IsInf(distance, 0) || math.IsNaN(size) {
		return minSteps
	}
	q := math.Min(math.Floor(distance*3/size), math.Ceil(distance))
	q = math.Min(q, MaxSteps)
	return max(minSteps, int(q))
}

// Interpolate samples the segment from start to end inclusive. The result always holds at least one pixel, the
// first of which sits at the rounded start position. Identical inputs give identical output.
func (s Sampler) Interpolate(start, end Point, size float64, color string) []Pixel {
	d := Distance(start, end)
	if d == 0 {
		return []Pixel{{X: math.Round(start.X), Y: math.Round(start.Y), Size: size, Color: color}}
	}
	steps := Steps(d, size, s.MinSteps)
	out := make([]Pixel, 0, steps+1)
	for i := 0; i <= steps; i++ {
		t := 0.0
		if steps > 0 {
			t = float64(i) / float64(steps)
		}
		out = append(out, Pixel{
			X:     math.Round(lerp(start.X, end.X, t)),
			Y:     math.Round(lerp(start.Y, end.Y, t)),
			Size:  size,
			Color: color,
		})
	}
	return out
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
