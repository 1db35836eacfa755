// Package wire holds the on-the-wire forms used between drawing clients and the relay: pixel batches travel as a
// JSON array in text frames, full canvases travel as raw RGBA bytes in binary frames.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/canvas-sync/pkg/pixel"
)

var ErrMalformedBatch = errors.New("malformed pixel batch")

type record struct {
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	Size  *float64 `json:"size"`
	Color *string  `json:"color"`
}

// EncodeBatch serializes pixels in order. Field order in the output is not significant to readers.
func EncodeBatch(pixels []pixel.Pixel) ([]byte, error) {
	if len(pixels) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedBatch)
	}
	out := make([]record, len(pixels))
	for i := range pixels {
		p := &pixels[i]
		out[i] = record{X: &p.X, Y: &p.Y, Size: &p.Size, Color: &p.Color}
	}
	return json.Marshal(out)
}

// DecodeBatch parses a text frame. Every record must carry all four fields, a positive size, and a valid hex color.
func DecodeBatch(raw []byte) ([]pixel.Pixel, error) {
	var in []record
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedBatch)
	}
	out := make([]pixel.Pixel, len(in))
	for i, r := range in {
		if r.X == nil || r.Y == nil || r.Size == nil || r.Color == nil {
			return nil, fmt.Errorf("%w: record %d is missing a field", ErrMalformedBatch, i)
		}
		if *r.Size <= 0 {
			return nil, fmt.Errorf("%w: record %d has size %v", ErrMalformedBatch, i, *r.Size)
		}
		if _, err := pixel.ParseColor(*r.Color); err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrMalformedBatch, i, err)
		}
		out[i] = pixel.Pixel{X: *r.X, Y: *r.Y, Size: *r.Size, Color: *r.Color}
	}
	return out, nil
}

// BitmapLen is the byte length of an RGBA bitmap frame for the given dimensions.
func BitmapLen(width, height int) int {
	return width * height * 4
}
