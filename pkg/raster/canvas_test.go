package raster

import (
	"bytes"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/canvas-sync/pkg/pixel"
)

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	red   = color.RGBA{R: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)

func TestNewIsWhite(t *testing.T) {
	c := New(8, 4)
	w, h := c.Size()
	assert.Equal(t, 8, w)
	assert.Equal(t, 4, h)
	assert.Equal(t, bytes.Repeat([]byte{255}, 8*4*4), c.Snapshot())
}

func TestPaintPixel(t *testing.T) {
	c := New(100, 100)
	require.NoError(t, c.PaintPixel(pixel.Pixel{X: 50, Y: 50, Size: 10, Color: "#ff0000"}))
	assert.Equal(t, red, c.At(50, 50))
	assert.Equal(t, red, c.At(47, 50))
	assert.Equal(t, white, c.At(60, 50))
	assert.Equal(t, white, c.At(0, 0))
}

func TestPaintPixelBadColor(t *testing.T) {
	c := New(10, 10)
	before := c.Snapshot()
	err := c.PaintPixel(pixel.Pixel{X: 5, Y: 5, Size: 4, Color: "red"})
	assert.ErrorIs(t, err, pixel.ErrInvalidColor)
	assert.Equal(t, before, c.Snapshot())
}

func TestPaintSegment(t *testing.T) {
	c := New(100, 40)
	require.NoError(t, c.PaintSegment(pixel.Point{X: 10, Y: 20}, pixel.Point{X: 90, Y: 20}, 6, "#0000ff"))
	assert.Equal(t, blue, c.At(50, 20))
	assert.Equal(t, blue, c.At(30, 19))
	assert.Equal(t, white, c.At(50, 30))
}

func TestPaintBatchLastWriteWins(t *testing.T) {
	c := New(40, 40)
	err := c.PaintBatch([]pixel.Pixel{
		{X: 20, Y: 20, Size: 8, Color: "#ff0000"},
		{X: 20, Y: 20, Size: 8, Color: "#0000ff"},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, blue, c.At(20, 20))
}

func TestPaintBatchJoin(t *testing.T) {
	pixels := []pixel.Pixel{
		{X: 10, Y: 10, Size: 4, Color: "#ff0000"},
		{X: 70, Y: 10, Size: 4, Color: "#ff0000"},
	}
	joined := New(80, 20)
	require.NoError(t, joined.PaintBatch(pixels, true))
	assert.Equal(t, red, joined.At(40, 10))

	dotted := New(80, 20)
	require.NoError(t, dotted.PaintBatch(pixels, false))
	assert.Equal(t, white, dotted.At(40, 10))
}

func TestPaintBatchSkipsBadColor(t *testing.T) {
	c := New(40, 20)
	err := c.PaintBatch([]pixel.Pixel{
		{X: 5, Y: 10, Size: 4, Color: "nope"},
		{X: 30, Y: 10, Size: 4, Color: "#ff0000"},
	}, false)
	assert.ErrorIs(t, err, pixel.ErrInvalidColor)
	assert.Equal(t, white, c.At(5, 10))
	assert.Equal(t, red, c.At(30, 10))
}

func TestLoadBitmap(t *testing.T) {
	c := New(4, 2)
	require.NoError(t, c.PaintPixel(pixel.Pixel{X: 1, Y: 1, Size: 2, Color: "#00ff00"}))

	black := make([]byte, 4*2*4)
	for i := 3; i < len(black); i += 4 {
		black[i] = 255
	}
	require.NoError(t, c.LoadBitmap(black, 4, 2))
	assert.Equal(t, black, c.Snapshot())
}

func TestLoadBitmapMalformed(t *testing.T) {
	tests := []struct {
		name   string
		buf    []byte
		w, h   int
	}{
		{name: "short buffer", buf: make([]byte, 31), w: 4, h: 2},
		{name: "long buffer", buf: make([]byte, 33), w: 4, h: 2},
		{name: "empty", buf: nil, w: 4, h: 2},
		{name: "dimensions differ from canvas", buf: make([]byte, 2*4*4), w: 2, h: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(4, 2)
			require.NoError(t, c.PaintPixel(pixel.Pixel{X: 1, Y: 1, Size: 2, Color: "#00ff00"}))
			before := c.Snapshot()
			err := c.LoadBitmap(tt.buf, tt.w, tt.h)
			assert.ErrorIs(t, err, ErrMalformedBitmap)
			assert.Equal(t, before, c.Snapshot())
		})
	}
}

func TestClearRunsHooks(t *testing.T) {
	c := New(20, 20)
	calls := 0
	c.OnClear(func() { calls++ })
	require.NoError(t, c.PaintPixel(pixel.Pixel{X: 10, Y: 10, Size: 6, Color: "#ff0000"}))
	c.Clear()
	assert.Equal(t, 1, calls)
	assert.Equal(t, white, c.At(10, 10))
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New(4, 4)
	snap := c.Snapshot()
	snap[0] = 0
	assert.Equal(t, uint8(255), c.At(0, 0).R)

	img := c.Image()
	img.Pix[0] = 0
	assert.Equal(t, uint8(255), c.At(0, 0).R)
}
