// Package raster owns the pixel buffer of one canvas. Every read or write of the buffer goes through a Canvas so
// that paints arriving from the network and paints from local gestures never interleave mid-operation.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/fogleman/gg"

	"github.com/astromechza/canvas-sync/pkg/pixel"
	"github.com/astromechza/canvas-sync/pkg/wire"
)

const (
	DefaultWidth  = 1280
	DefaultHeight = 720
)

var ErrMalformedBitmap = errors.New("malformed bitmap")

// Background is the color the canvas starts with and returns to on Clear.
var Background = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

type Canvas struct {
	mu      sync.Mutex
	img     *image.RGBA
	dc      *gg.Context
	onClear []func()
}

func New(width, height int) *Canvas {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	c := &Canvas{img: img, dc: gg.NewContextForRGBA(img)}
	c.fill()
	return c
}

func (c *Canvas) Size() (int, int) {
	b := c.img.Bounds()
	return b.Dx(), b.Dy()
}

// PaintPixel draws a filled disc of diameter p.Size centred at (p.X, p.Y).
func (c *Canvas) PaintPixel(p pixel.Pixel) error {
	col, err := pixel.ParseColor(p.Color)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disc(p, col)
	return nil
}

// PaintSegment draws a round-capped, round-joined line of the given width between two points.
func (c *Canvas) PaintSegment(from, to pixel.Point, size float64, hex string) error {
	col, err := pixel.ParseColor(hex)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segment(from, to, size, col)
	return nil
}

// PaintBatch paints pixels in order. With join set, consecutive pixels are also connected by segments drawn
// underneath their discs. Pixels with an unparseable color are skipped and reported in the returned error; the
// rest of the batch is still painted.
func (c *Canvas) PaintBatch(pixels []pixel.Pixel, join bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for i, p := range pixels {
		col, err := pixel.ParseColor(p.Color)
		if err != nil {
			errs = append(errs, fmt.Errorf("pixel %d: %w", i, err))
			continue
		}
		if join && i > 0 {
			c.segment(pixels[i-1].Point(), p.Point(), p.Size, col)
		}
		c.disc(p, col)
	}
	return errors.Join(errs...)
}

func (c *Canvas) disc(p pixel.Pixel, col color.NRGBA) {
	if p.Size <= 0 {
		return
	}
	c.dc.SetColor(col)
	c.dc.DrawCircle(p.X, p.Y, p.Size/2)
	c.dc.Fill()
}

func (c *Canvas) segment(from, to pixel.Point, size float64, col color.NRGBA) {
	if size <= 0 || from == to {
		return
	}
	c.dc.SetColor(col)
	c.dc.SetLineWidth(size)
	c.dc.SetLineCap(gg.LineCapRound)
	c.dc.SetLineJoin(gg.LineJoinRound)
	c.dc.MoveTo(from.X, from.Y)
	c.dc.LineTo(to.X, to.Y)
	c.dc.Stroke()
}

// LoadBitmap replaces the whole raster with buf. The canvas dimensions are fixed, so a bitmap of any other
// dimensions is rejected along with any buffer whose length is not width*height*4. On error the raster is untouched.
func (c *Canvas) LoadBitmap(buf []byte, width, height int) error {
	w, h := c.Size()
	if len(buf) != wire.BitmapLen(width, height) {
		return fmt.Errorf("%w: got %d bytes for %dx%d", ErrMalformedBitmap, len(buf), width, height)
	}
	if width != w || height != h {
		return fmt.Errorf("%w: got %dx%d, canvas is %dx%d", ErrMalformedBitmap, width, height, w, h)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.img.Pix, buf)
	return nil
}

// Restore loads a frame previously returned by Snapshot.
func (c *Canvas) Restore(frame []byte) error {
	w, h := c.Size()
	return c.LoadBitmap(frame, w, h)
}

// Snapshot returns a copy of the raw RGBA bytes.
func (c *Canvas) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.img.Pix))
	copy(out, c.img.Pix)
	return out
}

// Image returns a copy of the canvas suitable for encoding.
func (c *Canvas) Image() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := image.NewRGBA(c.img.Rect)
	copy(out.Pix, c.img.Pix)
	return out
}

// At reports the color of a single device pixel.
func (c *Canvas) At(x, y int) color.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img.RGBAAt(x, y)
}

// OnClear registers fn to run after every Clear.
func (c *Canvas) OnClear(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClear = append(c.onClear, fn)
}

// Clear resets the canvas to the background color then runs the clear hooks outside the lock.
func (c *Canvas) Clear() {
	c.mu.Lock()
	c.fill()
	hooks := append([]func(){}, c.onClear...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Canvas) fill() {
	c.dc.SetColor(Background)
	c.dc.Clear()
}
