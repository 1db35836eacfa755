// Package board is the client side of a shared drawing session. It turns pointer events into painted and
// transmitted pixel batches, paints batches and bitmaps received from peers, and keeps a local undo history.
package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/canvas-sync/pkg/channel"
	"github.com/astromechza/canvas-sync/pkg/history"
	"github.com/astromechza/canvas-sync/pkg/pixel"
	"github.com/astromechza/canvas-sync/pkg/raster"
	"github.com/astromechza/canvas-sync/pkg/snapshot"
)

const (
	DefaultSession   = "default"
	DefaultBrushSize = 10
	DefaultColor     = "#000000"
)

type Config struct {
	// BaseURL is the http(s) root of the relay. The websocket endpoint is derived from it.
	BaseURL   *url.URL
	SessionID string
	// Shared uses the unpartitioned /ws/drawing endpoint instead of /ws/drawing/{SessionID}. The relay maps that
	// endpoint to the default session, so SessionID is ignored.
	Shared bool

	Width, Height int
	BrushSize     float64
	Color         string
	MinSteps      int
	// JoinInbound connects consecutive inbound pixels with segments.
	JoinInbound bool
	// MaxHistory caps the number of undo frames. Zero means unbounded.
	MaxHistory int

	Snapshot snapshot.Options
	Channel  channel.Options
}

func (c Config) withDefaults() Config {
	if c.SessionID == "" || c.Shared {
		c.SessionID = DefaultSession
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = raster.DefaultWidth, raster.DefaultHeight
	}
	if c.BrushSize <= 0 {
		c.BrushSize = DefaultBrushSize
	}
	if c.Color == "" {
		c.Color = DefaultColor
	}
	return c
}

// DrawingURL returns the websocket endpoint for the configured session.
func (c Config) DrawingURL() string {
	u := c.BaseURL.JoinPath("ws", "drawing")
	if !c.Shared {
		u = u.JoinPath(c.SessionID)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

type Board struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	canvas   *raster.Canvas
	sampler  pixel.Sampler
	loader   *snapshot.Loader
	channel  *channel.Channel

	mu      sync.Mutex
	history *history.Stack
	drawing bool
	last    pixel.Point
	size    float64
	color   string
}

func New(cfg Config, logger *slog.Logger) (*Board, error) {
	if cfg.BaseURL == nil {
		return nil, errors.New("base url is required")
	}
	cfg = cfg.withDefaults()
	if _, err := pixel.ParseColor(cfg.Color); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("board", id, "session", cfg.SessionID)

	b := &Board{
		id:      id,
		cfg:     cfg,
		logger:  logger,
		canvas:  raster.New(cfg.Width, cfg.Height),
		sampler: pixel.Sampler{MinSteps: cfg.MinSteps},
		loader:  snapshot.NewLoader(cfg.BaseURL, cfg.Snapshot),
		history: history.New(cfg.MaxHistory),
		size:    cfg.BrushSize,
		color:   cfg.Color,
	}
	b.canvas.OnClear(b.resetHistory)

	chOpts := cfg.Channel
	if chOpts.Logger == nil {
		chOpts.Logger = logger
	}
	b.channel = channel.New(cfg.DrawingURL(), b, chOpts)
	return b, nil
}

func (b *Board) ID() string {
	return b.id
}

func (b *Board) Canvas() *raster.Canvas {
	return b.canvas
}

func (b *Board) State() channel.State {
	return b.channel.State()
}

// Done is closed once the underlying channel has stopped for good.
func (b *Board) Done() <-chan struct{} {
	return b.channel.Done()
}

// Start loads the session snapshot and then connects. A missing or malformed snapshot leaves the canvas blank and
// is not an error: the board still joins the session.
func (b *Board) Start(ctx context.Context) error {
	if raw, err := b.loader.Fetch(ctx, b.cfg.SessionID); err != nil {
		b.logger.Warn("starting from a blank canvas", "err", err)
	} else if err := b.canvas.LoadBitmap(raw, b.cfg.Width, b.cfg.Height); err != nil {
		b.logger.Warn("ignoring snapshot", "err", err)
	} else {
		b.logger.Info("loaded snapshot", "bytes", len(raw))
	}
	if err := b.channel.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (b *Board) Close() error {
	return b.channel.Close()
}

func (b *Board) SetBrushSize(size float64) error {
	if size <= 0 {
		return fmt.Errorf("brush size must be positive, got %v", size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size = size
	return nil
}

func (b *Board) SetColor(hex string) error {
	if _, err := pixel.ParseColor(hex); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.color = hex
	return nil
}

// PointerDown begins a gesture. The pre-gesture canvas is recorded so the whole gesture can be undone.
func (b *Board) PointerDown(p pixel.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawing {
		b.endGesture()
	}
	b.record()
	b.drawing = true
	b.last = p
	b.emit(b.sampler.Interpolate(p, p, b.size, b.color))
}

// PointerMove extends the gesture from the last position to p. It does nothing outside a gesture.
func (b *Board) PointerMove(p pixel.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.drawing {
		return
	}
	if err := b.canvas.PaintSegment(b.last, p, b.size, b.color); err != nil {
		b.logger.Error("failed to paint segment", "err", err)
	}
	b.emit(b.sampler.Interpolate(b.last, p, b.size, b.color))
	b.last = p
}

// PointerUp ends the gesture and records the result as one undo step.
func (b *Board) PointerUp() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawing {
		b.endGesture()
	}
}

// PointerLeave cancels sampling the same way PointerUp does.
func (b *Board) PointerLeave() {
	b.PointerUp()
}

func (b *Board) endGesture() {
	b.drawing = false
	b.record()
}

// record pushes the canvas unless it already matches the frame at the history cursor, which is the usual case
// between two gestures.
func (b *Board) record() {
	if frame := b.canvas.Snapshot(); !bytes.Equal(frame, b.history.Current()) {
		b.history.Push(frame)
	}
}

// emit paints locally first and then transmits, so local drawing never waits on the network.
func (b *Board) emit(pixels []pixel.Pixel) {
	if err := b.canvas.PaintBatch(pixels, false); err != nil {
		b.logger.Error("failed to paint", "err", err)
	}
	b.channel.Send(pixels)
}

func (b *Board) Undo() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Undo(b.canvas)
}

func (b *Board) Redo() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Redo(b.canvas)
}

func (b *Board) CanUndo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.CanUndo()
}

// Clear wipes the local canvas and its history. Peers are not told.
func (b *Board) Clear() {
	b.canvas.Clear()
}

func (b *Board) resetHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drawing = false
	b.history.Clear()
}

// HandleBatch paints a batch received from a peer.
func (b *Board) HandleBatch(pixels []pixel.Pixel) {
	if err := b.canvas.PaintBatch(pixels, b.cfg.JoinInbound); err != nil {
		b.logger.Warn("failed to paint inbound batch", "err", err)
	}
}

// HandleBitmap replaces the canvas with a full bitmap received from the relay.
func (b *Board) HandleBitmap(raw []byte) {
	if err := b.canvas.LoadBitmap(raw, b.cfg.Width, b.cfg.Height); err != nil {
		b.logger.Warn("ignoring inbound bitmap", "err", err)
		return
	}
	b.logger.Info("resynchronised from bitmap", "bytes", len(raw))
}
