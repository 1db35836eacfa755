// Package channel keeps the websocket connection to a drawing relay. Outgoing pixel batches are written as JSON text
// frames; incoming text frames are decoded into batches and incoming binary frames are passed on as full bitmaps.
//
// Nothing is buffered: a batch sent while the connection is not open is dropped.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/pixel"
	"github.com/astromechza/canvas-sync/pkg/wire"
)

var ErrClosed = errors.New("channel closed")

type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler receives inbound frames on the channel's reader goroutine.
type Handler interface {
	HandleBatch(pixels []pixel.Pixel)
	HandleBitmap(raw []byte)
}

type Options struct {
	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger

	WriteTimeout time.Duration
	ReadLimit    int64

	// Reconnect moves the channel from closed back to connecting after a backoff delay. Without it, closed is
	// terminal.
	Reconnect  bool
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// OnStateChange is called after every transition, from whichever goroutine caused it.
	OnStateChange func(State)
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 20
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(30*time.Second, o.MinBackoff)
	}
	return o
}

type Channel struct {
	endpoint string
	handler  Handler
	opts     Options
	logger   *slog.Logger

	state   atomic.Int32
	started atomic.Bool
	closed  atomic.Bool

	writeMu sync.Mutex
	conn    *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New prepares a channel in the connecting state. Nothing is dialled until Connect.
func New(endpoint string, handler Handler, opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		endpoint: endpoint,
		handler:  handler,
		opts:     opts,
		logger:   opts.Logger.With("endpoint", endpoint),
		cancel:   func() {},
		done:     make(chan struct{}),
	}
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

// Done is closed once the channel has reached its final closed state.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.logger.Info("connection state changed", "from", old, "to", s)
		if c.opts.OnStateChange != nil {
			c.opts.OnStateChange(s)
		}
	}
}

// Connect starts dialling in the background and returns immediately. The state moves to open once the websocket
// handshake completes. Cancelling ctx has the same effect as Close.
func (c *Channel) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("channel to %s already connected", c.endpoint)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.writeMu.Lock()
	c.cancel = cancel
	c.writeMu.Unlock()
	if c.closed.Load() {
		cancel()
	}
	go c.run(ctx)
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	backoff := c.opts.MinBackoff
	for {
		c.setState(Connecting)
		opened, err := c.session(ctx)
		c.setState(Closed)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("connection lost", "err", err)
		}
		if !c.opts.Reconnect || ctx.Err() != nil || c.closed.Load() {
			return
		}
		if opened {
			backoff = c.opts.MinBackoff
		}
		c.logger.Info("reconnecting", "delay", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

// session dials once and reads until the connection fails. It reports whether the connection ever opened.
func (c *Channel) session(ctx context.Context) (bool, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.endpoint, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.setState(Open)
	for {
		if err := c.readAndDispatch(conn); err != nil {
			return true, err
		}
	}
}

func (c *Channel) readAndDispatch(conn *websocket.Conn) error {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	switch mt {
	case websocket.BinaryMessage:
		c.handler.HandleBitmap(p)
	case websocket.TextMessage:
		pixels, err := wire.DecodeBatch(p)
		if err != nil {
			c.logger.Warn("dropping inbound batch", "err", err, "bytes", len(p))
			return nil
		}
		c.handler.HandleBatch(pixels)
	default:
	}
	return nil
}

// Send writes the batch as one text frame. It reports false when the batch was dropped, which happens when the
// batch is empty, when the connection is not open, or when the write fails. A failed write closes the connection.
func (c *Channel) Send(pixels []pixel.Pixel) bool {
	if len(pixels) == 0 {
		return false
	}
	if c.State() != Open {
		c.logger.Debug("dropping batch, connection not open", "state", c.State(), "pixels", len(pixels))
		return false
	}
	raw, err := wire.EncodeBatch(pixels)
	if err != nil {
		c.logger.Error("failed to encode batch", "err", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.logger.Error("failed to write message", "err", err)
		_ = c.conn.Close()
		return false
	}
	return true
}

// Close sends a close frame if connected, stops any reconnect loop and waits for the reader to exit.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}
	c.writeMu.Lock()
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	cancel := c.cancel
	c.writeMu.Unlock()
	cancel()

	if c.started.CompareAndSwap(false, true) {
		c.setState(Closed)
		close(c.done)
		return nil
	}
	<-c.done
	return nil
}
