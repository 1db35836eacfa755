package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/canvas-sync/pkg/pixel"
	"github.com/astromechza/canvas-sync/pkg/wire"
)

const wait = 5 * time.Second

type captureHandler struct {
	batches chan []pixel.Pixel
	bitmaps chan []byte
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{batches: make(chan []pixel.Pixel, 16), bitmaps: make(chan []byte, 16)}
}

func (h *captureHandler) HandleBatch(pixels []pixel.Pixel) { h.batches <- pixels }
func (h *captureHandler) HandleBitmap(raw []byte)          { h.bitmaps <- raw }

type testServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

// newTestServer upgrades every request and hands the connection to the test.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepted.Add(1)
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(wait):
		t.Fatal("no connection accepted")
		return nil
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStateLog() *stateLog {
	return &stateLog{ch: make(chan State, 32)}
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
	l.ch <- s
}

func (l *stateLog) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case s := <-l.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s never reached", want)
		}
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "closed", Closed.String())
}

func TestSendAndReceive(t *testing.T) {
	ts := newTestServer(t)
	h := newCaptureHandler()
	states := newStateLog()
	c := New(ts.wsURL(), h, Options{OnStateChange: states.record})
	assert.Equal(t, Connecting, c.State())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	server := ts.next(t)
	states.waitFor(t, Open)

	batch := []pixel.Pixel{{X: 1, Y: 2, Size: 3, Color: "#010203"}, {X: 4, Y: 5, Size: 3, Color: "#010203"}}
	require.True(t, c.Send(batch))

	mt, raw, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	got, err := wire.DecodeBatch(raw)
	require.NoError(t, err)
	assert.Equal(t, batch, got)

	inbound, err := wire.EncodeBatch([]pixel.Pixel{{X: 9, Y: 9, Size: 2, Color: "#ffffff"}})
	require.NoError(t, err)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, inbound))
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))

	select {
	case b := <-h.batches:
		assert.Equal(t, []pixel.Pixel{{X: 9, Y: 9, Size: 2, Color: "#ffffff"}}, b)
	case <-time.After(wait):
		t.Fatal("no batch delivered")
	}
	select {
	case b := <-h.bitmaps:
		assert.Equal(t, []byte{1, 2, 3, 4}, b)
	case <-time.After(wait):
		t.Fatal("no bitmap delivered")
	}
}

func TestSendWhileConnectingIsDropped(t *testing.T) {
	ts := newTestServer(t)
	states := newStateLog()
	c := New(ts.wsURL(), newCaptureHandler(), Options{OnStateChange: states.record})

	assert.NotPanics(t, func() {
		assert.False(t, c.Send([]pixel.Pixel{{X: 1, Y: 1, Size: 1, Color: "#000000"}}))
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	server := ts.next(t)
	states.waitFor(t, Open)

	marker := []pixel.Pixel{{X: 7, Y: 7, Size: 7, Color: "#777777"}}
	require.True(t, c.Send(marker))
	_, raw, err := server.ReadMessage()
	require.NoError(t, err)
	got, err := wire.DecodeBatch(raw)
	require.NoError(t, err)
	assert.Equal(t, marker, got, "the dropped batch must not be delivered late")
}

func TestSendEmptyBatch(t *testing.T) {
	c := New("ws://127.0.0.1:1", newCaptureHandler(), Options{})
	assert.False(t, c.Send(nil))
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	ts := newTestServer(t)
	h := newCaptureHandler()
	states := newStateLog()
	c := New(ts.wsURL(), h, Options{OnStateChange: states.record})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	server := ts.next(t)
	states.waitFor(t, Open)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`[{"x":1}]`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`[{"x":1,"y":2,"size":3,"color":"#000000"}]`)))

	select {
	case b := <-h.batches:
		assert.Equal(t, []pixel.Pixel{{X: 1, Y: 2, Size: 3, Color: "#000000"}}, b)
	case <-time.After(wait):
		t.Fatal("no batch delivered")
	}
	assert.Equal(t, Open, c.State())
}

func TestServerCloseIsTerminal(t *testing.T) {
	ts := newTestServer(t)
	states := newStateLog()
	c := New(ts.wsURL(), newCaptureHandler(), Options{OnStateChange: states.record})
	require.NoError(t, c.Connect(context.Background()))
	server := ts.next(t)
	states.waitFor(t, Open)

	require.NoError(t, server.Close())

	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatal("channel did not finish")
	}
	assert.Equal(t, Closed, c.State())
	assert.False(t, c.Send([]pixel.Pixel{{X: 1, Y: 1, Size: 1, Color: "#000000"}}))
	assert.EqualValues(t, 1, ts.accepted.Load())
	require.NoError(t, c.Close())
}

func TestDialFailure(t *testing.T) {
	ts := newTestServer(t)
	url := ts.wsURL()
	ts.Close()

	c := New(url, newCaptureHandler(), Options{})
	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatal("channel did not finish")
	}
	assert.Equal(t, Closed, c.State())
}

func TestReconnect(t *testing.T) {
	ts := newTestServer(t)
	states := newStateLog()
	c := New(ts.wsURL(), newCaptureHandler(), Options{
		Reconnect:     true,
		MinBackoff:    10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
		OnStateChange: states.record,
	})
	require.NoError(t, c.Connect(context.Background()))

	first := ts.next(t)
	states.waitFor(t, Open)
	require.NoError(t, first.Close())
	states.waitFor(t, Closed)

	ts.next(t)
	states.waitFor(t, Open)
	assert.EqualValues(t, 2, ts.accepted.Load())

	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
}

func TestCloseBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:1", newCaptureHandler(), Options{})
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestContextCancelCloses(t *testing.T) {
	ts := newTestServer(t)
	states := newStateLog()
	c := New(ts.wsURL(), newCaptureHandler(), Options{Reconnect: true, OnStateChange: states.record})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Connect(ctx))
	ts.next(t)
	states.waitFor(t, Open)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatal("channel did not finish")
	}
	assert.Equal(t, Closed, c.State())
}
