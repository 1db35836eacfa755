package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/pixel"
	"github.com/astromechza/canvas-sync/pkg/raster"
)

type peer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
}

func (p *peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.writeLocked(messageType, data)
}

func (p *peer) writeLocked(messageType int, data []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	return p.conn.WriteMessage(messageType, data)
}

// session is one shared canvas and the peers drawing on it. mu orders joins against paints: a joining peer's
// snapshot either contains a batch or the peer is registered in time to receive it.
//
// Lock order is mu before peer.writeMu.
type session struct {
	id     string
	canvas *raster.Canvas
	dirty  atomic.Bool

	mu    sync.RWMutex
	peers map[*peer]struct{}
}

func newSession(id string, width, height int) *session {
	return &session{id: id, canvas: raster.New(width, height), peers: make(map[*peer]struct{})}
}

// join registers p. When withSnapshot is set, the current raster is written to p as one binary frame before any
// batch relayed to it. The write happens outside mu so a slow joiner does not hold up painting; holding the peer's
// write lock across the handover keeps later batches queued behind the snapshot.
func (s *session) join(p *peer, withSnapshot bool) error {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	if !withSnapshot {
		s.mu.Unlock()
		return nil
	}
	snap := s.canvas.Snapshot()
	p.writeMu.Lock()
	s.mu.Unlock()

	err := p.writeLocked(websocket.BinaryMessage, snap)
	p.writeMu.Unlock()
	if err != nil {
		s.leave(p)
		return err
	}
	return nil
}

func (s *session) leave(p *peer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p)
	return len(s.peers)
}

func (s *session) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// apply paints the batch onto the session raster and returns every peer other than from. A paint error only
// concerns the offending pixels; the rest of the batch is painted and still relayed.
func (s *session) apply(pixels []pixel.Pixel, from *peer) ([]*peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err := s.canvas.PaintBatch(pixels, false)
	s.dirty.Store(true)
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p != from {
			out = append(out, p)
		}
	}
	return out, err
}

// broadcast relays raw to peers. A peer that cannot keep up is disconnected; its reader then removes it.
func broadcast(logger *slog.Logger, peers []*peer, raw []byte) {
	for _, p := range peers {
		if err := p.write(websocket.TextMessage, raw); err != nil {
			logger.Error("failed to relay", "peer", p.id, "err", err)
			_ = p.conn.Close()
		}
	}
}

func (s *session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		p.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	}
}
