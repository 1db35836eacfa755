// Package relay is a reference implementation of the drawing relay: it serves session snapshots over plain HTTP
// and fans pixel batches out to every other peer of a session over websockets. Each session keeps its own raster
// so that late joiners can be bootstrapped.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/raster"
	"github.com/astromechza/canvas-sync/pkg/wire"
)

const DefaultSession = "default"

type Options struct {
	Width, Height int
	// SendSnapshotOnJoin writes the session raster as a binary frame to each peer as it joins.
	SendSnapshotOnJoin bool
	WriteTimeout       time.Duration
	ReadLimit          int64
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = raster.DefaultWidth, raster.DefaultHeight
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Persister receives dirty session rasters from Flush.
type Persister interface {
	SaveCanvas(ctx context.Context, id string, width, height int, content []byte) error
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// blank is the bitmap served for sessions that do not exist yet.
	blank func() []byte

	mu       sync.RWMutex
	sessions map[string]*session
}

func New(opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// drawing clients are usually served from a different origin than the relay
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		blank: sync.OnceValue(func() []byte {
			return raster.New(opts.Width, opts.Height).Snapshot()
		}),
	}
}

// Handler returns the routes wrapped in request logging and panic recovery.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.logMiddleware)
	r.Methods(http.MethodGet).Path("/getCanvas/{session}").HandlerFunc(s.getCanvas)
	r.Methods(http.MethodGet).Path("/ws/drawing/{session}").HandlerFunc(s.drawing)
	r.Methods(http.MethodGet).Path("/ws/drawing").HandlerFunc(s.drawing)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	return r
}

func (s *Server) logMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		level := slog.LevelInfo
		if m.Code >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(request.Context(), level, "handled",
			"method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code, "bytes", m.Written)
	})
}

func (s *Server) recoverMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "err", err, "url", request.URL, "stack", string(debug.Stack()))
				http.Error(writer, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		handler.ServeHTTP(writer, request)
	})
}

func sessionID(request *http.Request) string {
	if id := mux.Vars(request)["session"]; id != "" {
		return id
	}
	return DefaultSession
}

func (s *Server) session(id string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess = newSession(id, s.opts.Width, s.opts.Height)
	s.sessions[id] = sess
	s.logger.Info("created session", "session", id)
	return sess
}

// Restore seeds a session raster, typically from persistent storage at startup. The session is not marked dirty.
func (s *Server) Restore(id string, width, height int, content []byte) error {
	if width != s.opts.Width || height != s.opts.Height {
		return fmt.Errorf("%w: stored %dx%d, serving %dx%d", raster.ErrMalformedBitmap, width, height, s.opts.Width, s.opts.Height)
	}
	return s.session(id).canvas.LoadBitmap(content, width, height)
}

// Sessions lists known session ids in sorted order.
func (s *Server) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Canvas returns the raster of a session, if it exists.
func (s *Server) Canvas(id string) (*raster.Canvas, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.canvas, true
}

// Peers counts the peers connected to a session.
func (s *Server) Peers(id string) int {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return sess.size()
}

// Flush saves every session painted since its last successful save and reports how many were saved.
func (s *Server) Flush(ctx context.Context, p Persister) (int, error) {
	s.mu.RLock()
	pending := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		pending = append(pending, sess)
	}
	s.mu.RUnlock()

	var errs []error
	saved := 0
	for _, sess := range pending {
		if !sess.dirty.Swap(false) {
			continue
		}
		if err := p.SaveCanvas(ctx, sess.id, s.opts.Width, s.opts.Height, sess.canvas.Snapshot()); err != nil {
			sess.dirty.Store(true)
			errs = append(errs, fmt.Errorf("failed to save %s: %w", sess.id, err))
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// Close disconnects every peer.
func (s *Server) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		sess.closeAll()
	}
}

func (s *Server) health(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(writer, "ok sessions=%d\n", len(s.Sessions()))
}

// getCanvas serves the session raster. Unknown sessions get a blank bitmap and are not created, so only a websocket
// join or a restore allocates a session.
func (s *Server) getCanvas(writer http.ResponseWriter, request *http.Request) {
	var raw []byte
	if c, ok := s.Canvas(sessionID(request)); ok {
		raw = c.Snapshot()
	} else {
		raw = s.blank()
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	writer.Header().Set("Content-Length", fmt.Sprint(len(raw)))
	if _, err := writer.Write(raw); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) drawing(writer http.ResponseWriter, request *http.Request) {
	sess := s.session(sessionID(request))
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.ReadLimit)

	p := &peer{id: uuid.NewString(), conn: conn, timeout: s.opts.WriteTimeout}
	logger := s.logger.With("session", sess.id, "peer", p.id)
	if err := sess.join(p, s.opts.SendSnapshotOnJoin); err != nil {
		logger.Error("failed to send snapshot", "err", err)
		return
	}
	logger.Info("peer joined", "remote", request.RemoteAddr, "peers", sess.size())
	defer func() {
		logger.Info("peer left", "peers", sess.leave(p))
	}()

	for {
		if err := s.readAndRelay(logger, sess, p); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				return
			}
			logger.Warn("peer read failed", "err", err)
			return
		}
	}
}

func (s *Server) readAndRelay(logger *slog.Logger, sess *session, from *peer) error {
	mt, raw, err := from.conn.ReadMessage()
	if err != nil {
		return err
	}
	if mt != websocket.TextMessage {
		logger.Debug("ignoring non-text frame", "type", mt, "bytes", len(raw))
		return nil
	}
	pixels, err := wire.DecodeBatch(raw)
	if err != nil {
		logger.Warn("dropping batch", "err", err)
		return nil
	}
	targets, err := sess.apply(pixels, from)
	if err != nil {
		logger.Warn("failed to paint part of batch", "err", err)
	}
	broadcast(logger, targets, raw)
	return nil
}
