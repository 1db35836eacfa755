package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/canvas-sync/pkg/discovery"
	"github.com/astromechza/canvas-sync/pkg/export"
	"github.com/astromechza/canvas-sync/pkg/raster"
	"github.com/astromechza/canvas-sync/pkg/relay"
	"github.com/astromechza/canvas-sync/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "canvas.sqlite3", "the sqlite database to persist canvases in")
	widthVar := flag.Int("width", raster.DefaultWidth, "canvas width in pixels")
	heightVar := flag.Int("height", raster.DefaultHeight, "canvas height in pixels")
	backupVar := flag.Duration("backup-interval", time.Second*5, "how often dirty canvases are written to the database")
	snapshotVar := flag.Bool("snapshot-on-join", false, "send the session canvas as a binary frame to each peer as it joins")
	mdnsVar := flag.Bool("mdns", false, "advertise the relay on the local network")
	levelVar := flag.String("log-level", "info", "one of debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*levelVar)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "path", *dbVar)
	db, err := store.Open(ctx, *dbVar)
	if err != nil {
		return err
	}
	defer db.Close()

	s := relay.New(relay.Options{
		Width:              *widthVar,
		Height:             *heightVar,
		SendSnapshotOnJoin: *snapshotVar,
		Logger:             slog.Default(),
	})

	saved, err := db.ListCanvases(ctx)
	if err != nil {
		return err
	}
	for _, c := range saved {
		if err := s.Restore(c.ID, c.Width, c.Height, c.Content); err != nil {
			slog.Warn("skipping stored canvas", "session", c.ID, "err", err)
			continue
		}
		slog.Info("restored", "session", c.ID, "updated", c.UpdatedAt)
	}

	listener, err := net.Listen("tcp", *addrVar)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	slog.Info("listening", "addr", listener.Addr().String())

	if *mdnsVar {
		port := listener.Addr().(*net.TCPAddr).Port
		advertised, err := discovery.Advertise("", port)
		if err != nil {
			_ = listener.Close()
			return err
		}
		defer func() {
			_ = advertised.Shutdown()
		}()
		slog.Info("advertising", "service", discovery.ServiceType, "port", port)
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*backupVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if n, err := s.Flush(ctx, db); err != nil {
					slog.Error("failed to backup canvases", "err", err)
				} else if n > 0 {
					slog.Info("backed up", "sessions", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: time.Second * 10}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	s.Close()

	wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer flushCancel()
	if n, err := s.Flush(flushCtx, db); err != nil {
		slog.Error("failed final backup", "err", err)
	} else {
		slog.Info("final backup", "sessions", n)
	}

	for _, id := range s.Sessions() {
		dump(id, s)
	}
	return nil
}

// dump writes the raw raster of a session next to a rendered png so that it can be inspected or fed to the debug
// tool.
func dump(id string, s *relay.Server) {
	c, ok := s.Canvas(id)
	if !ok {
		return
	}
	w, h := c.Size()
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%dx%d.rgba", id, w, h))
	if err := os.WriteFile(tf, c.Snapshot(), 0o600); err != nil {
		slog.Error("failed to dump", "session", id, "err", err)
	} else {
		slog.Info("dumped", "session", id, "path", tf)
	}
	if pngPath, err := export.ToTemp(c.Image(), ".png"); err != nil {
		slog.Error("failed to render", "session", id, "err", err)
	} else {
		slog.Info("rendered", "session", id, "path", "file://"+pngPath)
	}
}
