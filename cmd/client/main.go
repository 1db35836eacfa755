package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/canvas-sync/pkg/board"
	"github.com/astromechza/canvas-sync/pkg/channel"
	"github.com/astromechza/canvas-sync/pkg/discovery"
	"github.com/astromechza/canvas-sync/pkg/export"
	"github.com/astromechza/canvas-sync/pkg/pixel"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

var palette = []string{"#000000", "#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4"}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address of the relay")
	sessionVar := flag.String("session", board.DefaultSession, "the drawing session to join, empty for the shared endpoint")
	discoverVar := flag.Bool("discover", false, "find the relay on the local network instead of using -addr")
	colorVar := flag.String("color", "", "brush color as #rrggbb, random strokes change color when empty")
	sizeVar := flag.Float64("size", board.DefaultBrushSize, "brush diameter in pixels")
	minStepsVar := flag.Int("min-steps", pixel.DefaultMinSteps, "minimum interpolation steps per pointer move")
	reconnectVar := flag.Bool("reconnect", false, "reconnect with backoff when the relay connection drops")
	joinVar := flag.Bool("join", false, "connect consecutive inbound pixels with line segments")
	outVar := flag.String("out", "", "where to export the canvas on exit, .png or .pdf, a temp file when empty")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := *addrVar
	if *discoverVar {
		found, err := discovery.Browse(ctx, discovery.DefaultBrowseTimeout)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return errors.New("no relay found on the local network")
		}
		addr = found[0]
		slog.Info("discovered relay", "addr", addr, "candidates", len(found))
	}
	baseUrl, err := url.Parse("http://" + addr)
	if err != nil {
		return err
	}

	color := *colorVar
	if color == "" {
		color = palette[0]
	}
	b, err := board.New(board.Config{
		BaseURL:     baseUrl,
		SessionID:   *sessionVar,
		Shared:      *sessionVar == "",
		BrushSize:   *sizeVar,
		Color:       color,
		MinSteps:    *minStepsVar,
		JoinInbound: *joinVar,
		Channel: channel.Options{
			Reconnect: *reconnectVar,
			OnStateChange: func(s channel.State) {
				slog.Info("connection", "state", s.String())
			},
		},
	}, slog.Default())
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start board: %w", err)
	}
	slog.Info("established board", "id", b.ID())

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		drawRandomlyContinuously(ctx, b, *colorVar == "")
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-b.Done():
		slog.Info("connection closed")
	}
	cancel()
	wg.Wait()
	if err := b.Close(); err != nil {
		slog.Warn("failed to close board", "err", err)
	}

	img := b.Canvas().Image()
	if *outVar == "" {
		path, err := export.ToTemp(img, ".png")
		if err != nil {
			return err
		}
		slog.Info("exported", "path", "file://"+path)
		return nil
	}
	if err := export.Save(img, *outVar); err != nil {
		return err
	}
	slog.Info("exported", "path", *outVar)
	return nil
}

// drawRandomlyContinuously draws a short random stroke every few seconds until ctx is done.
func drawRandomlyContinuously(ctx context.Context, b *board.Board, recolor bool) {
	w, h := b.Canvas().Size()
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if recolor {
				if err := b.SetColor(palette[rand.Intn(len(palette))]); err != nil {
					slog.Error("failed to change color", "err", err)
				}
			}
			p := pixel.Point{X: float64(rand.Intn(w)), Y: float64(rand.Intn(h))}
			b.PointerDown(p)
			for i := 0; i < 3+rand.Intn(6); i++ {
				p.X = clamp(p.X+float64(rand.Intn(81)-40), float64(w-1))
				p.Y = clamp(p.Y+float64(rand.Intn(81)-40), float64(h-1))
				b.PointerMove(p)
			}
			b.PointerUp()
			slog.Info("drew stroke", "end", p, "state", b.State().String())
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled drawing")
			return
		}
	}
}

func clamp(v, upper float64) float64 {
	return max(0, min(v, upper))
}
