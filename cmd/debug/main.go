package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/astromechza/canvas-sync/pkg/export"
	"github.com/astromechza/canvas-sync/pkg/raster"
	"github.com/astromechza/canvas-sync/pkg/store"
	"github.com/astromechza/canvas-sync/pkg/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	widthVar := flag.Int("width", raster.DefaultWidth, "width of the dumped canvas")
	heightVar := flag.Int("height", raster.DefaultHeight, "height of the dumped canvas")
	dbVar := flag.String("db", "", "read the canvas from this sqlite database instead of a dump file")
	sessionVar := flag.String("session", "default", "the session to read when -db is set")
	outVar := flag.String("out", "", "output path, .png or .pdf, defaults to the input with a .png extension")
	flag.Parse()

	var (
		buff          []byte
		width, height int
		input         string
	)
	if *dbVar != "" {
		db, err := store.Open(context.Background(), *dbVar)
		if err != nil {
			return err
		}
		defer db.Close()
		stored, err := db.LoadCanvas(context.Background(), *sessionVar)
		if err != nil {
			return err
		}
		slog.Info("loaded stored canvas", "session", stored.ID, "updated", stored.UpdatedAt)
		buff, width, height, input = stored.Content, stored.Width, stored.Height, stored.ID+".rgba"
	} else {
		if flag.NArg() != 1 {
			return fmt.Errorf("expected one position argument: the file to read")
		}
		var err error
		if buff, err = os.ReadFile(flag.Arg(0)); err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		width, height, input = *widthVar, *heightVar, flag.Arg(0)
	}
	slog.Info("loaded dump", "bytes", len(buff), "expected", wire.BitmapLen(width, height))

	c := raster.New(width, height)
	if err := c.LoadBitmap(buff, width, height); err != nil {
		return fmt.Errorf("failed to load dump: %w", err)
	}
	buff = nil

	out := *outVar
	if out == "" {
		out = strings.TrimSuffix(input, filepath.Ext(input)) + ".png"
	}
	if err := export.Save(c.Image(), out); err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+out)
	return nil
}
