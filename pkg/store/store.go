// Package store persists session rasters in sqlite so that a restarted relay serves the same canvases.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("canvas not found")

type Canvas struct {
	ID        string
	Width     int
	Height    int
	Content   []byte
	UpdatedAt time.Time
}

type Store struct {
	database *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY between the backup loop and shutdown.
	db.SetMaxOpenConns(1)
	s := &Store{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS canvases (
		id text not null primary key,
		width integer not null,
		height integer not null,
		content blob not null,
		updated_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	slog.Debug("Ensured initial tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

// SaveCanvas inserts or replaces the raster stored for id.
func (s *Store) SaveCanvas(ctx context.Context, id string, width, height int, content []byte) error {
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO canvases (id, width, height, content, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET width = excluded.width, height = excluded.height,
		content = excluded.content, updated_at = excluded.updated_at`,
		id, width, height, content, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to save canvas %s: %w", id, err)
	}
	return nil
}

// LoadCanvas returns the raster stored for id, or ErrNotFound.
func (s *Store) LoadCanvas(ctx context.Context, id string) (*Canvas, error) {
	c := &Canvas{ID: id}
	var updated int64
	if err := s.database.QueryRowContext(ctx,
		`SELECT width, height, content, updated_at FROM canvases WHERE id = ?`, id,
	).Scan(&c.Width, &c.Height, &c.Content, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	c.UpdatedAt = time.Unix(0, updated)
	return c, nil
}

// ListCanvases returns every stored canvas ordered by id.
func (s *Store) ListCanvases(ctx context.Context) ([]Canvas, error) {
	res, err := s.database.QueryContext(ctx, `SELECT id, width, height, content, updated_at FROM canvases ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(res)

	var out []Canvas
	for res.Next() {
		var c Canvas
		var updated int64
		if err := res.Scan(&c.ID, &c.Width, &c.Height, &c.Content, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		c.UpdatedAt = time.Unix(0, updated)
		out = append(out, c)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate: %w", err)
	}
	return out, nil
}
