// Package snapshot fetches the full raster of a session so a joining client starts from the shared state.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var ErrSnapshotUnavailable = errors.New("snapshot unavailable")

// DefaultMaxBytes allows for a 4k RGBA canvas.
const DefaultMaxBytes = 3840 * 2160 * 4

type Loader struct {
	baseURL  *url.URL
	client   *http.Client
	maxBytes int64
}

type Options struct {
	Client   *http.Client
	MaxBytes int64
}

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	return o
}

func NewLoader(baseURL *url.URL, opts Options) *Loader {
	opts = opts.withDefaults()
	return &Loader{baseURL: baseURL, client: opts.Client, maxBytes: opts.MaxBytes}
}

// URL is the snapshot endpoint for the session.
func (l *Loader) URL(sessionID string) string {
	return l.baseURL.JoinPath("getCanvas", sessionID).String()
}

// Fetch downloads the raw RGBA bitmap of the session. Every failure, whether transport, status, or an oversized
// body, wraps ErrSnapshotUnavailable.
func (l *Loader) Fetch(ctx context.Context, sessionID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %w", ErrSnapshotUnavailable, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get: %w", ErrSnapshotUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status code: %d", ErrSnapshotUnavailable, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %w", ErrSnapshotUnavailable, err)
	}
	if int64(len(raw)) > l.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrSnapshotUnavailable, l.maxBytes)
	}
	return raw, nil
}
