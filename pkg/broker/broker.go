// Package broker provides streaming access to delta files on remote file
// systems through a list of broker endpoints with ordered failover.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/malbeclabs/silo/utils/pkg/retry"
)

// Backend opens one path on one broker endpoint. Implementations: local
// filesystem and S3.
type Backend interface {
	OpenRead(ctx context.Context, endpoint, path string, offset int64) (io.ReadCloser, error)
	OpenWrite(ctx context.Context, endpoint, path string) (io.WriteCloser, error)
}

type Config struct {
	Logger    *slog.Logger
	Endpoints []string
	Backend   Backend
	Retry     retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Endpoints) == 0 {
		return errors.New("at least one broker endpoint is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Reader streams one file, failing over across endpoints with a monotonic
// cursor: an endpoint that failed once is never retried by this reader.
type Reader struct {
	log  *slog.Logger
	cfg  Config
	path string

	ctx     context.Context
	stream  io.ReadCloser
	offset  int64
	addrIdx int
}

func NewReader(ctx context.Context, cfg Config, path string) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Reader{
		log:  cfg.Logger,
		cfg:  cfg,
		path: path,
		ctx:  ctx,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open() error {
	for ; r.addrIdx < len(r.cfg.Endpoints); r.addrIdx++ {
		endpoint := r.cfg.Endpoints[r.addrIdx]
		var stream io.ReadCloser
		err := retry.Do(r.ctx, r.cfg.Retry, func() error {
			var openErr error
			stream, openErr = r.cfg.Backend.OpenRead(r.ctx, endpoint, r.path, r.offset)
			return openErr
		})
		if err == nil {
			r.stream = stream
			return nil
		}
		r.log.Warn("broker endpoint failed to open",
			"endpoint", endpoint, "path", r.path, "offset", r.offset, "error", err)
	}
	return fmt.Errorf("%w: path %s", ErrExhausted, r.path)
}

// Read fills p from the current offset. On a stream failure the reader moves
// to the next endpoint and resumes at the same offset.
func (r *Reader) Read(p []byte) (int, error) {
	for {
		if r.stream == nil {
			return 0, fmt.Errorf("%w: reader closed", ErrExhausted)
		}
		n, err := r.stream.Read(p)
		r.offset += int64(n)
		if err == nil || errors.Is(err, io.EOF) {
			return n, err
		}

		r.log.Warn("broker read failed, failing over",
			"endpoint", r.cfg.Endpoints[r.addrIdx], "path", r.path, "error", err)
		r.stream.Close()
		r.stream = nil
		r.addrIdx++
		if openErr := r.open(); openErr != nil {
			return n, openErr
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (r *Reader) Close() error {
	if r.stream == nil {
		return nil
	}
	err := r.stream.Close()
	r.stream = nil
	return err
}

// Writer streams one file to the first endpoint that accepts it.
type Writer struct {
	log     *slog.Logger
	stream  io.WriteCloser
	written int64
}

func NewWriter(ctx context.Context, cfg Config, path string) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var lastErr error
	for _, endpoint := range cfg.Endpoints {
		stream, err := cfg.Backend.OpenWrite(ctx, endpoint, path)
		if err == nil {
			return &Writer{log: cfg.Logger, stream: stream}, nil
		}
		lastErr = err
		cfg.Logger.Warn("broker endpoint failed to open for write",
			"endpoint", endpoint, "path", path, "error", err)
	}
	return nil, fmt.Errorf("%w: path %s: %v", ErrExhausted, path, lastErr)
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.stream.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *Writer) Written() int64 { return w.written }

func (w *Writer) Close() error {
	return w.stream.Close()
}
