// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/executor"
)

var mon = monkit.Package()

// Request describes one stream to serve.
type Request struct {
	ID              string
	Dataset         string
	Format          Format
	ChunkSize       int
	IncludeMetadata bool
	IncludeProgress bool
	Columns         []executor.Column
	TotalEstimate   int // expected row count for percent, 0 when unknown
}

// Source produces row chunks. It is the executor's streaming face: emit is
// called once per chunk, in order, and the source stops when emit or ctx
// fails.
type Source func(ctx context.Context, chunkSize int, emit func(rows [][]interface{}) error) (total int, truncated bool, err error)

// Dispatcher drives a Source through a protocol encoder with heartbeat,
// progress, and cancellation.
//
// architecture: Service
type Dispatcher struct {
	log    *zap.Logger
	config Config
}

// NewDispatcher creates a stream dispatcher.
func NewDispatcher(log *zap.Logger, config Config) *Dispatcher {
	return &Dispatcher{log: log, config: config}
}

// Config returns the dispatcher configuration.
func (d *Dispatcher) Config() Config { return d.config }

// ClampChunkSize bounds a requested chunk size into the configured range.
func (d *Dispatcher) ClampChunkSize(requested int) int {
	switch {
	case requested <= 0:
		return d.config.DefaultChunkSize
	case requested > d.config.MaxChunkSize:
		return d.config.MaxChunkSize
	default:
		return requested
	}
}

// ServeHTTP streams the source over the response writer in the requested
// format. The HTTP status commits before the first frame, so failures
// after that surface as terminal error frames.
func (d *Dispatcher) ServeHTTP(ctx context.Context, w http.ResponseWriter, req Request, src Source) (_ Complete, err error) {
	defer mon.Task()(&ctx)(&err)

	req = d.normalize(req)

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	enc := newEncoder(req.Format, w, req.Columns)
	w.Header().Set("Content-Type", enc.contentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Stream-Id", req.ID)
	w.WriteHeader(http.StatusOK)

	writer := &frameWriter{enc: enc, lastWrite: time.Now()}

	stopHeartbeat := d.startHeartbeat(ctx, writer)
	defer stopHeartbeat()

	complete, runErr := d.run(ctx, writer, req, src)
	if runErr != nil {
		apiErr := apierr.Wrap(runErr)
		d.log.Info("stream failed",
			zap.String("stream_id", req.ID),
			zap.String("dataset", req.Dataset),
			zap.String("code", apiErr.Code))
		// best effort: the socket may already be gone
		_ = writer.fail(ErrorFrame{Code: apiErr.Code, Message: apiErr.Message})
		return complete, apiErr
	}
	return complete, writer.finish()
}

func (d *Dispatcher) normalize(req Request) Request {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.ChunkSize = d.ClampChunkSize(req.ChunkSize)
	return req
}

// run emits the mandated frame sequence: metadata, data chunks with
// periodic progress, then complete.
func (d *Dispatcher) run(ctx context.Context, writer *frameWriter, req Request, src Source) (Complete, error) {
	start := time.Now()

	if req.IncludeMetadata {
		err := writer.metadata(Metadata{
			StreamID:  req.ID,
			Dataset:   req.Dataset,
			ChunkSize: req.ChunkSize,
			Columns:   req.Columns,
		})
		if err != nil {
			return Complete{}, err
		}
	}

	chunks, rows := 0, 0
	snapshot := func() Progress {
		progress := Progress{ChunksSent: chunks, RowsSent: rows}
		if req.TotalEstimate > 0 {
			progress.Percent = min(100, float64(rows)/float64(req.TotalEstimate)*100)
		}
		return progress
	}
	emit := func(chunk [][]interface{}) error {
		if err := writer.data(chunk); err != nil {
			return err
		}
		chunks++
		rows += len(chunk)

		if req.IncludeProgress && d.config.ProgressInterval > 0 && chunks%d.config.ProgressInterval == 0 {
			if err := writer.progress(snapshot()); err != nil {
				return err
			}
		}
		return nil
	}

	total, truncated, err := src(ctx, req.ChunkSize, emit)
	if err != nil {
		return Complete{}, err
	}

	// short streams still get a progress frame before the terminal one
	onBoundary := d.config.ProgressInterval > 0 && chunks%d.config.ProgressInterval == 0
	if req.IncludeProgress && chunks > 0 && !onBoundary {
		if err := writer.progress(snapshot()); err != nil {
			return Complete{}, err
		}
	}

	complete := Complete{
		TotalRows:   total,
		TotalChunks: chunks,
		DurationMS:  time.Since(start).Milliseconds(),
		Truncated:   truncated,
	}
	mon.IntVal("stream_rows").Observe(int64(total))
	return complete, writer.complete(complete)
}

// startHeartbeat emits keepalive frames while no data is flowing. The
// returned stop function must be called before the terminal frame race
// matters to the caller.
func (d *Dispatcher) startHeartbeat(ctx context.Context, writer *frameWriter) (stop func()) {
	if d.config.Heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(d.config.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if writer.idleFor() >= d.config.Heartbeat {
					_ = writer.heartbeat()
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// frameWriter serializes frame writes between the data path and the
// heartbeat loop.
type frameWriter struct {
	mu        sync.Mutex
	enc       encoder
	lastWrite time.Time
	finished  bool
}

func (w *frameWriter) idleFor() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastWrite)
}

func (w *frameWriter) write(fn func(encoder) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return nil
	}
	w.lastWrite = time.Now()
	return fn(w.enc)
}

func (w *frameWriter) metadata(m Metadata) error { return w.write(func(e encoder) error { return e.metadata(m) }) }
func (w *frameWriter) data(rows [][]interface{}) error {
	return w.write(func(e encoder) error { return e.data(rows) })
}
func (w *frameWriter) progress(p Progress) error {
	return w.write(func(e encoder) error { return e.progress(p) })
}
func (w *frameWriter) heartbeat() error { return w.write(func(e encoder) error { return e.heartbeat() }) }

func (w *frameWriter) complete(c Complete) error {
	return w.terminal(func(e encoder) error { return e.complete(c) })
}

func (w *frameWriter) fail(e ErrorFrame) error {
	return w.terminal(func(enc encoder) error { return enc.fail(e) })
}

// terminal writes the final frame exactly once.
func (w *frameWriter) terminal(fn func(encoder) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return nil
	}
	w.finished = true
	w.lastWrite = time.Now()
	return fn(w.enc)
}

func (w *frameWriter) finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.finish()
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
