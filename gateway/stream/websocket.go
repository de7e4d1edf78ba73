// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/executor"
)

// wsMessage is the JSON envelope of every WebSocket frame, both
// directions.
type wsMessage struct {
	Type string `json:"type"`

	StreamID  string            `json:"stream_id,omitempty"`
	Dataset   string            `json:"dataset,omitempty"`
	ChunkSize int               `json:"chunk_size,omitempty"`
	Columns   []executor.Column `json:"columns,omitempty"`

	Rows [][]interface{} `json:"rows,omitempty"`

	ChunksSent int     `json:"chunks_sent,omitempty"`
	RowsSent   int     `json:"rows_sent,omitempty"`
	Percent    float64 `json:"percent,omitempty"`

	TotalRows   int   `json:"total_rows,omitempty"`
	TotalChunks int   `json:"total_chunks,omitempty"`
	DurationMS  int64 `json:"duration_ms,omitempty"`
	Truncated   bool  `json:"truncated,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServeConn streams the source over an upgraded WebSocket connection.
// The read pump watches for a cancel message and keeps the read deadline
// fresh off pongs; either pump failing cancels the executor.
func (d *Dispatcher) ServeConn(ctx context.Context, conn *websocket.Conn, req Request, src Source) (_ Complete, err error) {
	defer mon.Task()(&ctx)(&err)

	req = d.normalize(req)

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	writer := &wsWriter{conn: conn, lastWrite: time.Now()}

	// liveness policing only applies when keepalives are on, otherwise a
	// quiet client would trip the deadline immediately
	readDeadline := 2 * d.config.Heartbeat
	refreshDeadline := func() error {
		if readDeadline <= 0 {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
	conn.SetPongHandler(func(string) error { return refreshDeadline() })
	_ = refreshDeadline()

	// read pump: cancel messages and liveness
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = refreshDeadline()
			var msg wsMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "cancel" {
				d.log.Debug("stream cancelled by client", zap.String("stream_id", req.ID))
				return
			}
		}
	}()

	stopPing := d.startPing(ctx, writer)
	defer stopPing()

	complete, runErr := d.runWS(ctx, writer, req, src)
	if runErr != nil {
		apiErr := apierr.Wrap(runErr)
		_ = writer.send(wsMessage{Type: "error", Code: apiErr.Code, Message: apiErr.Message})
		_ = conn.Close()
		return complete, apiErr
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return complete, nil
}

func (d *Dispatcher) runWS(ctx context.Context, writer *wsWriter, req Request, src Source) (Complete, error) {
	start := time.Now()

	err := writer.send(wsMessage{
		Type:      "stream_started",
		StreamID:  req.ID,
		Dataset:   req.Dataset,
		ChunkSize: req.ChunkSize,
		Columns:   req.Columns,
	})
	if err != nil {
		return Complete{}, err
	}

	chunks, rows := 0, 0
	snapshot := func() wsMessage {
		msg := wsMessage{Type: "progress", ChunksSent: chunks, RowsSent: rows}
		if req.TotalEstimate > 0 {
			msg.Percent = min(100, float64(rows)/float64(req.TotalEstimate)*100)
		}
		return msg
	}
	emit := func(chunk [][]interface{}) error {
		if ctx.Err() != nil {
			return apierr.Wrap(ctx.Err())
		}
		if err := writer.send(wsMessage{Type: "data", Rows: chunk}); err != nil {
			return err
		}
		chunks++
		rows += len(chunk)

		if req.IncludeProgress && d.config.ProgressInterval > 0 && chunks%d.config.ProgressInterval == 0 {
			if err := writer.send(snapshot()); err != nil {
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
		if err := writer.send(snapshot()); err != nil {
			return Complete{}, err
		}
	}

	complete := Complete{
		TotalRows:   total,
		TotalChunks: chunks,
		DurationMS:  time.Since(start).Milliseconds(),
		Truncated:   truncated,
	}
	return complete, writer.send(wsMessage{
		Type:        "complete",
		TotalRows:   complete.TotalRows,
		TotalChunks: complete.TotalChunks,
		DurationMS:  complete.DurationMS,
		Truncated:   complete.Truncated,
	})
}

func (d *Dispatcher) startPing(ctx context.Context, writer *wsWriter) (stop func()) {
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
					_ = writer.ping()
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

// wsWriter serializes writes between the data path and the ping loop.
type wsWriter struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	lastWrite time.Time
}

func (w *wsWriter) idleFor() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastWrite)
}

func (w *wsWriter) send(msg wsMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastWrite = time.Now()
	return Error.Wrap(w.conn.WriteJSON(msg))
}

func (w *wsWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastWrite = time.Now()
	return Error.Wrap(w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)))
}
