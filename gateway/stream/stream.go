// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package stream delivers query results in protocol-framed chunks over
// SSE, WebSocket, NDJSON, JSON, and CSV with progress, heartbeat, and
// cancellation.
package stream

import (
	"time"

	"github.com/zeebo/errs"

	"setupranali.io/setupranali/gateway/executor"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("stream")

// Format is the wire protocol of a stream.
type Format string

// The supported stream formats.
const (
	FormatSSE       Format = "sse"
	FormatWebSocket Format = "websocket"
	FormatNDJSON    Format = "ndjson"
	FormatJSON      Format = "json"
	FormatCSV       Format = "csv"
)

// ParseFormat normalizes a requested format, defaulting to NDJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatNDJSON, nil
	case FormatSSE, FormatWebSocket, FormatNDJSON, FormatJSON, FormatCSV:
		return Format(s), nil
	default:
		return "", Error.New("unknown stream format %q", s)
	}
}

// Config holds the stream dispatcher configuration.
type Config struct {
	MaxRows          int           `help:"row cap for streamed results" default:"1000000"`
	Timeout          time.Duration `help:"stream deadline" default:"10m"`
	Heartbeat        time.Duration `help:"idle heartbeat interval" default:"15s"`
	DefaultChunkSize int           `help:"rows per chunk when the request has none" default:"1000"`
	MaxChunkSize     int           `help:"largest allowed chunk size" default:"10000"`
	ProgressInterval int           `help:"chunks between progress frames" default:"10"`
}

// Metadata is the frame emitted once at stream start.
type Metadata struct {
	StreamID  string            `json:"stream_id"`
	Dataset   string            `json:"dataset"`
	ChunkSize int               `json:"chunk_size"`
	Columns   []executor.Column `json:"columns"`
}

// Progress reports delivery totals mid-stream.
type Progress struct {
	ChunksSent int     `json:"chunks_sent"`
	RowsSent   int     `json:"rows_sent"`
	Percent    float64 `json:"percent,omitempty"`
}

// Complete is the terminal frame of a successful stream.
type Complete struct {
	TotalRows   int   `json:"total_rows"`
	TotalChunks int   `json:"total_chunks"`
	DurationMS  int64 `json:"duration_ms"`
	Truncated   bool  `json:"truncated,omitempty"`
}

// ErrorFrame is the terminal frame of a failed stream. The HTTP status is
// already committed when it appears, so clients must watch for it.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
