// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package stream

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"setupranali.io/setupranali/gateway/executor"
)

// encoder wraps chunks into one protocol's envelope. Implementations are
// not safe for concurrent use; the dispatcher serializes writes.
type encoder interface {
	contentType() string
	metadata(meta Metadata) error
	data(rows [][]interface{}) error
	progress(p Progress) error
	complete(c Complete) error
	fail(e ErrorFrame) error
	heartbeat() error
	finish() error
}

// flushWriter flushes after every frame so chunks reach the client as
// they are produced.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func newFlushWriter(w io.Writer) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	return fw
}

func (fw *flushWriter) writeFrame(data []byte) error {
	if _, err := fw.w.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if fw.f != nil {
		fw.f.Flush()
	}
	return nil
}

func newEncoder(format Format, w io.Writer, columns []executor.Column) encoder {
	fw := newFlushWriter(w)
	switch format {
	case FormatSSE:
		return &sseEncoder{fw: fw}
	case FormatJSON:
		return &jsonEncoder{fw: fw}
	case FormatCSV:
		return &csvEncoder{w: w, fw: fw, columns: columns}
	default:
		return &ndjsonEncoder{fw: fw}
	}
}

// sseEncoder frames messages as server-sent events.
type sseEncoder struct {
	fw *flushWriter
}

func (enc *sseEncoder) contentType() string { return "text/event-stream" }

func (enc *sseEncoder) event(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return Error.Wrap(err)
	}
	return enc.fw.writeFrame([]byte("event: " + name + "\ndata: " + string(data) + "\n\n"))
}

func (enc *sseEncoder) metadata(meta Metadata) error { return enc.event("metadata", meta) }
func (enc *sseEncoder) data(rows [][]interface{}) error {
	return enc.event("data", map[string]interface{}{"rows": rows})
}
func (enc *sseEncoder) progress(p Progress) error { return enc.event("progress", p) }
func (enc *sseEncoder) complete(c Complete) error { return enc.event("complete", c) }
func (enc *sseEncoder) fail(e ErrorFrame) error   { return enc.event("error", e) }
func (enc *sseEncoder) heartbeat() error          { return enc.fw.writeFrame([]byte(": keepalive\n\n")) }
func (enc *sseEncoder) finish() error             { return nil }

// ndjsonEncoder emits one JSON object per line; non-data lines carry a
// _kind sentinel.
type ndjsonEncoder struct {
	fw *flushWriter
}

func (enc *ndjsonEncoder) contentType() string { return "application/x-ndjson" }

func (enc *ndjsonEncoder) line(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return Error.Wrap(err)
	}
	return enc.fw.writeFrame(append(data, '\n'))
}

func (enc *ndjsonEncoder) metadata(meta Metadata) error {
	return enc.line(struct {
		Kind string `json:"_kind"`
		Metadata
	}{"metadata", meta})
}

func (enc *ndjsonEncoder) data(rows [][]interface{}) error {
	return enc.line(map[string]interface{}{"_kind": "data", "rows": rows})
}

func (enc *ndjsonEncoder) progress(p Progress) error {
	return enc.line(struct {
		Kind string `json:"_kind"`
		Progress
	}{"progress", p})
}

func (enc *ndjsonEncoder) complete(c Complete) error {
	return enc.line(struct {
		Kind string `json:"_kind"`
		Complete
	}{"complete", c})
}

func (enc *ndjsonEncoder) fail(e ErrorFrame) error {
	return enc.line(struct {
		Kind string `json:"_kind"`
		ErrorFrame
	}{"error", e})
}

func (enc *ndjsonEncoder) heartbeat() error { return enc.line(map[string]string{"_kind": "heartbeat"}) }
func (enc *ndjsonEncoder) finish() error    { return nil }

// jsonEncoder emits one JSON document with a chunks array, written
// incrementally so the client sees chunks as they arrive.
type jsonEncoder struct {
	fw      *flushWriter
	started bool
	chunks  int
}

func (enc *jsonEncoder) contentType() string { return "application/json" }

func (enc *jsonEncoder) metadata(meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return Error.Wrap(err)
	}
	enc.started = true
	return enc.fw.writeFrame([]byte(`{"metadata":` + string(data) + `,"chunks":[`))
}

func (enc *jsonEncoder) data(rows [][]interface{}) error {
	if !enc.started {
		enc.started = true
		if err := enc.fw.writeFrame([]byte(`{"chunks":[`)); err != nil {
			return err
		}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return Error.Wrap(err)
	}
	prefix := ""
	if enc.chunks > 0 {
		prefix = ","
	}
	enc.chunks++
	return enc.fw.writeFrame([]byte(prefix + string(data)))
}

func (enc *jsonEncoder) progress(Progress) error { return nil }

func (enc *jsonEncoder) complete(c Complete) error {
	data, err := json.Marshal(c)
	if err != nil {
		return Error.Wrap(err)
	}
	return enc.fw.writeFrame([]byte(`],"complete":` + string(data) + `}`))
}

func (enc *jsonEncoder) fail(e ErrorFrame) error {
	data, err := json.Marshal(e)
	if err != nil {
		return Error.Wrap(err)
	}
	if !enc.started {
		return enc.fw.writeFrame([]byte(`{"error":` + string(data) + `}`))
	}
	return enc.fw.writeFrame([]byte(`],"error":` + string(data) + `}`))
}

func (enc *jsonEncoder) heartbeat() error { return nil }
func (enc *jsonEncoder) finish() error    { return nil }

// csvEncoder carries data only: a header row, then row lines. Metadata
// and progress have no CSV shape; errors surface as a trailing comment.
type csvEncoder struct {
	w       io.Writer
	fw      *flushWriter
	columns []executor.Column
	csv     *csv.Writer
}

func (enc *csvEncoder) contentType() string { return "text/csv" }

func (enc *csvEncoder) metadata(Metadata) error {
	enc.csv = csv.NewWriter(enc.w)
	header := make([]string, len(enc.columns))
	for i, col := range enc.columns {
		header[i] = col.Name
	}
	if err := enc.csv.Write(header); err != nil {
		return Error.Wrap(err)
	}
	enc.csv.Flush()
	return Error.Wrap(enc.csv.Error())
}

func (enc *csvEncoder) data(rows [][]interface{}) error {
	if enc.csv == nil {
		if err := enc.metadata(Metadata{}); err != nil {
			return err
		}
	}
	record := make([]string, len(enc.columns))
	for _, row := range rows {
		for i, v := range row {
			record[i] = csvField(v)
		}
		if err := enc.csv.Write(record); err != nil {
			return Error.Wrap(err)
		}
	}
	enc.csv.Flush()
	if err := enc.csv.Error(); err != nil {
		return Error.Wrap(err)
	}
	if enc.fw.f != nil {
		enc.fw.f.Flush()
	}
	return nil
}

func (enc *csvEncoder) progress(Progress) error { return nil }
func (enc *csvEncoder) complete(Complete) error { return nil }

func (enc *csvEncoder) fail(e ErrorFrame) error {
	return enc.fw.writeFrame([]byte("# error: " + e.Code + " " + e.Message + "\n"))
}

func (enc *csvEncoder) heartbeat() error { return nil }
func (enc *csvEncoder) finish() error    { return nil }

func csvField(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
