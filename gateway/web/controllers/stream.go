// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/engine"
	"setupranali.io/setupranali/gateway/stream"
)

// ErrStream is the error class of the stream controller.
var ErrStream = errs.Class("stream web api controller")

// Stream is the web api controller for chunked result delivery.
type Stream struct {
	log        *zap.Logger
	engine     *engine.Service
	dispatcher *stream.Dispatcher
	upgrader   websocket.Upgrader
}

// NewStream creates a stream controller.
func NewStream(log *zap.Logger, engine *engine.Service, dispatcher *stream.Dispatcher) *Stream {
	return &Stream{
		log:        log,
		engine:     engine,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// streamPayload is the request body of both the HTTP and the WebSocket
// entry points.
type streamPayload struct {
	compiler.QueryRequest
	Format          string `json:"format,omitempty"`
	ChunkSize       int    `json:"chunk_size,omitempty"`
	IncludeMetadata *bool  `json:"include_metadata,omitempty"`
	IncludeProgress *bool  `json:"include_progress,omitempty"`
	TotalEstimate   int    `json:"total_estimate,omitempty"`
}

// Run handles POST /v1/stream. The format comes from the body or the
// format query parameter; websocket is only reachable through Socket.
func (controller *Stream) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := auth.FromContext(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	var payload streamPayload
	if err = decode(r, &payload); err != nil {
		ServeError(controller.log, w, err)
		return
	}
	if payload.Format == "" {
		payload.Format = r.URL.Query().Get("format")
	}
	format, err := stream.ParseFormat(payload.Format)
	if err != nil {
		ServeError(controller.log, w, ErrStream.Wrap(err))
		return
	}
	if format == stream.FormatWebSocket {
		ServeError(controller.log, w, ErrStream.New("use the websocket endpoint for websocket streams"))
		return
	}

	req, src, err := controller.plan(ctx, identity, &payload, format)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	if _, err := controller.dispatcher.ServeHTTP(ctx, w, req, src); err != nil {
		// the status is committed; the failure went out as an error frame
		controller.log.Debug("stream ended with error", zap.Error(err))
	}
}

// Socket handles GET /v1/query/ws. The client upgrades, then sends one
// start message carrying the streamPayload.
func (controller *Stream) Socket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := auth.FromContext(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	conn, err := controller.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		controller.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	var payload streamPayload
	if err := conn.ReadJSON(&payload); err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": "expected a start message"})
		return
	}

	req, src, err := controller.plan(ctx, identity, &payload, stream.FormatWebSocket)
	if err != nil {
		apiBody := map[string]interface{}{"type": "error", "error": errBody(err)}
		_ = conn.WriteJSON(apiBody)
		return
	}

	if _, err := controller.dispatcher.ServeConn(ctx, conn, req, src); err != nil {
		controller.log.Debug("websocket stream ended with error", zap.Error(err))
	}
}

// plan compiles the stream and assembles the dispatcher request.
func (controller *Stream) plan(ctx context.Context, identity auth.Identity, payload *streamPayload, format stream.Format) (stream.Request, stream.Source, error) {
	maxRows := controller.dispatcher.Config().MaxRows
	columns, src, err := controller.engine.StreamPlan(ctx, identity, &payload.QueryRequest, maxRows)
	if err != nil {
		return stream.Request{}, nil, err
	}

	req := stream.Request{
		Dataset:         payload.Dataset,
		Format:          format,
		ChunkSize:       payload.ChunkSize,
		IncludeMetadata: true,
		IncludeProgress: true,
		Columns:         columns,
		TotalEstimate:   payload.TotalEstimate,
	}
	if payload.IncludeMetadata != nil {
		req.IncludeMetadata = *payload.IncludeMetadata
	}
	if payload.IncludeProgress != nil {
		req.IncludeProgress = *payload.IncludeProgress
	}
	return req, src, nil
}
