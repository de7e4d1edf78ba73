// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package controllers implements the gateway's web api handlers.
package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/apierr"
)

var mon = monkit.Package()

// serveJSON writes a JSON response with the given status.
func serveJSON(log *zap.Logger, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("failed to write json response", zap.Error(err))
	}
}

// ServeError renders any error as its stable wire shape at the mapped
// status. Internal causes stay in the log, never in the body.
func ServeError(log *zap.Logger, w http.ResponseWriter, err error) {
	apiErr := apierr.Wrap(err)
	if apiErr.Kind == apierr.KindInternal {
		log.Error("internal error",
			zap.String("correlation_id", apiErr.CorrelationID),
			zap.Error(apiErr.Unwrap()))
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds()+1)))
	}
	serveJSON(log, w, apiErr.Status, apiErr.ToBody())
}

// errBody renders an error as its wire shape without writing it.
func errBody(err error) apierr.Body {
	return apierr.Wrap(err).ToBody()
}

// decode parses a JSON request body.
func decode(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return apierr.BadRequest("invalid json body: %v", err)
	}
	return nil
}

// NotFound handles API responses for unknown routes.
type NotFound struct {
	log *zap.Logger
}

// NewNotFound creates the handler for unknown routes.
func NewNotFound(log *zap.Logger) http.Handler {
	return &NotFound{log: log}
}

// ServeHTTP implements http.Handler.
func (handler *NotFound) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ServeError(handler.log, w, apierr.NotFound("route", r.URL.Path))
}
