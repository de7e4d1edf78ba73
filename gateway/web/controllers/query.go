// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"net/http"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/engine"
)

// ErrQuery is the error class of the query controller.
var ErrQuery = errs.Class("query web api controller")

// Query is the web api controller for semantic queries and raw SQL.
type Query struct {
	log    *zap.Logger
	engine *engine.Service
}

// NewQuery creates a query controller.
func NewQuery(log *zap.Logger, engine *engine.Service) *Query {
	return &Query{log: log, engine: engine}
}

// Run handles POST /v1/query.
func (controller *Query) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := auth.FromContext(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	var payload struct {
		compiler.QueryRequest
		NoCache bool `json:"no_cache,omitempty"`
	}
	if err = decode(r, &payload); err != nil {
		ServeError(controller.log, w, err)
		return
	}

	result, err := controller.engine.Query(ctx, identity, &payload.QueryRequest, engine.Options{
		NoCache:  payload.NoCache || noCacheRequested(r),
		SourceIP: clientIP(r),
	})
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, result)
}

// RunSQL handles POST /v1/sql.
func (controller *Query) RunSQL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := auth.FromContext(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	var payload struct {
		Dataset    string        `json:"dataset"`
		SQL        string        `json:"sql"`
		Parameters []interface{} `json:"parameters,omitempty"`
		Params     []interface{} `json:"params,omitempty"` // legacy spelling
	}
	if err = decode(r, &payload); err != nil {
		ServeError(controller.log, w, err)
		return
	}
	params := payload.Parameters
	if params == nil {
		params = payload.Params
	}

	result, err := controller.engine.RawSQL(ctx, identity, payload.SQL, payload.Dataset, params)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, result)
}

// noCacheRequested reports whether the request asks to skip cache lookup.
func noCacheRequested(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Cache-Control")), "no-cache")
}

// clientIP extracts the caller address without the port.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			return strings.TrimSpace(forwarded[:i])
		}
		return forwarded
	}
	return r.RemoteAddr
}
