// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"net/http"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/batch"
)

// ErrBatch is the error class of the batch controller.
var ErrBatch = errs.Class("batch web api controller")

// Batch is the web api controller for multi-query batches.
type Batch struct {
	log          *zap.Logger
	orchestrator *batch.Orchestrator
}

// NewBatch creates a batch controller.
func NewBatch(log *zap.Logger, orchestrator *batch.Orchestrator) *Batch {
	return &Batch{log: log, orchestrator: orchestrator}
}

// Run handles POST /v1/batch.
func (controller *Batch) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := auth.FromContext(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	var payload struct {
		Queries []batch.SubRequest `json:"queries"`
		Options batch.Options      `json:"options"`
	}
	if err = decode(r, &payload); err != nil {
		ServeError(controller.log, w, err)
		return
	}

	results, err := controller.orchestrator.Run(ctx, identity, payload.Queries, payload.Options)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{"results": results})
}
