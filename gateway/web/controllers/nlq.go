// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"net/http"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/engine"
	"setupranali.io/setupranali/gateway/nlq"
)

// ErrNLQ is the error class of the natural-language controller.
var ErrNLQ = errs.Class("nlq web api controller")

// NLQ is the web api controller for natural-language translation.
type NLQ struct {
	log    *zap.Logger
	engine *engine.Service
}

// NewNLQ creates a natural-language controller.
func NewNLQ(log *zap.Logger, engine *engine.Service) *NLQ {
	return &NLQ{log: log, engine: engine}
}

// Translate handles POST /v1/nlq and its /v1/translate alias.
func (controller *NLQ) Translate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := auth.FromContext(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	var payload struct {
		nlq.Question
		Execute bool `json:"execute,omitempty"`
	}
	if err = decode(r, &payload); err != nil {
		ServeError(controller.log, w, err)
		return
	}

	translated, result, err := controller.engine.Translate(ctx, identity, payload.Question, payload.Execute)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	response := map[string]interface{}{
		"query":       translated.Request,
		"explanation": translated.Explanation,
	}
	if len(translated.Suggestions) > 0 {
		response["suggestions"] = translated.Suggestions
	}
	if result != nil {
		response["result"] = result
	}
	serveJSON(controller.log, w, http.StatusOK, response)
}
