// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/dialect"
	"setupranali.io/setupranali/gateway/source"
)

// ErrSources is the error class of the sources controller.
var ErrSources = errs.Class("sources web api controller")

// Sources is the admin web api controller for upstream registration.
// Connection strings enter here once and never come back out.
type Sources struct {
	log      *zap.Logger
	registry *source.Registry
}

// NewSources creates a sources controller.
func NewSources(log *zap.Logger, registry *source.Registry) *Sources {
	return &Sources{log: log, registry: registry}
}

// Add handles POST /v1/sources.
func (controller *Sources) Add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var payload struct {
		ID       string            `json:"id"`
		Kind     string            `json:"kind"`
		DSN      string            `json:"dsn"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err = decode(r, &payload); err != nil {
		ServeError(controller.log, w, err)
		return
	}

	kind := dialect.Kind(payload.Kind)
	if _, err = dialect.ForKind(kind); err != nil {
		ServeError(controller.log, w, apierr.Validation("kind", err.Error()))
		return
	}

	src, err := controller.registry.Add(ctx, payload.ID, kind, payload.DSN, payload.Metadata)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusCreated, src)
}

// List handles GET /v1/sources.
func (controller *Sources) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	sources, err := controller.registry.List(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{"sources": sources})
}

// Get handles GET /v1/sources/{id}.
func (controller *Sources) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	src, err := controller.registry.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, src)
}

// Delete handles DELETE /v1/sources/{id}.
func (controller *Sources) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = controller.registry.Remove(ctx, mux.Vars(r)["id"]); err != nil {
		ServeError(controller.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ping handles POST /v1/sources/{id}/ping.
func (controller *Sources) Ping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	id := mux.Vars(r)["id"]
	if err = controller.registry.Ping(ctx, id); err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{"id": id, "healthy": true})
}
