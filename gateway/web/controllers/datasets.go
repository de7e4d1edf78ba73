// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/catalog"
)

// ErrDatasets is the error class of the datasets controller.
var ErrDatasets = errs.Class("datasets web api controller")

// Datasets is the web api controller for catalog introspection. BI tools
// use it to discover what they may query.
type Datasets struct {
	log     *zap.Logger
	catalog *catalog.Catalog
}

// NewDatasets creates a datasets controller.
func NewDatasets(log *zap.Logger, catalog *catalog.Catalog) *Datasets {
	return &Datasets{log: log, catalog: catalog}
}

// datasetSummary is the list entry shape. The backing table and SQL stay
// internal.
type datasetSummary struct {
	ID            string `json:"id"`
	Source        string `json:"source"`
	Dimensions    int    `json:"dimensions"`
	Metrics       int    `json:"metrics"`
	TimeDimension string `json:"time_dimension,omitempty"`
	HasRLS        bool   `json:"has_rls"`
}

// List handles GET /v1/datasets.
func (controller *Datasets) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	snapshot := controller.catalog.Current()
	summaries := make([]datasetSummary, 0, snapshot.Len())
	for _, ds := range snapshot.Datasets() {
		summaries = append(summaries, datasetSummary{
			ID:            ds.ID,
			Source:        ds.Source,
			Dimensions:    len(ds.Dimensions),
			Metrics:       len(ds.Metrics),
			TimeDimension: ds.TimeDimension,
			HasRLS:        ds.RLS != nil,
		})
	}
	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{
		"generation": snapshot.Generation,
		"datasets":   summaries,
	})
}

// Get handles GET /v1/datasets/{id} with the full field schema.
func (controller *Datasets) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	id := mux.Vars(r)["id"]
	ds := controller.catalog.Current().Dataset(id)
	if ds == nil {
		ServeError(controller.log, w, apierr.NotFound("dataset", id))
		return
	}

	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{
		"id":             ds.ID,
		"source":         ds.Source,
		"dimensions":     ds.Dimensions,
		"metrics":        ds.Metrics,
		"time_dimension": ds.TimeDimension,
		"has_rls":        ds.RLS != nil,
	})
}
