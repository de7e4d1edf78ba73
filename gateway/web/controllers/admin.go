// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"net/http"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/gateway/resultcache"
)

// ErrAdmin is the error class of the admin controller.
var ErrAdmin = errs.Class("admin web api controller")

// Admin is the web api controller for operational actions.
type Admin struct {
	log     *zap.Logger
	catalog *catalog.Catalog
	cache   *resultcache.Cache
}

// NewAdmin creates an admin controller.
func NewAdmin(log *zap.Logger, catalog *catalog.Catalog, cache *resultcache.Cache) *Admin {
	return &Admin{log: log, catalog: catalog, cache: cache}
}

// ClearCache handles POST /admin/cache/clear. An empty body or dataset
// clears everything.
func (controller *Admin) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var payload struct {
		Dataset string `json:"dataset,omitempty"`
	}
	if r.ContentLength > 0 {
		if err = decode(r, &payload); err != nil {
			ServeError(controller.log, w, err)
			return
		}
	}

	var dropped int
	if payload.Dataset != "" {
		dropped, err = controller.cache.InvalidateDataset(ctx, payload.Dataset)
	} else {
		dropped, err = controller.cache.Clear(ctx)
	}
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	controller.log.Info("cache cleared",
		zap.String("dataset", payload.Dataset),
		zap.Int("dropped", dropped))
	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{"dropped": dropped})
}

// ReloadCatalog handles POST /v1/admin/catalog/reload. A failed load keeps
// the previous snapshot serving.
func (controller *Admin) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = controller.catalog.Load(ctx); err != nil {
		ServeError(controller.log, w, ErrAdmin.Wrap(err))
		return
	}

	snapshot := controller.catalog.Current()
	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{
		"generation": snapshot.Generation,
		"datasets":   snapshot.Len(),
	})
}
