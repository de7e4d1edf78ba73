// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/auth"
)

// ErrAnalytics is the error class of the analytics controller.
var ErrAnalytics = errs.Class("analytics web api controller")

// Analytics is the web api controller for usage statistics. Non-admin
// identities only see their own tenant.
type Analytics struct {
	log     *zap.Logger
	service *analytics.Service
}

// NewAnalytics creates an analytics controller.
func NewAnalytics(log *zap.Logger, service *analytics.Service) *Analytics {
	return &Analytics{log: log, service: service}
}

// Stats handles GET /v1/stats.
func (controller *Analytics) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := auth.FromContext(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err = time.ParseDuration(raw)
		if err != nil || window <= 0 {
			ServeError(controller.log, w, apierr.Validation("window", "must be a positive duration like 24h"))
			return
		}
	}

	stats, err := controller.service.Stats(ctx, identity.Tenant, window)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, stats)
}

// Recent handles GET /v1/queries/recent.
func (controller *Analytics) Recent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := auth.FromContext(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			ServeError(controller.log, w, apierr.Validation("limit", "must be a non-negative integer"))
			return
		}
	}

	records, err := controller.service.Recent(ctx, identity.Tenant, limit)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{"queries": records})
}
