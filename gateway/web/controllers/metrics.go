// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"fmt"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

// Metrics serves the process metric registry for operators.
type Metrics struct {
	log      *zap.Logger
	registry *monkit.Registry
}

// NewMetrics creates a metrics controller over the default registry.
func NewMetrics(log *zap.Logger) *Metrics {
	return &Metrics{log: log, registry: monkit.Default}
}

// Stats handles GET /admin/stats, one "series value" line per metric.
func (controller *Metrics) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	controller.registry.Stats(func(key monkit.SeriesKey, field string, val float64) {
		_, _ = fmt.Fprintf(w, "%s %v\n", key.WithField(field), val)
	})
}
