// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"setupranali.io/setupranali/private/version"
)

// Dependency is a named backend whose health the endpoint reports.
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health is the unauthenticated liveness controller.
type Health struct {
	log     *zap.Logger
	deps    []Dependency
	started time.Time
}

// NewHealth creates a health controller over the named backend checks.
func NewHealth(log *zap.Logger, deps ...Dependency) *Health {
	return &Health{log: log, deps: deps, started: time.Now()}
}

// Check handles GET /health.
func (controller *Health) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	status := "ok"
	httpStatus := http.StatusOK
	dependencies := make(map[string]string, len(controller.deps))
	for _, dep := range controller.deps {
		if depErr := dep.Check(ctx); depErr != nil {
			controller.log.Warn("health check failed",
				zap.String("dependency", dep.Name), zap.Error(depErr))
			dependencies[dep.Name] = "down"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			err = depErr
			continue
		}
		dependencies[dep.Name] = "ok"
	}

	serveJSON(controller.log, w, httpStatus, map[string]interface{}{
		"status":         status,
		"version":        version.Build().Version,
		"uptime_seconds": int64(time.Since(controller.started).Seconds()),
		"dependencies":   dependencies,
	})
}
