// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package guard enforces the configured request caps before any expensive
// work happens. Guard failures are deterministic and never reach an
// upstream.
package guard

import (
	"time"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/compiler"
)

// Config holds the request caps.
type Config struct {
	MaxRows        int           `help:"maximum rows any query may return" default:"50000"`
	DefaultLimit   int           `help:"row limit applied when the request has none" default:"1000"`
	MaxDimensions  int           `help:"maximum dimensions per query" default:"16"`
	MaxMetrics     int           `help:"maximum metrics per query" default:"16"`
	MaxFilters     int           `help:"maximum filters per query" default:"32"`
	MaxFilterDepth int           `help:"maximum filter nesting depth" default:"3"`
	QueryTimeout   time.Duration `help:"upstream statement timeout" default:"60s"`
}

// Check validates the request against the caps. It assumes the request has
// already been decoded; dataset and field existence are the compiler's
// concern.
func Check(config Config, req *compiler.QueryRequest) error {
	if req.Dataset == "" {
		return apierr.BadRequest("dataset is required")
	}
	if len(req.Dimensions) == 0 && len(req.Metrics) == 0 {
		return apierr.BadRequest("query must select at least one dimension or metric")
	}
	if len(req.Dimensions) > config.MaxDimensions {
		return apierr.GuardExceeded("dimension count", config.MaxDimensions)
	}
	if len(req.Metrics) > config.MaxMetrics {
		return apierr.GuardExceeded("metric count", config.MaxMetrics)
	}
	if len(req.Filters) > config.MaxFilters {
		return apierr.GuardExceeded("filter count", config.MaxFilters)
	}
	if req.Limit > config.MaxRows {
		return apierr.GuardExceeded("limit", config.MaxRows)
	}
	if req.Limit < 0 {
		return apierr.Validation("limit", "must be positive")
	}
	if req.Offset < 0 {
		return apierr.Validation("offset", "must not be negative")
	}
	return nil
}
