// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package analytics records every terminal request into an embedded
// analytical store. Recording never blocks the request path; writes are
// buffered and flushed in batches.
package analytics

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("analytics")

// Record is one persisted query audit row.
type Record struct {
	ID         string    `json:"id"`
	Dataset    string    `json:"dataset"`
	Tenant     string    `json:"tenant"`
	Dimensions []string  `json:"dimensions,omitempty"`
	Metrics    []string  `json:"metrics,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Rows       int       `json:"rows"`
	CacheHit   bool      `json:"cache_hit"`
	Success    bool      `json:"success"`
	ErrorCode  string    `json:"error_code,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	SourceIP   string    `json:"source_ip,omitempty"`
}

// Stats aggregates records over a window.
type Stats struct {
	TotalQueries int64            `json:"total_queries"`
	SuccessRate  float64          `json:"success_rate"`
	AvgDuration  float64          `json:"avg_duration_ms"`
	CacheHitRate float64          `json:"cache_hit_rate"`
	TopDatasets  []DatasetQueries `json:"top_datasets"`
}

// DatasetQueries counts queries against one dataset.
type DatasetQueries struct {
	Dataset string `json:"dataset"`
	Queries int64  `json:"queries"`
}

// DB is the embedded analytical store: append-only writes, time- and
// tenant-scoped reads, periodic compaction.
type DB interface {
	Append(ctx context.Context, records []*Record) error
	Stats(ctx context.Context, tenant string, since time.Time) (Stats, error)
	Recent(ctx context.Context, tenant string, limit int) ([]*Record, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
