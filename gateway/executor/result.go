// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package executor

import (
	"time"
)

// Column describes one result column with its canonical type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Stats carries execution statistics returned with every result.
type Stats struct {
	Rows       int        `json:"rows"`
	DurationMS int64      `json:"duration_ms"`
	Cached     bool       `json:"cached"`
	CachedAt   *time.Time `json:"cached_at,omitempty"`
}

// QueryResult is a materialized columnar result. Row values are restricted
// to nil, bool, int64, float64, and string (dates render as ISO-8601).
type QueryResult struct {
	Columns []Column        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
	Stats   Stats           `json:"stats"`
}

// WithCached returns a shallow copy of the result marked as served from
// cache. The shared row data is never mutated.
func (r *QueryResult) WithCached(at time.Time) *QueryResult {
	out := *r
	out.Stats.Cached = true
	out.Stats.CachedAt = &at
	return &out
}

// EstimateBytes approximates the in-memory size of the result for cache
// accounting.
func (r *QueryResult) EstimateBytes() int64 {
	size := int64(128)
	for _, col := range r.Columns {
		size += int64(len(col.Name) + len(col.Type) + 32)
	}
	for _, row := range r.Rows {
		size += 24
		for _, v := range row {
			switch val := v.(type) {
			case string:
				size += int64(len(val)) + 16
			default:
				size += 16
			}
		}
	}
	return size
}

// ColumnIndex returns the index of the named column, or -1.
func (r *QueryResult) ColumnIndex(name string) int {
	for i, col := range r.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}
