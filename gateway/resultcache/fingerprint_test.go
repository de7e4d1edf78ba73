// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package resultcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/resultcache"
)

func baseRequest() *compiler.QueryRequest {
	return &compiler.QueryRequest{
		Dataset:    "orders",
		Dimensions: []string{"region", "priority"},
		Metrics:    []string{"revenue", "orders"},
		Filters: []compiler.Filter{
			{Field: "region", Op: "in", Value: []interface{}{"emea", "apac"}},
			{Field: "priority", Op: "gte", Value: float64(2)},
		},
		OrderBy: []compiler.OrderBy{{Field: "revenue", Direction: "desc"}},
		Limit:   100,
	}
}

func TestFingerprintStableUnderReordering(t *testing.T) {
	want := resultcache.Fingerprint(baseRequest(), "acme", 7)

	reordered := baseRequest()
	reordered.Dimensions = []string{"priority", "region"}
	reordered.Metrics = []string{"orders", "revenue"}
	reordered.Filters = []compiler.Filter{
		{Field: "priority", Op: "gte", Value: float64(2)},
		{Field: "region", Op: "in", Value: []interface{}{"apac", "emea", "apac"}},
	}
	require.Equal(t, want, resultcache.Fingerprint(reordered, "acme", 7))

	// op aliases normalize too
	aliased := baseRequest()
	aliased.Filters[1].Op = ">="
	require.Equal(t, want, resultcache.Fingerprint(aliased, "acme", 7))
}

func TestFingerprintSensitivity(t *testing.T) {
	want := resultcache.Fingerprint(baseRequest(), "acme", 7)

	require.NotEqual(t, want, resultcache.Fingerprint(baseRequest(), "globex", 7))
	require.NotEqual(t, want, resultcache.Fingerprint(baseRequest(), "acme", 8))

	limited := baseRequest()
	limited.Limit = 200
	require.NotEqual(t, want, resultcache.Fingerprint(limited, "acme", 7))

	offset := baseRequest()
	offset.Offset = 10
	require.NotEqual(t, want, resultcache.Fingerprint(offset, "acme", 7))

	filtered := baseRequest()
	filtered.Filters[1].Value = float64(3)
	require.NotEqual(t, want, resultcache.Fingerprint(filtered, "acme", 7))
}

func TestFingerprintOrderByIsOrdered(t *testing.T) {
	multi := baseRequest()
	multi.OrderBy = []compiler.OrderBy{
		{Field: "revenue", Direction: "desc"},
		{Field: "region", Direction: "asc"},
	}

	flipped := baseRequest()
	flipped.OrderBy = []compiler.OrderBy{
		{Field: "region", Direction: "asc"},
		{Field: "revenue", Direction: "desc"},
	}

	require.NotEqual(t,
		resultcache.Fingerprint(multi, "acme", 7),
		resultcache.Fingerprint(flipped, "acme", 7))
}
