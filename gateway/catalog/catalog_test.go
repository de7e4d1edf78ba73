// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/private/testcontext"
)

const validCatalog = `
datasets:
  - id: orders
    source: warehouse
    table: public.orders
    time_dimension: order_date
    refresh_interval: 15m
    dimensions:
      - name: region
      - name: order_date
        expr: created_at
        type: date
    metrics:
      - name: revenue
        expr: SUM(amount)
    rls:
      mode: tenant_column
      field: tenant_id
  - id: events
    source: warehouse
    sql: SELECT * FROM raw_events
    metrics:
      - name: events
        expr: COUNT(*)
`

func TestParse(t *testing.T) {
	snap, err := catalog.Parse([]byte(validCatalog))
	require.NoError(t, err)
	require.Equal(t, 2, snap.Len())

	ds := snap.Dataset("orders")
	require.NotNil(t, ds)
	require.Equal(t, "public.orders", ds.Table)
	require.Equal(t, "order_date", ds.TimeDimension)

	// defaults fill in
	region := ds.Dimension("region")
	require.NotNil(t, region)
	require.Equal(t, "region", region.Expr)
	require.Equal(t, catalog.TypeString, region.Type)

	revenue := ds.Metric("revenue")
	require.NotNil(t, revenue)
	require.Equal(t, catalog.TypeNumber, revenue.Type)

	require.NotNil(t, ds.RLS)
	require.Equal(t, "tenant_id", ds.RLS.Field)

	// ordered by id
	all := snap.Datasets()
	require.Equal(t, "events", all[0].ID)
	require.Equal(t, "orders", all[1].ID)

	require.Nil(t, snap.Dataset("missing"))
}

func TestParseRejects(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
	}{
		{"not yaml", `{{{{`},
		{"missing id", `
datasets:
  - source: warehouse
    table: t
    metrics: [{name: m, expr: COUNT(*)}]
`},
		{"missing source", `
datasets:
  - id: d
    table: t
    metrics: [{name: m, expr: COUNT(*)}]
`},
		{"both table and sql", `
datasets:
  - id: d
    source: s
    table: t
    sql: SELECT 1
    metrics: [{name: m, expr: COUNT(*)}]
`},
		{"neither table nor sql", `
datasets:
  - id: d
    source: s
    metrics: [{name: m, expr: COUNT(*)}]
`},
		{"no fields", `
datasets:
  - id: d
    source: s
    table: t
`},
		{"duplicate field name", `
datasets:
  - id: d
    source: s
    table: t
    dimensions: [{name: x}]
    metrics: [{name: x, expr: COUNT(*)}]
`},
		{"metric without expr", `
datasets:
  - id: d
    source: s
    table: t
    metrics: [{name: m}]
`},
		{"unknown type", `
datasets:
  - id: d
    source: s
    table: t
    dimensions: [{name: x, type: blob}]
`},
		{"unknown rls mode", `
datasets:
  - id: d
    source: s
    table: t
    metrics: [{name: m, expr: COUNT(*)}]
    rls: {mode: expression, field: f}
`},
		{"rls without field", `
datasets:
  - id: d
    source: s
    table: t
    metrics: [{name: m, expr: COUNT(*)}]
    rls: {mode: tenant_column}
`},
		{"time dimension not a dimension", `
datasets:
  - id: d
    source: s
    table: t
    time_dimension: created
    metrics: [{name: m, expr: COUNT(*)}]
`},
		{"duplicate dataset id", `
datasets:
  - id: d
    source: s
    table: t
    metrics: [{name: m, expr: COUNT(*)}]
  - id: d
    source: s
    table: u
    metrics: [{name: m, expr: COUNT(*)}]
`},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadBumpsGeneration(t *testing.T) {
	ctx := testcontext.New(t)

	path := filepath.Join(ctx.Dir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validCatalog), 0o600))

	cat := catalog.New(zaptest.NewLogger(t), catalog.Config{Path: path})
	require.Equal(t, 0, cat.Current().Len())

	require.NoError(t, cat.Load(ctx))
	first := cat.Current()
	require.Equal(t, 2, first.Len())
	require.Equal(t, uint64(1), first.Generation)

	require.NoError(t, cat.Load(ctx))
	require.Equal(t, uint64(2), cat.Current().Generation)

	// a broken file keeps the previous snapshot serving
	require.NoError(t, os.WriteFile(path, []byte("datasets: [{id: d}]"), 0o600))
	require.Error(t, cat.Load(ctx))
	require.Equal(t, uint64(2), cat.Current().Generation)
}

func TestReplace(t *testing.T) {
	cat := catalog.New(zaptest.NewLogger(t), catalog.Config{})

	require.NoError(t, cat.Replace([]catalog.Dataset{{
		ID:      "plain",
		Source:  "warehouse",
		Table:   "t",
		Metrics: []catalog.Metric{{Name: "m", Expr: "COUNT(*)"}},
	}}))
	require.Equal(t, 1, cat.Current().Len())

	require.Error(t, cat.Replace([]catalog.Dataset{{ID: "broken"}}))
	require.Equal(t, 1, cat.Current().Len())
}
