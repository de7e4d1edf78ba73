// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package compiler_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/dialect"
	"setupranali.io/setupranali/private/testcontext"
)

const testCatalog = `
datasets:
  - id: orders
    source: warehouse
    table: public.orders
    dimensions:
      - name: region
        expr: region
        type: string
      - name: order_date
        expr: created_at
        type: date
      - name: priority
        expr: priority
        type: number
    metrics:
      - name: revenue
        expr: SUM(amount)
        type: number
      - name: orders
        expr: COUNT(*)
        type: number
    rls:
      mode: tenant_column
      field: tenant_id
  - id: events
    source: warehouse
    sql: SELECT * FROM raw_events WHERE deleted = false
    dimensions:
      - name: kind
        expr: kind
        type: string
    metrics:
      - name: events
        expr: COUNT(*)
        type: number
`

func testDataset(t *testing.T, id string) *catalog.Dataset {
	snap, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	ds := snap.Dataset(id)
	require.NotNil(t, ds)
	return ds
}

var (
	tenant = compiler.Principal{Tenant: "acme"}
	admin  = compiler.Principal{Tenant: "*", BypassRLS: true}
	caps   = compiler.Caps{MaxRows: 50000, DefaultLimit: 1000}
)

func pgDesc(t *testing.T) dialect.Descriptor {
	desc, err := dialect.ForKind(dialect.Postgres)
	require.NoError(t, err)
	return desc
}

func TestCompileGrouped(t *testing.T) {
	ctx := testcontext.New(t)
	ds := testDataset(t, "orders")

	plan, err := compiler.Compile(ctx, ds, &compiler.QueryRequest{
		Dataset:    "orders",
		Dimensions: []string{"region"},
		Metrics:    []string{"revenue"},
		Filters: []compiler.Filter{
			{Field: "region", Op: "in", Value: []interface{}{"emea", "apac"}},
		},
		OrderBy: []compiler.OrderBy{{Field: "revenue", Direction: "desc"}},
	}, tenant, pgDesc(t), caps)
	require.NoError(t, err)

	require.Equal(t,
		`SELECT "region" AS "region", SUM(amount) AS "revenue" FROM "public"."orders"`+
			` WHERE "region" IN ($1, $2) AND "tenant_id" = $3`+
			` GROUP BY "region" ORDER BY "revenue" DESC LIMIT 1000`,
		plan.SQL)
	require.Equal(t, []interface{}{"emea", "apac", "acme"}, plan.Params)
	require.Len(t, plan.Columns, 2)
	require.Equal(t, "region", plan.Columns[0].Name)
	require.Equal(t, "revenue", plan.Columns[1].Name)
	require.Equal(t, 1000, plan.Limit)
}

func TestCompileAdminBypassesRLS(t *testing.T) {
	ctx := testcontext.New(t)
	ds := testDataset(t, "orders")

	plan, err := compiler.Compile(ctx, ds, &compiler.QueryRequest{
		Dataset: "orders",
		Metrics: []string{"orders"},
	}, admin, pgDesc(t), caps)
	require.NoError(t, err)
	require.NotContains(t, plan.SQL, "tenant_id")
	require.Empty(t, plan.Params)
}

func TestCompileSQLBackedDataset(t *testing.T) {
	ctx := testcontext.New(t)
	ds := testDataset(t, "events")

	plan, err := compiler.Compile(ctx, ds, &compiler.QueryRequest{
		Dataset:    "events",
		Dimensions: []string{"kind"},
		Metrics:    []string{"events"},
	}, admin, pgDesc(t), caps)
	require.NoError(t, err)
	require.Contains(t, plan.SQL, `FROM (SELECT * FROM raw_events WHERE deleted = false) AS "base"`)
}

func TestCompileEmptyInMatchesNothing(t *testing.T) {
	ctx := testcontext.New(t)
	ds := testDataset(t, "orders")

	plan, err := compiler.Compile(ctx, ds, &compiler.QueryRequest{
		Dataset: "orders",
		Metrics: []string{"orders"},
		Filters: []compiler.Filter{
			{Field: "region", Op: "in", Value: []interface{}{}},
		},
	}, tenant, pgDesc(t), caps)
	require.NoError(t, err)
	require.Contains(t, plan.SQL, "WHERE 1 = 0 AND")
	require.Equal(t, []interface{}{"acme"}, plan.Params)
}

func TestCompileDateBinding(t *testing.T) {
	ctx := testcontext.New(t)
	ds := testDataset(t, "orders")

	plan, err := compiler.Compile(ctx, ds, &compiler.QueryRequest{
		Dataset: "orders",
		Metrics: []string{"orders"},
		Filters: []compiler.Filter{
			{Field: "order_date", Op: "between", Value: []interface{}{"2026-01-01", "2026-01-31"}},
		},
	}, admin, pgDesc(t), caps)
	require.NoError(t, err)
	require.Contains(t, plan.SQL, `"created_at" BETWEEN $1 AND $2`)
	require.Equal(t, []interface{}{"2026-01-01", "2026-01-31"}, plan.Params)
}

func TestCompileLimitClamp(t *testing.T) {
	ctx := testcontext.New(t)
	ds := testDataset(t, "orders")

	plan, err := compiler.Compile(ctx, ds, &compiler.QueryRequest{
		Dataset: "orders",
		Metrics: []string{"orders"},
		Limit:   999999,
	}, admin, pgDesc(t), caps)
	require.NoError(t, err)
	require.Equal(t, caps.MaxRows, plan.Limit)
	require.Contains(t, plan.SQL, "LIMIT 50000")
}

func TestCompileRejections(t *testing.T) {
	ctx := testcontext.New(t)
	ds := testDataset(t, "orders")
	desc := pgDesc(t)

	for _, tt := range []struct {
		name string
		req  compiler.QueryRequest
	}{
		{"empty select", compiler.QueryRequest{Dataset: "orders"}},
		{"grouped without metric", compiler.QueryRequest{
			Dataset: "orders", Dimensions: []string{"region"},
		}},
		{"unknown dimension", compiler.QueryRequest{
			Dataset: "orders", Dimensions: []string{"flavor"}, Metrics: []string{"orders"},
		}},
		{"metric filter", compiler.QueryRequest{
			Dataset: "orders", Metrics: []string{"orders"},
			Filters: []compiler.Filter{{Field: "revenue", Op: "gt", Value: float64(10)}},
		}},
		{"between arity", compiler.QueryRequest{
			Dataset: "orders", Metrics: []string{"orders"},
			Filters: []compiler.Filter{{Field: "order_date", Op: "between", Value: []interface{}{"2026-01-01"}}},
		}},
		{"like on number", compiler.QueryRequest{
			Dataset: "orders", Metrics: []string{"orders"},
			Filters: []compiler.Filter{{Field: "priority", Op: "like", Value: "1%"}},
		}},
		{"order by unselected", compiler.QueryRequest{
			Dataset: "orders", Metrics: []string{"orders"},
			OrderBy: []compiler.OrderBy{{Field: "region"}},
		}},
		{"negative offset", compiler.QueryRequest{
			Dataset: "orders", Metrics: []string{"orders"}, Offset: -1,
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compiler.Compile(ctx, ds, &tt.req, tenant, desc, caps)
			require.Error(t, err)
		})
	}
}

func TestCompileGroupedWithoutMetricIsBadRequest(t *testing.T) {
	ctx := testcontext.New(t)
	ds := testDataset(t, "orders")
	desc := pgDesc(t)

	_, err := compiler.Compile(ctx, ds, &compiler.QueryRequest{
		Dataset: "orders", Dimensions: []string{"region"},
	}, tenant, desc, caps)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "ERR_2000", apiErr.Code)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestParseOpAliases(t *testing.T) {
	for raw, want := range map[string]compiler.Op{
		"=":      compiler.OpEq,
		"eq":     compiler.OpEq,
		"!=":     compiler.OpNe,
		"<>":     compiler.OpNe,
		">":      compiler.OpGt,
		"gte":    compiler.OpGe,
		"in":     compiler.OpIn,
		"not_in": compiler.OpNotIn,
	} {
		op, err := compiler.ParseOp(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, op, raw)
	}

	_, err := compiler.ParseOp("matches")
	require.Error(t, err)
}

func TestOrderByForms(t *testing.T) {
	var req compiler.QueryRequest
	err := json.Unmarshal([]byte(`{
		"order_by": ["-revenue", "region", {"field": "order_date", "direction": "DESC"}]
	}`), &req)
	require.NoError(t, err)
	require.Equal(t, []compiler.OrderBy{
		{Field: "revenue", Direction: "desc"},
		{Field: "region", Direction: "asc"},
		{Field: "order_date", Direction: "desc"},
	}, req.OrderBy)
}

func TestEncodeValueOrderInsensitive(t *testing.T) {
	a := compiler.EncodeValue([]interface{}{"x", "y", int64(3)})
	b := compiler.EncodeValue([]interface{}{int64(3), "y", "x", "y"})
	require.Equal(t, a, b)
}
