// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package engine_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/dialect"
	"setupranali.io/setupranali/gateway/engine"
	"setupranali.io/setupranali/gateway/guard"
	"setupranali.io/setupranali/gateway/nlq"
	"setupranali.io/setupranali/gateway/resultcache"
	"setupranali.io/setupranali/gateway/source"
	"setupranali.io/setupranali/private/memory"
	"setupranali.io/setupranali/private/testcontext"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

var (
	viewer = auth.Identity{Tenant: "acme", Role: auth.RoleViewer, KeyHash: "viewerhash"}
	admin  = auth.Identity{Tenant: auth.AdminTenant, Role: auth.RoleAdmin, KeyHash: "adminhash"}
)

// memSources is an in-memory source.DB for tests.
type memSources struct {
	mu      sync.Mutex
	sources map[string]*source.Source
}

func newMemSources() *memSources { return &memSources{sources: make(map[string]*source.Source)} }

func (db *memSources) Put(ctx context.Context, src *source.Source) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.sources[src.ID] = src
	return nil
}

func (db *memSources) Get(ctx context.Context, id string) (*source.Source, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sources[id], nil
}

func (db *memSources) Delete(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.sources, id)
	return nil
}

func (db *memSources) List(ctx context.Context) ([]*source.Source, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sources := make([]*source.Source, 0, len(db.sources))
	for _, src := range db.sources {
		sources = append(sources, src)
	}
	return sources, nil
}

// memAnalytics swallows records; the engine tests assert the pipeline, the
// recorder has its own tests.
type memAnalytics struct{}

func (memAnalytics) Append(ctx context.Context, records []*analytics.Record) error { return nil }
func (memAnalytics) Stats(ctx context.Context, tenant string, since time.Time) (analytics.Stats, error) {
	return analytics.Stats{}, nil
}
func (memAnalytics) Recent(ctx context.Context, tenant string, limit int) ([]*analytics.Record, error) {
	return nil, nil
}
func (memAnalytics) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func newEngine(t *testing.T, ctx *testcontext.Context) (*engine.Service, *nlq.Registry) {
	log := zaptest.NewLogger(t)

	cat := catalog.New(log, catalog.Config{})
	require.NoError(t, cat.Replace([]catalog.Dataset{
		{
			ID:     "orders",
			Source: "local",
			Table:  "orders",
			Dimensions: []catalog.Dimension{
				{Name: "region", Expr: "region", Type: catalog.TypeString},
			},
			Metrics: []catalog.Metric{
				{Name: "revenue", Expr: "SUM(amount)", Type: catalog.TypeNumber},
			},
			RLS: &catalog.RLSPolicy{Mode: catalog.RLSTenantColumn, Field: "tenant_id"},
		},
	}))

	vault, err := source.NewVault(testKey)
	require.NoError(t, err)
	registry := source.NewRegistry(log, newMemSources(), vault, source.PoolConfig{
		Size:        4,
		SmallSize:   2,
		MaxWait:     time.Second,
		IdleTimeout: time.Minute,
		HealthAfter: time.Minute,
	})
	ctx.OnCleanup(func() { _ = registry.Close() })

	dsn := filepath.Join(ctx.Dir(), "local.db")
	_, err = registry.Add(ctx, "local", dialect.DuckDB, dsn, nil)
	require.NoError(t, err)

	handle, err := registry.Acquire(ctx, "local")
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE orders (region TEXT, amount REAL, tenant_id TEXT)`,
		`INSERT INTO orders VALUES ('emea', 10, 'acme')`,
		`INSERT INTO orders VALUES ('emea', 5, 'acme')`,
		`INSERT INTO orders VALUES ('apac', 7, 'acme')`,
		`INSERT INTO orders VALUES ('emea', 100, 'globex')`,
	} {
		_, err = handle.Conn.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	handle.Release()

	cache := resultcache.New(log, resultcache.Config{
		Enabled:       true,
		TTL:           time.Minute,
		MaxBytes:      16 * memory.MiB,
		MaxEntryBytes: 1 * memory.MiB,
		MaxRetries:    2,
	})
	ctx.OnCleanup(func() { _ = cache.Close() })

	recorder := analytics.NewService(log, memAnalytics{}, analytics.Config{
		Enabled:       true,
		Buffer:        128,
		FlushInterval: time.Hour,
		Retention:     time.Hour,
	})
	ctx.OnCleanup(func() { _ = recorder.Close() })

	translators := nlq.NewRegistry()

	return engine.New(log, cat, registry, cache, recorder, translators, guard.Config{
		MaxRows:       1000,
		DefaultLimit:  100,
		MaxDimensions: 16,
		MaxMetrics:    16,
		MaxFilters:    32,
		QueryTimeout:  time.Minute,
	}), translators
}

func revenueByRegion() *compiler.QueryRequest {
	return &compiler.QueryRequest{
		Dataset:    "orders",
		Dimensions: []string{"region"},
		Metrics:    []string{"revenue"},
		OrderBy:    []compiler.OrderBy{{Field: "region", Direction: "asc"}},
	}
}

func TestQueryAppliesRLS(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	result, err := service.Query(ctx, viewer, revenueByRegion(), engine.Options{})
	require.NoError(t, err)
	require.Equal(t, [][]interface{}{
		{"apac", 7.0},
		{"emea", 15.0},
	}, result.Rows)
	require.False(t, result.Stats.Cached)
}

func TestQueryAdminSeesAllTenants(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	result, err := service.Query(ctx, admin, revenueByRegion(), engine.Options{})
	require.NoError(t, err)
	require.Equal(t, [][]interface{}{
		{"apac", 7.0},
		{"emea", 115.0},
	}, result.Rows)
}

func TestQueryCacheHit(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	first, err := service.Query(ctx, viewer, revenueByRegion(), engine.Options{})
	require.NoError(t, err)
	require.False(t, first.Stats.Cached)

	second, err := service.Query(ctx, viewer, revenueByRegion(), engine.Options{})
	require.NoError(t, err)
	require.True(t, second.Stats.Cached)
	require.NotNil(t, second.Stats.CachedAt)
	require.Equal(t, first.Rows, second.Rows)

	// another tenant never shares the cached rows
	other := auth.Identity{Tenant: "globex", Role: auth.RoleViewer}
	third, err := service.Query(ctx, other, revenueByRegion(), engine.Options{})
	require.NoError(t, err)
	require.False(t, third.Stats.Cached)
	require.Equal(t, [][]interface{}{{"emea", 100.0}}, third.Rows)
}

func TestQueryNoCache(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	_, err := service.Query(ctx, viewer, revenueByRegion(), engine.Options{})
	require.NoError(t, err)

	refreshed, err := service.Query(ctx, viewer, revenueByRegion(), engine.Options{NoCache: true})
	require.NoError(t, err)
	require.False(t, refreshed.Stats.Cached)
}

func TestQueryUnknownDataset(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	req := revenueByRegion()
	req.Dataset = "missing"
	_, err := service.Query(ctx, viewer, req, engine.Options{})
	require.Equal(t, "ERR_2001", apierr.Wrap(err).Code)
}

func TestInvalidateDataset(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	_, err := service.Query(ctx, viewer, revenueByRegion(), engine.Options{})
	require.NoError(t, err)

	dropped, err := service.InvalidateDataset(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	result, err := service.Query(ctx, viewer, revenueByRegion(), engine.Options{})
	require.NoError(t, err)
	require.False(t, result.Stats.Cached)
}

func TestRawSQLWrapsRLS(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	result, err := service.RawSQL(ctx, viewer,
		`SELECT region, amount FROM orders WHERE amount > ? ORDER BY amount`,
		"orders", []interface{}{6.0})
	require.NoError(t, err)
	// the globex row above the threshold stays invisible
	require.Equal(t, [][]interface{}{
		{"apac", 7.0},
		{"emea", 10.0},
	}, result.Rows)
}

func TestRawSQLAdminUnwrapped(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	result, err := service.RawSQL(ctx, admin,
		`SELECT COUNT(*) AS total FROM orders`, "orders", nil)
	require.NoError(t, err)
	require.Equal(t, [][]interface{}{{int64(4)}}, result.Rows)
}

func TestRawSQLGate(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	_, err := service.RawSQL(ctx, viewer, `DELETE FROM orders`, "orders", nil)
	require.Equal(t, "ERR_3001", apierr.Wrap(err).Code)

	_, err = service.RawSQL(ctx, viewer, `SELECT 1; SELECT 2`, "orders", nil)
	require.Equal(t, "ERR_3001", apierr.Wrap(err).Code)
}

func TestStreamPlan(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	columns, src, err := service.StreamPlan(ctx, viewer, revenueByRegion(), 100000)
	require.NoError(t, err)
	require.Equal(t, "region", columns[0].Name)
	require.Equal(t, "revenue", columns[1].Name)

	var rows [][]interface{}
	total, truncated, err := src(ctx, 10, func(chunk [][]interface{}) error {
		rows = append(rows, chunk...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.False(t, truncated)
	require.Equal(t, [][]interface{}{
		{"apac", 7.0},
		{"emea", 15.0},
	}, rows)
}

func TestTranslate(t *testing.T) {
	ctx := testcontext.New(t)
	service, translators := newEngine(t, ctx)

	translators.Register("canned", translatorFunc(func(ctx context.Context, question nlq.Question) (nlq.Result, error) {
		return nlq.Result{
			Request:     revenueByRegion(),
			Explanation: "revenue grouped by region",
		}, nil
	}))

	result, queryResult, err := service.Translate(ctx, viewer,
		nlq.Question{Text: "revenue by region", Dataset: "orders"}, true)
	require.NoError(t, err)
	require.Equal(t, "revenue grouped by region", result.Explanation)
	require.Len(t, queryResult.Rows, 2)
}

func TestSessionPinsConnection(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	session, err := service.AcquireSession(ctx, "local")
	require.NoError(t, err)
	defer session.Release()

	result, err := session.RunQuery(ctx, viewer, revenueByRegion())
	require.NoError(t, err)
	require.Equal(t, [][]interface{}{
		{"apac", 7.0},
		{"emea", 15.0},
	}, result.Rows)

	// pinned queries never answer from the cache
	again, err := session.RunQuery(ctx, viewer, revenueByRegion())
	require.NoError(t, err)
	require.False(t, again.Stats.Cached)

	_, err = session.RunQuery(ctx, viewer, &compiler.QueryRequest{
		Dataset: "missing", Metrics: []string{"revenue"},
	})
	require.Equal(t, "ERR_2001", apierr.Wrap(err).Code)

	_, err = service.AcquireSession(ctx, "missing")
	require.Equal(t, "ERR_2001", apierr.Wrap(err).Code)
}

func TestDatasetSource(t *testing.T) {
	ctx := testcontext.New(t)
	service, _ := newEngine(t, ctx)

	sourceID, sessions, err := service.DatasetSource(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, "local", sourceID)
	require.False(t, sessions)

	_, _, err = service.DatasetSource(ctx, "missing")
	require.Equal(t, "ERR_2001", apierr.Wrap(err).Code)
}

// translatorFunc adapts a function to nlq.Translator.
type translatorFunc func(ctx context.Context, question nlq.Question) (nlq.Result, error)

func (fn translatorFunc) Translate(ctx context.Context, question nlq.Question) (nlq.Result, error) {
	return fn(ctx, question)
}
