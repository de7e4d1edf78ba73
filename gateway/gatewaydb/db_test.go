// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package gatewaydb_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/dialect"
	"setupranali.io/setupranali/gateway/gatewaydb"
	"setupranali.io/setupranali/gateway/source"
	"setupranali.io/setupranali/private/testcontext"
)

func openDB(t *testing.T, ctx *testcontext.Context) *gatewaydb.DB {
	db, err := gatewaydb.Open(zaptest.NewLogger(t), gatewaydb.Config{Dir: ctx.Dir("state")})
	require.NoError(t, err)
	ctx.OnCleanup(func() { _ = db.Close() })
	require.NoError(t, db.MigrateToLatest(ctx))
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	ctx := testcontext.New(t)
	db := openDB(t, ctx)
	require.NoError(t, db.Ping(ctx))

	// migrating twice is a no-op
	require.NoError(t, db.MigrateToLatest(ctx))
}

func TestAPIKeys(t *testing.T) {
	ctx := testcontext.New(t)
	db := openDB(t, ctx)
	keys := db.APIKeys()

	key := &auth.Key{
		Hash:      auth.HashKey("sp_test"),
		Tenant:    "acme",
		Role:      auth.RoleAnalyst,
		RateClass: "premium",
		Name:      "dashboards",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, keys.Put(ctx, key))

	got, err := keys.Get(ctx, key.Hash)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(key, got))

	missing, err := keys.Get(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	all, err := keys.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, keys.Delete(ctx, key.Hash))
	got, err = keys.Get(ctx, key.Hash)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSources(t *testing.T) {
	ctx := testcontext.New(t)
	db := openDB(t, ctx)
	sources := db.Sources()

	src := &source.Source{
		ID:           "warehouse",
		Kind:         dialect.Postgres,
		EncryptedDSN: []byte{1, 2, 3},
		Metadata:     map[string]string{"team": "data"},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, sources.Put(ctx, src))

	got, err := sources.Get(ctx, "warehouse")
	require.NoError(t, err)
	require.Equal(t, src.Kind, got.Kind)
	require.Equal(t, src.EncryptedDSN, got.EncryptedDSN)
	require.Equal(t, src.Metadata, got.Metadata)

	all, err := sources.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, sources.Delete(ctx, "warehouse"))
	got, err = sources.Get(ctx, "warehouse")
	require.NoError(t, err)
	require.Nil(t, got)
}

func record(tenant, dataset string, success, hit bool, started time.Time) *analytics.Record {
	rec := &analytics.Record{
		Dataset:    dataset,
		Tenant:     tenant,
		Dimensions: []string{"region"},
		Metrics:    []string{"revenue"},
		DurationMS: 40,
		Rows:       10,
		CacheHit:   hit,
		Success:    success,
		StartedAt:  started,
	}
	rec.ID = tenant + "-" + dataset + "-" + started.Format(time.RFC3339Nano)
	if !success {
		rec.ErrorCode = "ERR_4003"
	}
	return rec
}

func TestAnalytics(t *testing.T) {
	ctx := testcontext.New(t)
	db := openDB(t, ctx)
	store := db.Analytics()

	now := time.Now().UTC()
	require.NoError(t, store.Append(ctx, []*analytics.Record{
		record("acme", "orders", true, false, now.Add(-3*time.Minute)),
		record("acme", "orders", true, true, now.Add(-2*time.Minute)),
		record("acme", "events", false, false, now.Add(-time.Minute)),
		record("globex", "orders", true, false, now.Add(-time.Minute)),
	}))

	stats, err := store.Stats(ctx, "acme", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalQueries)
	require.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.001)
	require.InDelta(t, 1.0/3.0, stats.CacheHitRate, 0.001)
	require.Equal(t, "orders", stats.TopDatasets[0].Dataset)
	require.Equal(t, int64(2), stats.TopDatasets[0].Queries)

	// the wildcard tenant sees everything
	stats, err = store.Stats(ctx, auth.AdminTenant, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(4), stats.TotalQueries)

	// the window bounds the aggregate
	stats, err = store.Stats(ctx, "acme", now.Add(-90*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalQueries)

	recent, err := store.Recent(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "events", recent[0].Dataset)
	require.Equal(t, "ERR_4003", recent[0].ErrorCode)
	require.Equal(t, []string{"region"}, recent[0].Dimensions)

	recent, err = store.Recent(ctx, "globex", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestAnalyticsDeleteBefore(t *testing.T) {
	ctx := testcontext.New(t)
	db := openDB(t, ctx)
	store := db.Analytics()

	now := time.Now().UTC()
	require.NoError(t, store.Append(ctx, []*analytics.Record{
		record("acme", "orders", true, false, now.Add(-48*time.Hour)),
		record("acme", "orders", true, false, now.Add(-36*time.Hour)),
		record("acme", "orders", true, false, now),
	}))

	deleted, err := store.DeleteBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	stats, err := store.Stats(ctx, auth.AdminTenant, now.Add(-72*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalQueries)
}
