// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package executor_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/dialect"
	"setupranali.io/setupranali/gateway/executor"
	"setupranali.io/setupranali/gateway/source"
	"setupranali.io/setupranali/private/testcontext"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

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

// openLocal registers a sqlite-backed source seeded with the given
// statements and returns a checked-out handle.
func openLocal(t *testing.T, ctx *testcontext.Context, seed ...string) (*source.Registry, *source.Handle) {
	vault, err := source.NewVault(testKey)
	require.NoError(t, err)

	registry := source.NewRegistry(zaptest.NewLogger(t), newMemSources(), vault, source.PoolConfig{
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
	for _, stmt := range seed {
		_, err = handle.Conn.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return registry, handle
}

func TestRun(t *testing.T) {
	ctx := testcontext.New(t)

	_, handle := openLocal(t, ctx,
		`CREATE TABLE orders (region TEXT, amount REAL, qty INTEGER, note TEXT)`,
		`INSERT INTO orders VALUES ('emea', 10.5, 3, NULL)`,
		`INSERT INTO orders VALUES ('apac', 4.0, 1, 'rush')`,
	)
	defer handle.Release()

	expected := []executor.Column{
		{Name: "region", Type: "string"},
		{Name: "amount", Type: "number"},
		{Name: "qty", Type: "number"},
		{Name: "note", Type: "string"},
	}

	result, err := executor.Run(ctx, handle,
		`SELECT region, amount, qty, note FROM orders ORDER BY region`,
		nil, expected, executor.Caps{MaxRows: 100})
	require.NoError(t, err)

	require.Equal(t, expected, result.Columns)
	require.Equal(t, 2, result.Stats.Rows)
	require.False(t, result.Stats.Cached)
	require.Equal(t, [][]interface{}{
		{"apac", 4.0, int64(1), "rush"},
		{"emea", 10.5, int64(3), nil},
	}, result.Rows)
}

func TestRunWithParams(t *testing.T) {
	ctx := testcontext.New(t)

	_, handle := openLocal(t, ctx,
		`CREATE TABLE orders (region TEXT, amount REAL)`,
		`INSERT INTO orders VALUES ('emea', 10), ('apac', 4), ('amer', 7)`,
	)
	defer handle.Release()

	result, err := executor.Run(ctx, handle,
		`SELECT region FROM orders WHERE amount > ? ORDER BY region`,
		[]interface{}{5.0}, nil, executor.Caps{MaxRows: 100})
	require.NoError(t, err)
	require.Equal(t, [][]interface{}{{"amer"}, {"emea"}}, result.Rows)
	// column metadata comes from the driver when the compiler supplies none
	require.Equal(t, "region", result.Columns[0].Name)
}

func TestRunRowCap(t *testing.T) {
	ctx := testcontext.New(t)

	_, handle := openLocal(t, ctx, `CREATE TABLE nums (n INTEGER)`,
		`INSERT INTO nums VALUES (1), (2), (3), (4), (5)`)
	defer handle.Release()

	_, err := executor.Run(ctx, handle, `SELECT n FROM nums`, nil, nil,
		executor.Caps{MaxRows: 3})
	require.Equal(t, "ERR_2003", apierr.Wrap(err).Code)
}

func TestRunUpstreamError(t *testing.T) {
	ctx := testcontext.New(t)

	_, handle := openLocal(t, ctx)
	defer handle.Release()

	_, err := executor.Run(ctx, handle, `SELECT broken FROM nowhere`, nil, nil,
		executor.Caps{MaxRows: 100})
	require.Equal(t, "ERR_4003", apierr.Wrap(err).Code)
}

func TestStream(t *testing.T) {
	ctx := testcontext.New(t)

	var seed []string
	seed = append(seed, `CREATE TABLE nums (n INTEGER)`)
	for i := 0; i < 10; i++ {
		seed = append(seed, fmt.Sprintf(`INSERT INTO nums VALUES (%d)`, i))
	}
	_, handle := openLocal(t, ctx, seed...)
	defer handle.Release()

	var chunks []int
	total, truncated, err := executor.Stream(ctx, handle,
		`SELECT n FROM nums ORDER BY n`, nil,
		[]executor.Column{{Name: "n", Type: "number"}},
		3, 0, func(chunk [][]interface{}) error {
			chunks = append(chunks, len(chunk))
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 10, total)
	require.False(t, truncated)
	require.Equal(t, []int{3, 3, 3, 1}, chunks)
}

func TestStreamTruncation(t *testing.T) {
	ctx := testcontext.New(t)

	var seed []string
	seed = append(seed, `CREATE TABLE nums (n INTEGER)`)
	for i := 0; i < 10; i++ {
		seed = append(seed, fmt.Sprintf(`INSERT INTO nums VALUES (%d)`, i))
	}
	_, handle := openLocal(t, ctx, seed...)
	defer handle.Release()

	var rows int
	total, truncated, err := executor.Stream(ctx, handle,
		`SELECT n FROM nums ORDER BY n`, nil, nil,
		3, 7, func(chunk [][]interface{}) error {
			rows += len(chunk)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.True(t, truncated)
	require.Equal(t, 7, rows)
}
