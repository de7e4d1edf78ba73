// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package analytics_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/private/testcontext"
)

// memStore is an in-memory analytics.DB for tests.
type memStore struct {
	mu      sync.Mutex
	records []*analytics.Record
}

func (db *memStore) Append(ctx context.Context, records []*analytics.Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.records = append(db.records, records...)
	return nil
}

func (db *memStore) Stats(ctx context.Context, tenant string, since time.Time) (analytics.Stats, error) {
	return analytics.Stats{}, nil
}

func (db *memStore) Recent(ctx context.Context, tenant string, limit int) ([]*analytics.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if limit > len(db.records) {
		limit = len(db.records)
	}
	return db.records[:limit], nil
}

func (db *memStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (db *memStore) stored() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.records)
}

func config() analytics.Config {
	return analytics.Config{
		Enabled:       true,
		Buffer:        64,
		FlushInterval: time.Hour, // flushes are triggered explicitly
		Retention:     720 * time.Hour,
	}
}

// start runs the recorder in the background, tolerating the cancellation
// that ends it.
func start(ctx *testcontext.Context, service *analytics.Service) context.CancelFunc {
	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		err := service.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return cancel
}

func TestRecordAndFlush(t *testing.T) {
	ctx := testcontext.New(t)

	store := &memStore{}
	service := analytics.NewService(zaptest.NewLogger(t), store, config())

	cancel := start(ctx, service)
	defer ctx.Check(service.Close)
	defer cancel()

	for i := 0; i < 5; i++ {
		service.Record(&analytics.Record{Dataset: "orders", Tenant: "acme", Success: true})
	}
	service.TriggerFlush()

	require.Equal(t, 5, store.stored())

	// ids and timestamps fill in on enqueue
	recent, err := store.Recent(ctx, "acme", 1)
	require.NoError(t, err)
	require.NotEmpty(t, recent[0].ID)
	require.False(t, recent[0].StartedAt.IsZero())
}

func TestFullBufferDrops(t *testing.T) {
	ctx := testcontext.New(t)

	store := &memStore{}
	cfg := config()
	cfg.Buffer = 2
	service := analytics.NewService(zaptest.NewLogger(t), store, cfg)

	// overflow past the buffer before the recorder drains anything
	for i := 0; i < 10; i++ {
		service.Record(&analytics.Record{Dataset: "orders", Tenant: "acme"})
	}

	cancel := start(ctx, service)
	defer ctx.Check(service.Close)
	defer cancel()

	service.TriggerFlush()
	require.Equal(t, 2, store.stored())
}

func TestDisabled(t *testing.T) {
	store := &memStore{}
	cfg := config()
	cfg.Enabled = false
	service := analytics.NewService(zaptest.NewLogger(t), store, cfg)
	defer func() { _ = service.Close() }()

	service.Record(&analytics.Record{Dataset: "orders"})
	require.Equal(t, 0, store.stored())
}

func TestDrainOnShutdown(t *testing.T) {
	ctx := testcontext.New(t)

	store := &memStore{}
	service := analytics.NewService(zaptest.NewLogger(t), store, config())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ctx.Go(func() error {
		defer close(done)
		err := service.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	service.Record(&analytics.Record{Dataset: "orders", Tenant: "acme"})
	cancel()
	<-done

	require.Equal(t, 1, store.stored())
	require.NoError(t, service.Close())
}
