// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"setupranali.io/setupranali/private/sync2"
	"setupranali.io/setupranali/private/testcontext"
)

func TestCycleRunsImmediately(t *testing.T) {
	ctx := testcontext.New(t)

	cycle := sync2.NewCycle(time.Hour)
	defer cycle.Close()

	var runs int64
	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		err := cycle.Run(runCtx, func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// the first execution happens before any tick
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) == 1
	}, time.Second, time.Millisecond)

	cycle.TriggerWait()
	require.Equal(t, int64(2), atomic.LoadInt64(&runs))

	cancel()
}

func TestCycleStopsOnError(t *testing.T) {
	ctx := testcontext.New(t)

	cycle := sync2.NewCycle(time.Millisecond)
	defer cycle.Close()

	boom := errors.New("boom")
	err := cycle.Run(ctx, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestCycleStop(t *testing.T) {
	ctx := testcontext.New(t)

	cycle := sync2.NewCycle(time.Hour)

	done := make(chan error, 1)
	ctx.Go(func() error {
		done <- cycle.Run(ctx, func(ctx context.Context) error { return nil })
		return nil
	})

	cycle.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cycle did not stop")
	}
	cycle.Close()
}
