// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"setupranali.io/setupranali/gateway/ratelimit"
	"setupranali.io/setupranali/private/testcontext"
	"setupranali.io/setupranali/private/testredis"
)

func config() ratelimit.Config {
	return ratelimit.Config{
		Enabled:       true,
		Window:        time.Minute,
		Query:         3,
		Sources:       1,
		Admin:         30,
		Catalog:       120,
		OData:         50,
		SweepInterval: 5 * time.Minute,
	}
}

func TestLocalExhaustion(t *testing.T) {
	ctx := testcontext.New(t)

	limiter := ratelimit.New(zaptest.NewLogger(t), config())
	defer ctx.Check(limiter.Close)

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
		require.NoError(t, err)
		require.True(t, decision.Allowed, "request %d", i)
		require.Equal(t, 3, decision.Limit)
	}

	decision, err := limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 0, decision.Remaining)
	require.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestLocalRemainingDecrements(t *testing.T) {
	ctx := testcontext.New(t)

	limiter := ratelimit.New(zaptest.NewLogger(t), config())
	defer ctx.Check(limiter.Close)

	decision, err := limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.Equal(t, 2, decision.Remaining)

	decision, err = limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.Equal(t, 1, decision.Remaining)
}

func TestLocalClassesIndependent(t *testing.T) {
	ctx := testcontext.New(t)

	limiter := ratelimit.New(zaptest.NewLogger(t), config())
	defer ctx.Check(limiter.Close)

	decision, err := limiter.Allow(ctx, "keyhash", ratelimit.ClassSources)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "keyhash", ratelimit.ClassSources)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// the query budget is untouched
	decision, err = limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	// and so is another key's sources budget
	decision, err = limiter.Allow(ctx, "otherkey", ratelimit.ClassSources)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestDisabled(t *testing.T) {
	ctx := testcontext.New(t)

	cfg := config()
	cfg.Enabled = false
	limiter := ratelimit.New(zaptest.NewLogger(t), cfg)
	defer ctx.Check(limiter.Close)

	for i := 0; i < 10; i++ {
		decision, err := limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
}

func TestSharedWindow(t *testing.T) {
	ctx := testcontext.New(t)

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	cfg := config()
	cfg.RedisURL = server.URL()
	cfg.Query = 2

	limiter := ratelimit.New(zaptest.NewLogger(t), cfg)
	defer ctx.Check(limiter.Close)

	decision, err := limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, 1, decision.Remaining)

	// a second limiter over the same store shares the window
	other := ratelimit.New(zaptest.NewLogger(t), cfg)
	defer ctx.Check(other.Close)

	decision, err = other.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, 0, decision.Remaining)

	decision, err = limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Greater(t, decision.RetryAfter, time.Duration(0))
	require.False(t, decision.ResetAt.IsZero())

	// the window key carries a TTL, so an expired window opens a fresh budget
	server.FastForward(cfg.Window)
	decision, err = limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestSharedFailsOpen(t *testing.T) {
	ctx := testcontext.New(t)

	server, err := testredis.Start(ctx)
	require.NoError(t, err)

	cfg := config()
	cfg.RedisURL = server.URL()

	limiter := ratelimit.New(zaptest.NewLogger(t), cfg)
	defer ctx.Check(limiter.Close)

	decision, err := limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	// with the store down every request is admitted
	require.NoError(t, server.Close())
	for i := 0; i < 10; i++ {
		decision, err = limiter.Allow(ctx, "keyhash", ratelimit.ClassQuery)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
}
