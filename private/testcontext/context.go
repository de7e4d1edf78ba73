// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package testcontext implements convenience context for testing.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context is a context that tracks related goroutines and temporary
// directories for a test.
type Context struct {
	context.Context

	timedctx context.Context
	cancel   context.CancelFunc

	group *errgroup.Group
	test  testing.TB

	once      sync.Once
	directory string

	mu      sync.Mutex
	cleanup []func()
}

// New creates a new test context with default timeout.
func New(test testing.TB) *Context {
	return NewWithTimeout(test, defaultTimeout)
}

// NewWithTimeout creates a new test context with a given timeout.
func NewWithTimeout(test testing.TB, timeout time.Duration) *Context {
	timedctx, cancel := context.WithTimeout(context.Background(), timeout)
	group, errctx := errgroup.WithContext(timedctx)

	ctx := &Context{
		Context:  errctx,
		timedctx: timedctx,
		cancel:   cancel,
		group:    group,
		test:     test,
	}
	test.Cleanup(ctx.Cleanup)

	return ctx
}

// Go runs fn in a tracked goroutine; a returned error fails the test.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check runs the function and checks that it does not error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a directory path inside the test's temp directory,
// creating it when necessary.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()
	ctx.once.Do(func() {
		ctx.directory = ctx.test.TempDir()
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0744); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside the test's temp directory.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()
	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one path component")
	}

	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// OnCleanup registers a function to run during Cleanup, before goroutines
// are waited on.
func (ctx *Context) OnCleanup(fn func()) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.cleanup = append(ctx.cleanup, fn)
}

// Wait blocks until all tracked goroutines have finished.
func (ctx *Context) Wait() {
	ctx.test.Helper()
	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Cleanup waits for all goroutines to complete and verifies none of them
// failed. It is registered automatically with the test.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	ctx.mu.Lock()
	cleanup := ctx.cleanup
	ctx.cleanup = nil
	ctx.mu.Unlock()
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}

	defer ctx.cancel()
	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}
