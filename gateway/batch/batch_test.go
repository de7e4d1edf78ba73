// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package batch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/batch"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/executor"
	"setupranali.io/setupranali/private/testcontext"
)

var identity = auth.Identity{Tenant: "acme", Role: auth.RoleViewer}

// fakeRunner answers sub-queries from a canned result and records the
// order and shape of what it was asked to run.
type fakeRunner struct {
	mu       sync.Mutex
	ran      []string
	requests map[string]*compiler.QueryRequest

	failing  map[string]bool
	sources  map[string]string
	sessions bool

	acquired   []string
	sessionRan []string
	released   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		requests: make(map[string]*compiler.QueryRequest),
		failing:  make(map[string]bool),
		sources:  make(map[string]string),
		sessions: true,
	}
}

func (r *fakeRunner) RunQuery(ctx context.Context, identity auth.Identity, req *compiler.QueryRequest) (*executor.QueryResult, error) {
	r.mu.Lock()
	r.ran = append(r.ran, req.Dataset)
	r.requests[req.Dataset] = req
	failing := r.failing[req.Dataset]
	r.mu.Unlock()

	if failing {
		return nil, apierr.UpstreamError(req.Dataset, errs.New("boom"))
	}
	return &executor.QueryResult{
		Columns: []executor.Column{{Name: "region", Type: "string"}, {Name: "revenue", Type: "number"}},
		Rows:    [][]interface{}{{"emea", int64(42)}},
		Stats:   executor.Stats{Rows: 1},
	}, nil
}

func (r *fakeRunner) DatasetSource(ctx context.Context, dataset string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	source, ok := r.sources[dataset]
	if !ok {
		source = "warehouse"
	}
	return source, r.sessions, nil
}

func (r *fakeRunner) AcquireSession(ctx context.Context, sourceID string) (batch.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquired = append(r.acquired, sourceID)
	return &fakeSession{runner: r}, nil
}

// fakeSession records which queries ran pinned and that it was released.
type fakeSession struct {
	runner *fakeRunner
}

func (s *fakeSession) RunQuery(ctx context.Context, identity auth.Identity, req *compiler.QueryRequest) (*executor.QueryResult, error) {
	s.runner.mu.Lock()
	s.runner.sessionRan = append(s.runner.sessionRan, req.Dataset)
	s.runner.mu.Unlock()
	return s.runner.RunQuery(ctx, identity, req)
}

func (s *fakeSession) Release() {
	s.runner.mu.Lock()
	defer s.runner.mu.Unlock()
	s.runner.released++
}

func (r *fakeRunner) ranBefore(a, b string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ai, bi := -1, -1
	for i, ds := range r.ran {
		if ds == a {
			ai = i
		}
		if ds == b {
			bi = i
		}
	}
	return ai >= 0 && bi >= 0 && ai < bi
}

func config() batch.Config {
	return batch.Config{MaxParallel: 4, Timeout: time.Minute, MaxQueries: 8}
}

func sub(id, dataset string, deps ...string) batch.SubRequest {
	return batch.SubRequest{
		ID:        id,
		DependsOn: deps,
		Query:     compiler.QueryRequest{Dataset: dataset, Metrics: []string{"revenue"}},
	}
}

func TestRunIndependent(t *testing.T) {
	ctx := testcontext.New(t)
	runner := newFakeRunner()
	orchestrator := batch.New(zaptest.NewLogger(t), runner, config())

	results, err := orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("", "orders"),
		sub("", "events"),
	}, batch.Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// ids assign positionally and results keep input order
	require.Equal(t, "q0", results[0].ID)
	require.Equal(t, "q1", results[1].ID)
	for _, res := range results {
		require.Equal(t, batch.StatusSuccess, res.Status)
		require.NotNil(t, res.Result)
	}
}

func TestDependencyOrdering(t *testing.T) {
	ctx := testcontext.New(t)
	runner := newFakeRunner()
	orchestrator := batch.New(zaptest.NewLogger(t), runner, config())

	results, err := orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("last", "third", "mid"),
		sub("mid", "second", "first"),
		sub("first", "first"),
	}, batch.Options{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.True(t, runner.ranBefore("first", "second"))
	require.True(t, runner.ranBefore("second", "third"))
}

func TestRefResolution(t *testing.T) {
	ctx := testcontext.New(t)
	runner := newFakeRunner()
	orchestrator := batch.New(zaptest.NewLogger(t), runner, config())

	consumer := sub("consumer", "details")
	consumer.Query.Filters = []compiler.Filter{
		{Field: "region", Op: "eq", Value: "$ref:top[0].region"},
		{Field: "revenue_band", Op: "in", Value: []interface{}{"$ref:top[0].revenue", "static"}},
	}

	// no depends_on: the $ref alone must order the queries
	results, err := orchestrator.Run(ctx, identity, []batch.SubRequest{
		consumer,
		sub("top", "toplist"),
	}, batch.Options{})
	require.NoError(t, err)
	require.Equal(t, batch.StatusSuccess, results[0].Status)

	require.True(t, runner.ranBefore("toplist", "details"))

	got := runner.requests["details"]
	require.Equal(t, "emea", got.Filters[0].Value)
	require.Equal(t, []interface{}{int64(42), "static"}, got.Filters[1].Value)
}

func TestRefOutOfRange(t *testing.T) {
	ctx := testcontext.New(t)
	runner := newFakeRunner()
	orchestrator := batch.New(zaptest.NewLogger(t), runner, config())

	consumer := sub("consumer", "details", "top")
	consumer.Query.Filters = []compiler.Filter{
		{Field: "region", Op: "eq", Value: "$ref:top[5].region"},
	}

	results, err := orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("top", "toplist"),
		consumer,
	}, batch.Options{})
	require.NoError(t, err)
	require.Equal(t, batch.StatusSuccess, results[0].Status)
	require.Equal(t, batch.StatusSkipped, results[1].Status)
	require.Equal(t, "missing-dependency-result", results[1].Reason)
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	ctx := testcontext.New(t)
	runner := newFakeRunner()
	runner.failing["broken"] = true
	orchestrator := batch.New(zaptest.NewLogger(t), runner, config())

	results, err := orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("a", "broken"),
		sub("b", "dependent", "a"),
		sub("c", "independent"),
	}, batch.Options{})
	require.NoError(t, err)

	require.Equal(t, batch.StatusFailed, results[0].Status)
	require.Equal(t, "ERR_4003", results[0].Error.Error.Code)
	require.Equal(t, batch.StatusSkipped, results[1].Status)
	require.Equal(t, batch.StatusSuccess, results[2].Status)
}

func TestStopOnError(t *testing.T) {
	ctx := testcontext.New(t)
	runner := newFakeRunner()
	runner.failing["broken"] = true
	orchestrator := batch.New(zaptest.NewLogger(t), runner, config())

	results, err := orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("a", "broken"),
		sub("b", "fine"),
		sub("c", "later", "b"),
	}, batch.Options{StopOnError: true})
	require.NoError(t, err)

	require.Equal(t, batch.StatusFailed, results[0].Status)
	// c runs in the next group and sees the stop
	require.Equal(t, batch.StatusSkipped, results[2].Status)
	require.Equal(t, "batch stopped on earlier error", results[2].Reason)
}

func TestRejections(t *testing.T) {
	ctx := testcontext.New(t)
	runner := newFakeRunner()
	orchestrator := batch.New(zaptest.NewLogger(t), runner, config())

	_, err := orchestrator.Run(ctx, identity, nil, batch.Options{})
	require.Equal(t, "ERR_2000", apierr.Wrap(err).Code)

	var many []batch.SubRequest
	for i := 0; i < 9; i++ {
		many = append(many, sub("", "orders"))
	}
	_, err = orchestrator.Run(ctx, identity, many, batch.Options{})
	require.Equal(t, "ERR_2003", apierr.Wrap(err).Code)

	_, err = orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("a", "orders"), sub("a", "events"),
	}, batch.Options{})
	require.Equal(t, "ERR_2002", apierr.Wrap(err).Code)

	_, err = orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("a", "orders", "ghost"),
	}, batch.Options{})
	require.Equal(t, "ERR_2002", apierr.Wrap(err).Code)

	_, err = orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("a", "orders", "b"), sub("b", "events", "a"),
	}, batch.Options{})
	require.Equal(t, "ERR_2000", apierr.Wrap(err).Code)
}

func TestTransaction(t *testing.T) {
	ctx := testcontext.New(t)
	runner := newFakeRunner()
	orchestrator := batch.New(zaptest.NewLogger(t), runner, config())

	results, err := orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("a", "orders"), sub("b", "events"),
	}, batch.Options{Transaction: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// every sub-query ran on the one pinned connection, released afterwards
	require.Equal(t, []string{"warehouse"}, runner.acquired)
	require.ElementsMatch(t, []string{"orders", "events"}, runner.sessionRan)
	require.Equal(t, 1, runner.released)

	// split across sources
	runner.sources["orders"] = "one"
	runner.sources["events"] = "two"
	_, err = orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("a", "orders"), sub("b", "events"),
	}, batch.Options{Transaction: true})
	require.Equal(t, "ERR_2000", apierr.Wrap(err).Code)

	// a source without session support
	runner.sources = map[string]string{}
	runner.sessions = false
	_, err = orchestrator.Run(ctx, identity, []batch.SubRequest{
		sub("a", "orders"),
	}, batch.Options{Transaction: true})
	require.Equal(t, "ERR_2000", apierr.Wrap(err).Code)
}
