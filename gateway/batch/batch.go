// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package batch orchestrates multiple semantic queries with optional
// dependencies. Queries schedule in topological groups, run with bounded
// parallelism, and may reference rows of completed dependencies through
// $ref tokens in filter values.
package batch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/executor"
)

var (
	// Error is the class of errors returned by this package.
	Error = errs.Class("batch")

	mon = monkit.Package()
)

// Config holds the batch orchestrator configuration.
type Config struct {
	MaxParallel int           `help:"queries running concurrently within one group" default:"4"`
	Timeout     time.Duration `help:"wall-time bound for a whole batch" default:"5m"`
	MaxQueries  int           `help:"maximum sub-queries per batch" default:"32"`
}

// SubRequest is one query inside a batch.
type SubRequest struct {
	ID        string                `json:"id,omitempty"`
	DependsOn []string              `json:"depends_on,omitempty"`
	Query     compiler.QueryRequest `json:"query"`
}

// Options tune one batch run.
type Options struct {
	Parallel    int  `json:"parallel,omitempty"`
	StopOnError bool `json:"stop_on_error,omitempty"`
	Transaction bool `json:"transaction,omitempty"`
}

// Status is the terminal state of a sub-query.
type Status string

// The sub-query states exposed in results. Scheduling also moves queries
// through pending and ready internally.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// SubResult reports one sub-query's outcome.
type SubResult struct {
	ID     string                `json:"id"`
	Status Status                `json:"status"`
	Result *executor.QueryResult `json:"result,omitempty"`
	Error  *apierr.Body          `json:"error,omitempty"`
	Reason string                `json:"reason,omitempty"`
}

// Runner executes a single resolved sub-query. The engine implements it.
type Runner interface {
	RunQuery(ctx context.Context, identity auth.Identity, req *compiler.QueryRequest) (*executor.QueryResult, error)
	DatasetSource(ctx context.Context, dataset string) (sourceID string, supportsSessions bool, err error)
	AcquireSession(ctx context.Context, sourceID string) (Session, error)
}

// Session runs queries over one pinned upstream connection. Release
// returns the connection to its pool.
type Session interface {
	RunQuery(ctx context.Context, identity auth.Identity, req *compiler.QueryRequest) (*executor.QueryResult, error)
	Release()
}

// Orchestrator schedules batches.
//
// architecture: Service
type Orchestrator struct {
	log    *zap.Logger
	runner Runner
	config Config
}

// New creates a batch orchestrator over the given runner.
func New(log *zap.Logger, runner Runner, config Config) *Orchestrator {
	return &Orchestrator{log: log, runner: runner, config: config}
}

// Run executes the batch and reports per-id outcomes in input order.
func (orchestrator *Orchestrator) Run(ctx context.Context, identity auth.Identity, reqs []SubRequest, opts Options) (_ []SubResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(reqs) == 0 {
		return nil, apierr.BadRequest("batch contains no queries")
	}
	if len(reqs) > orchestrator.config.MaxQueries {
		return nil, apierr.GuardExceeded("batch query count", orchestrator.config.MaxQueries)
	}

	reqs = assignIDs(reqs)
	byID := make(map[string]*SubRequest, len(reqs))
	for i := range reqs {
		if _, dup := byID[reqs[i].ID]; dup {
			return nil, apierr.Validation("queries", fmt.Sprintf("duplicate query id %q", reqs[i].ID))
		}
		byID[reqs[i].ID] = &reqs[i]
	}

	groups, err := topoGroups(reqs, byID)
	if err != nil {
		return nil, err
	}

	parallel := opts.Parallel
	if parallel <= 0 || parallel > orchestrator.config.MaxParallel {
		parallel = orchestrator.config.MaxParallel
	}

	var session Session
	if opts.Transaction {
		sourceID, err := orchestrator.checkTransaction(ctx, reqs)
		if err != nil {
			return nil, err
		}
		session, err = orchestrator.runner.AcquireSession(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		defer session.Release()
		// transactional batches run one at a time on the pinned connection
		parallel = 1
	}

	ctx, cancel := context.WithTimeout(ctx, orchestrator.config.Timeout)
	defer cancel()

	run := &batchRun{
		orchestrator: orchestrator,
		identity:     identity,
		opts:         opts,
		cancel:       cancel,
		session:      session,
		results:      make(map[string]*SubResult, len(reqs)),
	}

	for _, group := range groups {
		run.executeGroup(ctx, group, parallel)
	}

	out := make([]SubResult, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, *run.results[req.ID])
	}
	return out, nil
}

// checkTransaction verifies every sub-query hits one source that supports
// sessions and returns that source.
func (orchestrator *Orchestrator) checkTransaction(ctx context.Context, reqs []SubRequest) (string, error) {
	var sourceID string
	for _, req := range reqs {
		id, sessions, err := orchestrator.runner.DatasetSource(ctx, req.Query.Dataset)
		if err != nil {
			return "", err
		}
		if !sessions {
			return "", apierr.BadRequest("source %q does not support transactional batches", id)
		}
		if sourceID == "" {
			sourceID = id
		} else if sourceID != id {
			return "", apierr.BadRequest("transactional batches require all queries on one source")
		}
	}
	return sourceID, nil
}

// batchRun is the mutable state of one executing batch.
type batchRun struct {
	orchestrator *Orchestrator
	identity     auth.Identity
	opts         Options
	cancel       context.CancelFunc
	session      Session // non-nil for transactional batches

	mu      sync.Mutex
	results map[string]*SubResult
	stopped bool
}

// executeGroup runs one topological group with bounded parallelism.
func (run *batchRun) executeGroup(ctx context.Context, group []*SubRequest, parallel int) {
	var eg errgroup.Group
	eg.SetLimit(parallel)

	for _, req := range group {
		req := req
		eg.Go(func() error {
			run.executeOne(ctx, req)
			return nil
		})
	}
	_ = eg.Wait()
}

func (run *batchRun) executeOne(ctx context.Context, req *SubRequest) {
	if reason := run.skipReason(req); reason != "" {
		run.record(&SubResult{ID: req.ID, Status: StatusSkipped, Reason: reason})
		return
	}

	query, err := run.resolveRefs(req)
	if err != nil {
		run.record(&SubResult{ID: req.ID, Status: StatusSkipped, Reason: "missing-dependency-result"})
		return
	}

	var result *executor.QueryResult
	if run.session != nil {
		result, err = run.session.RunQuery(ctx, run.identity, query)
	} else {
		result, err = run.orchestrator.runner.RunQuery(ctx, run.identity, query)
	}
	if err != nil {
		apiErr := apierr.Wrap(err)
		body := apiErr.ToBody()
		run.record(&SubResult{ID: req.ID, Status: StatusFailed, Error: &body})
		if run.opts.StopOnError {
			run.mu.Lock()
			run.stopped = true
			run.mu.Unlock()
			run.cancel()
		}
		return
	}
	run.record(&SubResult{ID: req.ID, Status: StatusSuccess, Result: result})
}

// skipReason reports why the sub-query must not run, or "".
func (run *batchRun) skipReason(req *SubRequest) string {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.stopped {
		return "batch stopped on earlier error"
	}
	for _, dep := range req.DependsOn {
		res, ok := run.results[dep]
		if !ok || res.Status != StatusSuccess {
			return "missing-dependency-result"
		}
	}
	return ""
}

func (run *batchRun) record(result *SubResult) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.results[result.ID] = result
}

var refPattern = regexp.MustCompile(`^\$ref:([A-Za-z0-9_-]+)\[(\d+)\]\.([A-Za-z0-9_]+)$`)

// resolveRefs returns a copy of the query with $ref filter values replaced
// by values from completed dependency results.
func (run *batchRun) resolveRefs(req *SubRequest) (*compiler.QueryRequest, error) {
	query := req.Query
	if len(query.Filters) == 0 {
		return &query, nil
	}

	filters := make([]compiler.Filter, len(query.Filters))
	copy(filters, query.Filters)
	for i := range filters {
		resolved, err := run.resolveValue(filters[i].Value)
		if err != nil {
			return nil, err
		}
		filters[i].Value = resolved
	}
	query.Filters = filters
	return &query, nil
}

func (run *batchRun) resolveValue(value interface{}) (interface{}, error) {
	switch val := value.(type) {
	case string:
		return run.resolveRef(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := run.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveRef resolves one $ref token against a completed result. Strings
// without the token pass through.
func (run *batchRun) resolveRef(s string) (interface{}, error) {
	match := refPattern.FindStringSubmatch(s)
	if match == nil {
		return s, nil
	}
	queryID, field := match[1], match[3]
	rowIndex, err := strconv.Atoi(match[2])
	if err != nil {
		return nil, Error.New("invalid row index in %q", s)
	}

	run.mu.Lock()
	res, ok := run.results[queryID]
	run.mu.Unlock()
	if !ok || res.Status != StatusSuccess {
		return nil, Error.New("dependency %q has no result", queryID)
	}
	if rowIndex >= len(res.Result.Rows) {
		return nil, Error.New("dependency %q has no row %d", queryID, rowIndex)
	}
	colIndex := res.Result.ColumnIndex(field)
	if colIndex < 0 {
		return nil, Error.New("dependency %q has no column %q", queryID, field)
	}
	return res.Result.Rows[rowIndex][colIndex], nil
}

func assignIDs(reqs []SubRequest) []SubRequest {
	for i := range reqs {
		if reqs[i].ID == "" {
			reqs[i].ID = "q" + strconv.Itoa(i)
		}
	}
	return reqs
}

// topoGroups orders the sub-queries into dependency levels with Kahn's
// algorithm; queries within one group have no ordering guarantee.
func topoGroups(reqs []SubRequest, byID map[string]*SubRequest) ([][]*SubRequest, error) {
	indegree := make(map[string]int, len(reqs))
	dependents := make(map[string][]string, len(reqs))

	for _, req := range reqs {
		indegree[req.ID] += 0
		seen := make(map[string]bool, len(req.DependsOn))
		deps := append([]string(nil), req.DependsOn...)
		deps = append(deps, implicitDeps(&req)...)
		for _, dep := range deps {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := byID[dep]; !ok {
				return nil, apierr.Validation("depends_on",
					fmt.Sprintf("query %q depends on unknown query %q", req.ID, dep))
			}
			indegree[req.ID]++
			dependents[dep] = append(dependents[dep], req.ID)
		}
	}

	var groups [][]*SubRequest
	var frontier []string
	for _, req := range reqs {
		if indegree[req.ID] == 0 {
			frontier = append(frontier, req.ID)
		}
	}

	placed := 0
	for len(frontier) > 0 {
		group := make([]*SubRequest, 0, len(frontier))
		var next []string
		for _, id := range frontier {
			group = append(group, byID[id])
			placed++
			for _, dependent := range dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		groups = append(groups, group)
		frontier = next
	}

	if placed != len(reqs) {
		return nil, apierr.BadRequest("batch dependencies contain a cycle")
	}
	return groups, nil
}

// implicitDeps extracts dependencies implied by $ref tokens so a query
// referencing another waits for it even without depends_on.
func implicitDeps(req *SubRequest) []string {
	var deps []string
	for _, filter := range req.Query.Filters {
		collectRefs(filter.Value, &deps)
	}
	return deps
}

func collectRefs(value interface{}, deps *[]string) {
	switch val := value.(type) {
	case string:
		if match := refPattern.FindStringSubmatch(val); match != nil {
			*deps = append(*deps, match[1])
		}
	case []interface{}:
		for _, item := range val {
			collectRefs(item, deps)
		}
	}
}
