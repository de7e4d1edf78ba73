// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package engine ties the request pipeline together: guards, compilation,
// caching, execution, streaming, batching, and recording.
package engine

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/batch"
	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/executor"
	"setupranali.io/setupranali/gateway/guard"
	"setupranali.io/setupranali/gateway/nlq"
	"setupranali.io/setupranali/gateway/resultcache"
	"setupranali.io/setupranali/gateway/source"
	"setupranali.io/setupranali/gateway/sqlgate"
)

var (
	// Error is the class of errors returned by this package.
	Error = errs.Class("engine")

	mon = monkit.Package()
)

// Options tune one query execution.
type Options struct {
	// NoCache skips the cache lookup; successful results still populate.
	NoCache bool
	// SourceIP is recorded with the query for auditing.
	SourceIP string
}

// Service runs the request pipeline for every entry point.
//
// architecture: Service
type Service struct {
	log         *zap.Logger
	catalog     *catalog.Catalog
	sources     *source.Registry
	cache       *resultcache.Cache
	recorder    *analytics.Service
	translators *nlq.Registry
	guards      guard.Config
}

// New creates the engine.
func New(log *zap.Logger, cat *catalog.Catalog, sources *source.Registry, cache *resultcache.Cache, recorder *analytics.Service, translators *nlq.Registry, guards guard.Config) *Service {
	return &Service{
		log:         log,
		catalog:     cat,
		sources:     sources,
		cache:       cache,
		recorder:    recorder,
		translators: translators,
		guards:      guards,
	}
}

// Query runs a semantic query through guards, compilation, the cache, and
// the executor, recording the terminal outcome.
func (service *Service) Query(ctx context.Context, identity auth.Identity, req *compiler.QueryRequest, opts Options) (result *executor.QueryResult, err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	defer func() { service.record(req, identity, opts, start, result, err) }()

	if err := guard.Check(service.guards, req); err != nil {
		return nil, err
	}

	snapshot := service.catalog.Current()
	ds := snapshot.Dataset(req.Dataset)
	if ds == nil {
		return nil, apierr.NotFound("dataset", req.Dataset)
	}

	desc, err := service.sources.Descriptor(ctx, ds.Source)
	if err != nil {
		return nil, err
	}

	plan, err := compiler.Compile(ctx, ds, req, principal(identity), desc, compiler.Caps{
		MaxRows:      service.guards.MaxRows,
		DefaultLimit: service.guards.DefaultLimit,
	})
	if err != nil {
		return nil, err
	}

	fingerprint := resultcache.Fingerprint(req, identity.Tenant, snapshot.Generation)

	result, cachedAt, err := service.cache.Do(ctx, fingerprint, ds.ID, opts.NoCache,
		func(ctx context.Context) (*executor.QueryResult, error) {
			return service.execute(ctx, ds.Source, plan.SQL, plan.Params, plan.Columns)
		})
	if err != nil {
		return nil, apierr.Wrap(err)
	}
	if !cachedAt.IsZero() {
		result = result.WithCached(cachedAt)
	}
	return result, nil
}

// RawSQL gates, wraps, and executes caller-provided SQL. Raw statements
// never hit the cache.
func (service *Service) RawSQL(ctx context.Context, identity auth.Identity, sqlText, datasetID string, params []interface{}) (result *executor.QueryResult, err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	req := &compiler.QueryRequest{Dataset: datasetID}
	defer func() { service.record(req, identity, Options{}, start, result, err) }()

	if err := sqlgate.Check(ctx, sqlText); err != nil {
		return nil, err
	}

	snapshot := service.catalog.Current()
	ds := snapshot.Dataset(datasetID)
	if ds == nil {
		return nil, apierr.NotFound("dataset", datasetID)
	}

	desc, err := service.sources.Descriptor(ctx, ds.Source)
	if err != nil {
		return nil, err
	}

	// the tenant binds after the caller's positional parameters because
	// the RLS predicate wraps around the inner statement
	if ds.RLS != nil && !identity.IsAdmin() {
		sqlText = sqlgate.WrapRLS(sqlText, ds.RLS.Field)
		params = append(params, identity.Tenant)
	}
	sqlText = desc.Rewrite(sqlText)

	return service.execute(ctx, ds.Source, sqlText, params, nil)
}

// execute acquires a pooled connection and runs the statement under the
// guard caps.
func (service *Service) execute(ctx context.Context, sourceID, sqlText string, params []interface{}, columns []executor.Column) (*executor.QueryResult, error) {
	handle, err := service.sources.Acquire(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	return executor.Run(ctx, handle, sqlText, params, columns, executor.Caps{
		MaxRows:      service.guards.MaxRows,
		QueryTimeout: service.guards.QueryTimeout,
	})
}

// Translate routes a question to the configured translator and optionally
// executes the translated query.
func (service *Service) Translate(ctx context.Context, identity auth.Identity, question nlq.Question, execute bool) (_ nlq.Result, _ *executor.QueryResult, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := service.translators.Translate(ctx, question)
	if err != nil {
		return nlq.Result{}, nil, err
	}
	if !execute {
		return result, nil, nil
	}
	queryResult, err := service.Query(ctx, identity, result.Request, Options{})
	return result, queryResult, err
}

// RunQuery implements batch.Runner.
func (service *Service) RunQuery(ctx context.Context, identity auth.Identity, req *compiler.QueryRequest) (*executor.QueryResult, error) {
	return service.Query(ctx, identity, req, Options{})
}

// DatasetSource implements batch.Runner.
func (service *Service) DatasetSource(ctx context.Context, datasetID string) (string, bool, error) {
	ds := service.catalog.Current().Dataset(datasetID)
	if ds == nil {
		return "", false, apierr.NotFound("dataset", datasetID)
	}
	desc, err := service.sources.Descriptor(ctx, ds.Source)
	if err != nil {
		return "", false, err
	}
	return ds.Source, desc.SupportsSessions, nil
}

// AcquireSession implements batch.Runner. The returned session pins one
// pooled connection so every query of a transactional batch observes the
// same upstream snapshot. Session queries skip the cache.
func (service *Service) AcquireSession(ctx context.Context, sourceID string) (batch.Session, error) {
	handle, err := service.sources.Acquire(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return &querySession{service: service, handle: handle}, nil
}

// querySession executes semantic queries over one pinned connection.
type querySession struct {
	service *Service
	handle  *source.Handle
}

// RunQuery implements batch.Session.
func (session *querySession) RunQuery(ctx context.Context, identity auth.Identity, req *compiler.QueryRequest) (result *executor.QueryResult, err error) {
	service := session.service

	start := time.Now()
	defer func() { service.record(req, identity, Options{}, start, result, err) }()

	if err := guard.Check(service.guards, req); err != nil {
		return nil, err
	}

	ds := service.catalog.Current().Dataset(req.Dataset)
	if ds == nil {
		return nil, apierr.NotFound("dataset", req.Dataset)
	}
	if ds.Source != session.handle.SourceID {
		return nil, apierr.BadRequest("dataset %q does not live on the pinned source", req.Dataset)
	}

	plan, err := compiler.Compile(ctx, ds, req, principal(identity), session.handle.Desc, compiler.Caps{
		MaxRows:      service.guards.MaxRows,
		DefaultLimit: service.guards.DefaultLimit,
	})
	if err != nil {
		return nil, err
	}

	return executor.Run(ctx, session.handle, plan.SQL, plan.Params, plan.Columns, executor.Caps{
		MaxRows:      service.guards.MaxRows,
		QueryTimeout: service.guards.QueryTimeout,
	})
}

// Release implements batch.Session.
func (session *querySession) Release() { session.handle.Release() }

// InvalidateDataset drops the dataset's cached results.
func (service *Service) InvalidateDataset(ctx context.Context, datasetID string) (int, error) {
	return service.cache.InvalidateDataset(ctx, datasetID)
}

// record appends the query's terminal outcome; recorder failures never
// surface.
func (service *Service) record(req *compiler.QueryRequest, identity auth.Identity, opts Options, start time.Time, result *executor.QueryResult, err error) {
	rec := &analytics.Record{
		Dataset:    req.Dataset,
		Tenant:     identity.Tenant,
		Dimensions: req.Dimensions,
		Metrics:    req.Metrics,
		DurationMS: time.Since(start).Milliseconds(),
		Success:    err == nil,
		StartedAt:  start.UTC(),
		SourceIP:   opts.SourceIP,
	}
	if result != nil {
		rec.Rows = result.Stats.Rows
		rec.CacheHit = result.Stats.Cached
	}
	if err != nil {
		rec.ErrorCode = apierr.Wrap(err).Code
	}
	service.recorder.Record(rec)
}

func principal(identity auth.Identity) compiler.Principal {
	return compiler.Principal{Tenant: identity.Tenant, BypassRLS: identity.IsAdmin()}
}

var _ batch.Runner = (*Service)(nil)
