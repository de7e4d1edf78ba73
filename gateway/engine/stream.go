// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package engine

import (
	"context"
	"time"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/executor"
	"setupranali.io/setupranali/gateway/guard"
	"setupranali.io/setupranali/gateway/stream"
)

// StreamPlan compiles a streaming query and returns the result columns plus
// a source that drives the executor over a pooled connection. Streams
// bypass the result cache and may exceed the materialized row cap up to
// maxRows.
func (service *Service) StreamPlan(ctx context.Context, identity auth.Identity, req *compiler.QueryRequest, maxRows int) (_ []executor.Column, _ stream.Source, err error) {
	defer mon.Task()(&ctx)(&err)

	guards := service.guards
	if maxRows > guards.MaxRows {
		guards.MaxRows = maxRows
	}
	if err := guard.Check(guards, req); err != nil {
		return nil, nil, err
	}

	snapshot := service.catalog.Current()
	ds := snapshot.Dataset(req.Dataset)
	if ds == nil {
		return nil, nil, apierr.NotFound("dataset", req.Dataset)
	}

	desc, err := service.sources.Descriptor(ctx, ds.Source)
	if err != nil {
		return nil, nil, err
	}

	plan, err := compiler.Compile(ctx, ds, req, principal(identity), desc, compiler.Caps{
		MaxRows:      maxRows,
		DefaultLimit: maxRows,
	})
	if err != nil {
		return nil, nil, err
	}

	sourceID := ds.Source
	src := func(ctx context.Context, chunkSize int, emit func(rows [][]interface{}) error) (total int, truncated bool, err error) {
		start := time.Now()
		defer func() {
			rec := &analytics.Record{
				Dataset:    req.Dataset,
				Tenant:     identity.Tenant,
				Dimensions: req.Dimensions,
				Metrics:    req.Metrics,
				DurationMS: time.Since(start).Milliseconds(),
				Rows:       total,
				Success:    err == nil,
				StartedAt:  start.UTC(),
			}
			if err != nil {
				rec.ErrorCode = apierr.Wrap(err).Code
			}
			service.recorder.Record(rec)
		}()

		handle, err := service.sources.Acquire(ctx, sourceID)
		if err != nil {
			return 0, false, err
		}
		defer handle.Release()

		return executor.Stream(ctx, handle, plan.SQL, plan.Params, plan.Columns, chunkSize, maxRows, emit)
	}
	return plan.Columns, src, nil
}
