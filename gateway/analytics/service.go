// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"setupranali.io/setupranali/private/sync2"
)

var mon = monkit.Package()

// flushBatch is how many buffered records force a flush before the timer.
const flushBatch = 256

// Config is the configuration for the analytics recorder.
type Config struct {
	Enabled       bool          `help:"record query analytics" default:"true"`
	Buffer        int           `help:"records buffered before writes drop" default:"4096"`
	FlushInterval time.Duration `help:"how often buffered records are flushed" default:"5s"`
	Retention     time.Duration `help:"how long records are kept" default:"720h"`
}

// Service buffers query records and flushes them to the store. A full
// buffer drops the record with a counter rather than blocking a request.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	config Config

	queue   chan *Record
	flush   *sync2.Cycle
	compact *sync2.Cycle
}

// NewService creates the analytics recorder.
func NewService(log *zap.Logger, db DB, config Config) *Service {
	return &Service{
		log:     log,
		db:      db,
		config:  config,
		queue:   make(chan *Record, config.Buffer),
		flush:   sync2.NewCycle(config.FlushInterval),
		compact: sync2.NewCycle(12 * time.Hour),
	}
}

// Record enqueues a query record. It never blocks.
func (service *Service) Record(rec *Record) {
	if !service.config.Enabled {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	select {
	case service.queue <- rec:
	default:
		mon.Event("analytics_dropped")
	}
}

// Run flushes the buffer periodically and compacts old records until ctx
// is done. The final drain happens on the way out.
func (service *Service) Run(ctx context.Context) error {
	if !service.config.Enabled {
		<-ctx.Done()
		return nil
	}

	var group errgroup.Group
	service.flush.Start(ctx, &group, func(ctx context.Context) error {
		service.drain(ctx)
		return nil
	})
	service.compact.Start(ctx, &group, func(ctx context.Context) error {
		cutoff := time.Now().Add(-service.config.Retention)
		deleted, err := service.db.DeleteBefore(ctx, cutoff)
		if err != nil {
			service.log.Warn("compaction failed", zap.Error(err))
			return nil
		}
		if deleted > 0 {
			service.log.Info("compacted query records", zap.Int64("deleted", deleted))
		}
		return nil
	})
	err := group.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	service.drain(drainCtx)
	return err
}

// Close stops the chore loops.
func (service *Service) Close() error {
	service.flush.Close()
	service.compact.Close()
	return nil
}

// TriggerFlush synchronously drains the buffer. For tests.
func (service *Service) TriggerFlush() { service.flush.TriggerWait() }

// drain writes everything currently buffered in batches.
func (service *Service) drain(ctx context.Context) {
	for {
		batch := make([]*Record, 0, flushBatch)
	fill:
		for len(batch) < flushBatch {
			select {
			case rec := <-service.queue:
				batch = append(batch, rec)
			default:
				break fill
			}
		}
		if len(batch) == 0 {
			return
		}
		if err := service.db.Append(ctx, batch); err != nil {
			// recorder failure never surfaces to the request path
			service.log.Warn("analytics flush failed",
				zap.Int("records", len(batch)), zap.Error(err))
			mon.Event("analytics_flush_failed")
			return
		}
		mon.IntVal("analytics_flushed").Observe(int64(len(batch)))
	}
}

// Stats reads aggregated analytics scoped to the tenant; the wildcard
// tenant sees everything.
func (service *Service) Stats(ctx context.Context, tenant string, window time.Duration) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Stats(ctx, tenant, time.Now().Add(-window))
}

// Recent reads the latest records scoped to the tenant.
func (service *Service) Recent(ctx context.Context, tenant string, limit int) (_ []*Record, err error) {
	defer mon.Task()(&ctx)(&err)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return service.db.Recent(ctx, tenant, limit)
}
