// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package resultcache deduplicates and caches query results by
// fingerprint. Concurrent identical requests coalesce into one upstream
// execution; completed results live in a sharded LRU with a byte budget
// and a TTL, indexed by dataset for invalidation.
package resultcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/executor"
	"setupranali.io/setupranali/private/memory"
)

var (
	// Error is the class of errors returned by this package.
	Error = errs.Class("resultcache")

	mon = monkit.Package()
)

const shardCount = 16

// Config holds the result cache configuration.
type Config struct {
	Enabled       bool          `help:"enable result caching" default:"true"`
	TTL           time.Duration `help:"how long a cached result stays valid" default:"300s"`
	MaxBytes      memory.Size   `help:"total byte budget across all cached results" default:"256MiB"`
	MaxEntryBytes memory.Size   `help:"largest result eligible for caching" default:"4MiB"`
	MaxRetries    int           `help:"how many waiters may be promoted leader after a failure" default:"2"`
	RedisURL      string        `help:"redis url mirroring the cache across replicas, empty for local only" default:""`
}

// entry is one cached result.
type entry struct {
	fingerprint string
	dataset     string
	result      *executor.QueryResult
	size        int64
	insertedAt  time.Time
	order       *list.Element
}

// shard is one lock domain of the cache.
type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List
	bytes   int64
}

// lane coalesces concurrent executions of one fingerprint. The leader
// closes done; waiters read the shared slot afterwards.
type lane struct {
	done   chan struct{}
	result *executor.QueryResult
	err    error
}

// Cache is the sharded result cache with per-fingerprint single-flight.
//
// architecture: Service
type Cache struct {
	log    *zap.Logger
	config Config

	shards [shardCount]*shard

	laneMu sync.Mutex
	lanes  map[string]*lane

	remote *remoteMirror // nil without a redis url
}

// New creates a result cache.
func New(log *zap.Logger, config Config) *Cache {
	cache := &Cache{
		log:    log,
		config: config,
		lanes:  make(map[string]*lane),
	}
	for i := range cache.shards {
		cache.shards[i] = &shard{
			entries: make(map[string]*entry),
			order:   list.New(),
		}
	}
	if config.RedisURL != "" {
		cache.remote = newRemoteMirror(log.Named("redis"), config)
	}
	return cache
}

// Ping reports backend health. A local-only cache is always healthy;
// with a redis mirror configured the mirror must answer.
func (cache *Cache) Ping(ctx context.Context) error {
	if cache.remote == nil {
		return nil
	}
	return cache.remote.ping(ctx)
}

// Close releases the remote mirror client.
func (cache *Cache) Close() error {
	if cache.remote != nil {
		return cache.remote.Close()
	}
	return nil
}

func (cache *Cache) shard(fingerprint string) *shard {
	// fingerprints are uniform hex, the first byte spreads evenly
	return cache.shards[fingerprint[0]%shardCount]
}

// Do returns the cached result for the fingerprint or executes fn exactly
// once across all concurrent callers. When bypass is set the lookup is
// skipped but a successful result still populates the cache. cachedAt is
// non-zero on a hit.
func (cache *Cache) Do(ctx context.Context, fingerprint, dataset string, bypass bool, fn func(ctx context.Context) (*executor.QueryResult, error)) (_ *executor.QueryResult, cachedAt time.Time, err error) {
	defer mon.Task()(&ctx)(&err)

	if !cache.config.Enabled {
		result, err := fn(ctx)
		return result, time.Time{}, err
	}

	if !bypass {
		if result, at, ok := cache.lookup(ctx, fingerprint); ok {
			mon.Event("cache_hit")
			return result, at, nil
		}
		mon.Event("cache_miss")
	}

	for attempt := 0; ; attempt++ {
		ln, leader := cache.joinLane(fingerprint)

		if leader {
			result, err := fn(ctx)
			ln.result, ln.err = result, err
			cache.leaveLane(fingerprint, ln)
			if err != nil {
				return nil, time.Time{}, err
			}
			cache.store(ctx, fingerprint, dataset, result)
			return result, time.Time{}, nil
		}

		select {
		case <-ln.done:
		case <-ctx.Done():
			return nil, time.Time{}, ctx.Err()
		}
		if ln.err == nil {
			return ln.result, time.Time{}, nil
		}
		// the leader failed; one waiter becomes leader on the next loop
		if attempt >= cache.config.MaxRetries {
			return nil, time.Time{}, ln.err
		}
	}
}

// joinLane returns the lane for the fingerprint, creating it when absent.
// The creator is the leader.
func (cache *Cache) joinLane(fingerprint string) (*lane, bool) {
	cache.laneMu.Lock()
	defer cache.laneMu.Unlock()

	if ln, ok := cache.lanes[fingerprint]; ok {
		return ln, false
	}
	ln := &lane{done: make(chan struct{})}
	cache.lanes[fingerprint] = ln
	return ln, true
}

// leaveLane publishes the lane outcome and retires the lane so late
// arrivals start fresh.
func (cache *Cache) leaveLane(fingerprint string, ln *lane) {
	cache.laneMu.Lock()
	if cache.lanes[fingerprint] == ln {
		delete(cache.lanes, fingerprint)
	}
	cache.laneMu.Unlock()
	close(ln.done)
}

// lookup returns a valid cached result, consulting the remote mirror on a
// local miss.
func (cache *Cache) lookup(ctx context.Context, fingerprint string) (*executor.QueryResult, time.Time, bool) {
	sh := cache.shard(fingerprint)

	sh.mu.Lock()
	ent, ok := sh.entries[fingerprint]
	if ok {
		if time.Since(ent.insertedAt) > cache.config.TTL {
			sh.removeLocked(ent)
			ok = false
		} else {
			sh.order.MoveToFront(ent.order)
		}
	}
	var result *executor.QueryResult
	var at time.Time
	if ok {
		result, at = ent.result, ent.insertedAt
	}
	sh.mu.Unlock()

	if ok {
		return result, at, true
	}

	if cache.remote != nil {
		if result, at, ok := cache.remote.lookup(ctx, fingerprint); ok {
			return result, at, true
		}
	}
	return nil, time.Time{}, false
}

// store caches a successful result when it fits the entry budget.
func (cache *Cache) store(ctx context.Context, fingerprint, dataset string, result *executor.QueryResult) {
	size := result.EstimateBytes()
	if size > cache.config.MaxEntryBytes.Int64() {
		mon.Event("cache_entry_too_large")
		return
	}

	sh := cache.shard(fingerprint)
	budget := cache.config.MaxBytes.Int64() / shardCount

	sh.mu.Lock()
	if old, ok := sh.entries[fingerprint]; ok {
		sh.removeLocked(old)
	}
	for sh.bytes+size > budget && sh.order.Len() > 0 {
		oldest := sh.order.Back().Value.(*entry)
		sh.removeLocked(oldest)
		mon.Event("cache_evicted")
	}
	ent := &entry{
		fingerprint: fingerprint,
		dataset:     dataset,
		result:      result,
		size:        size,
		insertedAt:  time.Now(),
	}
	ent.order = sh.order.PushFront(ent)
	sh.entries[fingerprint] = ent
	sh.bytes += size
	sh.mu.Unlock()

	if cache.remote != nil {
		cache.remote.store(ctx, fingerprint, dataset, result)
	}
}

// removeLocked unlinks an entry; the shard mutex must be held.
func (sh *shard) removeLocked(ent *entry) {
	delete(sh.entries, ent.fingerprint)
	sh.order.Remove(ent.order)
	sh.bytes -= ent.size
}

// InvalidateDataset drops every cached fingerprint of the dataset.
func (cache *Cache) InvalidateDataset(ctx context.Context, dataset string) (dropped int, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, sh := range cache.shards {
		sh.mu.Lock()
		for _, ent := range sh.entries {
			if ent.dataset == dataset {
				sh.removeLocked(ent)
				dropped++
			}
		}
		sh.mu.Unlock()
	}

	if cache.remote != nil {
		remoteDropped, err := cache.remote.invalidateDataset(ctx, dataset)
		if err != nil {
			return dropped, err
		}
		dropped += remoteDropped
	}
	return dropped, nil
}

// Clear drops everything.
func (cache *Cache) Clear(ctx context.Context) (dropped int, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, sh := range cache.shards {
		sh.mu.Lock()
		dropped += len(sh.entries)
		sh.entries = make(map[string]*entry)
		sh.order = list.New()
		sh.bytes = 0
		sh.mu.Unlock()
	}

	if cache.remote != nil {
		if err := cache.remote.clear(ctx); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Len returns the number of locally cached entries.
func (cache *Cache) Len() int {
	total := 0
	for _, sh := range cache.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
