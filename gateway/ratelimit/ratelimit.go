// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package ratelimit admits or rejects requests per API key and route
// class. With a shared redis backend configured, all replicas count
// against one fixed window; otherwise each replica keeps local token
// buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"setupranali.io/setupranali/private/redisutil"
	"setupranali.io/setupranali/private/sync2"
)

var (
	// Error is the class of errors returned by this package.
	Error = errs.Class("ratelimit")

	mon = monkit.Package()
)

// Class is the route class a request counts against.
type Class string

// The route classes.
const (
	ClassQuery   Class = "query"
	ClassOData   Class = "odata"
	ClassSources Class = "sources"
	ClassAdmin   Class = "admin"
	ClassCatalog Class = "catalog"
)

// Config holds the rate limiter configuration.
type Config struct {
	Enabled  bool          `help:"enable rate limiting" default:"true"`
	RedisURL string        `help:"redis url for a shared rate-limit window, empty for local buckets" default:""`
	Window   time.Duration `help:"length of the admission window" default:"1m"`
	Query    int           `help:"query requests per window" default:"100"`
	OData    int           `help:"odata requests per window" default:"50"`
	Sources  int           `help:"source mutations per window" default:"10"`
	Admin    int           `help:"admin requests per window" default:"30"`
	Catalog  int           `help:"catalog readouts per window" default:"120"`

	SweepInterval time.Duration `help:"how often idle local buckets are dropped" default:"5m"`
}

// limit returns the per-window budget for a class.
func (config Config) limit(class Class) int {
	switch class {
	case ClassOData:
		return config.OData
	case ClassSources:
		return config.Sources
	case ClassAdmin:
		return config.Admin
	case ClassCatalog:
		return config.Catalog
	default:
		return config.Query
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// bucket is one local token bucket with its last-use time for sweeping.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter admits requests per (key, class).
//
// architecture: Service
type Limiter struct {
	log    *zap.Logger
	config Config

	client *redis.Client // nil in local mode

	mu       sync.Mutex
	buckets  map[string]*bucket
	warnedAt time.Time

	sweep *sync2.Cycle
}

// New creates a limiter. A redis client is opened lazily on the first
// shared-mode decision so startup never depends on the backend.
func New(log *zap.Logger, config Config) *Limiter {
	return &Limiter{
		log:     log,
		config:  config,
		buckets: make(map[string]*bucket),
		sweep:   sync2.NewCycle(config.SweepInterval),
	}
}

// Run sweeps idle local buckets until ctx is done.
func (limiter *Limiter) Run(ctx context.Context) error {
	return limiter.sweep.Run(ctx, func(ctx context.Context) error {
		limiter.dropIdle(time.Now())
		return nil
	})
}

// Close stops the sweep loop and the shared store client.
func (limiter *Limiter) Close() error {
	limiter.sweep.Close()
	if limiter.client != nil {
		return Error.Wrap(limiter.client.Close())
	}
	return nil
}

// Allow decides whether the request may proceed and reports the remaining
// budget. Store failures in shared mode fail open with a warning.
func (limiter *Limiter) Allow(ctx context.Context, keyHash string, class Class) (_ Decision, err error) {
	defer mon.Task()(&ctx)(&err)

	budget := limiter.config.limit(class)
	if !limiter.config.Enabled || budget <= 0 {
		return Decision{Allowed: true, Limit: budget, Remaining: budget}, nil
	}

	if limiter.config.RedisURL != "" {
		decision, err := limiter.allowShared(ctx, keyHash, class, budget)
		if err == nil {
			if !decision.Allowed {
				mon.Event("ratelimit_rejected")
			}
			return decision, nil
		}
		limiter.warnStoreDown(err)
		mon.Event("ratelimit_store_error")
		return Decision{Allowed: true, Limit: budget, Remaining: budget}, nil
	}

	decision := limiter.allowLocal(keyHash, class, budget)
	if !decision.Allowed {
		mon.Event("ratelimit_rejected")
	}
	return decision, nil
}

// allowLocal uses a per-(key, class) token bucket refilling over the
// configured window.
func (limiter *Limiter) allowLocal(keyHash string, class Class, budget int) Decision {
	key := keyHash + ":" + string(class)
	now := time.Now()

	limiter.mu.Lock()
	b, ok := limiter.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(budget)/limiter.config.Window.Seconds()), budget),
		}
		limiter.buckets[key] = b
	}
	b.lastSeen = now
	limiter.mu.Unlock()

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     budget,
		Remaining: remaining,
		ResetAt:   now.Add(limiter.config.Window),
	}
	if !allowed {
		// time until one token refills
		decision.RetryAfter = time.Duration(float64(time.Second) / float64(b.limiter.Limit()))
	}
	return decision
}

// allowShared counts against a fixed window shared across replicas.
func (limiter *Limiter) allowShared(ctx context.Context, keyHash string, class Class, budget int) (Decision, error) {
	client, err := limiter.sharedClient(ctx)
	if err != nil {
		return Decision{}, err
	}

	window := limiter.config.Window
	slot := time.Now().UnixMilli() / window.Milliseconds()
	storeKey := fmt.Sprintf("rl:%s:%s:%d", keyHash, class, slot)

	pipe := client.TxPipeline()
	count := pipe.Incr(ctx, storeKey)
	pipe.ExpireNX(ctx, storeKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, Error.Wrap(err)
	}

	used := int(count.Val())
	resetAt := time.UnixMilli((slot + 1) * window.Milliseconds())

	decision := Decision{
		Allowed:   used <= budget,
		Limit:     budget,
		Remaining: budget - used,
		ResetAt:   resetAt,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Until(resetAt)
	}
	return decision, nil
}

func (limiter *Limiter) sharedClient(ctx context.Context) (*redis.Client, error) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.client != nil {
		return limiter.client, nil
	}
	client, err := redisutil.OpenClientFrom(ctx, limiter.config.RedisURL)
	if err != nil {
		return nil, err
	}
	limiter.client = client
	return client, nil
}

// warnStoreDown logs the store failure at most once per sweep interval so
// an outage does not flood the log.
func (limiter *Limiter) warnStoreDown(err error) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if time.Since(limiter.warnedAt) < limiter.config.SweepInterval {
		return
	}
	limiter.warnedAt = time.Now()
	limiter.log.Warn("rate-limit store unreachable, failing open", zap.Error(err))
}

// dropIdle removes buckets untouched for a full window.
func (limiter *Limiter) dropIdle(now time.Time) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	for key, b := range limiter.buckets {
		if now.Sub(b.lastSeen) > limiter.config.Window {
			delete(limiter.buckets, key)
		}
	}
}
