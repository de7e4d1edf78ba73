// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/dialect"
)

var mon = monkit.Package()

// PoolConfig holds the connection pool configuration.
type PoolConfig struct {
	Size        int           `help:"connections per socket-backed source" default:"16"`
	SmallSize   int           `help:"connections per HTTP-backed warehouse" default:"4"`
	MaxWait     time.Duration `help:"how long a checkout waits for a free connection" default:"10s"`
	IdleTimeout time.Duration `help:"how long an idle connection is kept" default:"5m"`
	HealthAfter time.Duration `help:"idle age after which a connection is pinged on checkout" default:"30s"`
}

// pool is the live state of one opened source.
type pool struct {
	source *Source
	desc   dialect.Descriptor
	db     *sql.DB
	slots  *semaphore.Weighted

	mu           sync.Mutex
	lastCheckout time.Time
}

// Handle is one checked-out connection. Release must always be called.
type Handle struct {
	SourceID string
	Desc     dialect.Descriptor
	Conn     *sql.Conn

	pool     *pool
	released bool
}

// Release returns the connection slot to the pool.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	_ = h.Conn.Close()
	h.pool.slots.Release(1)
}

// Registry opens pools lazily per source and admits checkouts through a
// bounded semaphore per pool.
//
// architecture: Service
type Registry struct {
	log    *zap.Logger
	db     DB
	vault  *Vault
	config PoolConfig

	mu    sync.Mutex
	pools map[string]*pool
}

// NewRegistry creates a source registry.
func NewRegistry(log *zap.Logger, db DB, vault *Vault, config PoolConfig) *Registry {
	return &Registry{
		log:    log,
		db:     db,
		vault:  vault,
		config: config,
		pools:  make(map[string]*pool),
	}
}

// Add validates, encrypts, and persists a new source. The plaintext DSN is
// encrypted before anything is stored and never logged.
func (registry *Registry) Add(ctx context.Context, id string, kind dialect.Kind, dsn string, metadata map[string]string) (_ *Source, err error) {
	defer mon.Task()(&ctx)(&err)

	if dsn == "" {
		return nil, apierr.Validation("connection", "must not be empty")
	}
	encrypted, err := registry.vault.Encrypt([]byte(dsn))
	if err != nil {
		return nil, err
	}
	src := &Source{
		ID:           id,
		Kind:         kind,
		EncryptedDSN: encrypted,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if err := src.Validate(); err != nil {
		return nil, apierr.Validation("source", err.Error())
	}
	if existing, _ := registry.db.Get(ctx, id); existing != nil {
		return nil, apierr.Conflict("source %q already exists", id)
	}
	if err := registry.db.Put(ctx, src); err != nil {
		return nil, Error.Wrap(err)
	}
	registry.log.Info("source added", zap.String("id", id), zap.String("kind", string(kind)))
	return src, nil
}

// Remove deletes a source and closes its pool. In-flight queries finish;
// database/sql delays the close until their connections return.
func (registry *Registry) Remove(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	src, err := registry.db.Get(ctx, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if src == nil {
		return apierr.NotFound("source", id)
	}
	if err := registry.db.Delete(ctx, id); err != nil {
		return Error.Wrap(err)
	}

	registry.mu.Lock()
	p := registry.pools[id]
	delete(registry.pools, id)
	registry.mu.Unlock()

	if p != nil {
		err = p.db.Close()
	}
	registry.log.Info("source removed", zap.String("id", id))
	return Error.Wrap(err)
}

// Get returns the persisted source record.
func (registry *Registry) Get(ctx context.Context, id string) (*Source, error) {
	src, err := registry.db.Get(ctx, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if src == nil {
		return nil, apierr.NotFound("source", id)
	}
	return src, nil
}

// List returns all persisted sources.
func (registry *Registry) List(ctx context.Context) ([]*Source, error) {
	sources, err := registry.db.List(ctx)
	return sources, Error.Wrap(err)
}

// Descriptor returns the dialect descriptor for a registered source
// without opening its pool.
func (registry *Registry) Descriptor(ctx context.Context, id string) (dialect.Descriptor, error) {
	src, err := registry.Get(ctx, id)
	if err != nil {
		return dialect.Descriptor{}, err
	}
	return dialect.ForKind(src.Kind)
}

// Acquire checks a connection out of the source's pool, waiting up to the
// configured deadline for a free slot. Connections idle past the health
// threshold are pinged and replaced when dead.
func (registry *Registry) Acquire(ctx context.Context, sourceID string) (_ *Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	p, err := registry.pool(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, registry.config.MaxWait)
	defer cancel()
	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Wrap(ctx.Err())
		}
		mon.Event("pool_busy")
		return nil, apierr.UpstreamBusy(sourceID)
	}

	p.mu.Lock()
	idle := time.Since(p.lastCheckout)
	p.lastCheckout = time.Now()
	p.mu.Unlock()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, apierr.UpstreamError(sourceID, err)
	}

	if idle > registry.config.HealthAfter {
		if pingErr := conn.PingContext(ctx); pingErr != nil {
			// returning ErrBadConn from Raw discards the connection
			// instead of returning it to the pool
			_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
			_ = conn.Close()
			conn, err = p.db.Conn(ctx)
			if err != nil {
				p.slots.Release(1)
				return nil, apierr.UpstreamError(sourceID, err)
			}
		}
	}

	return &Handle{SourceID: sourceID, Desc: p.desc, Conn: conn, pool: p}, nil
}

// pool returns the live pool for a source, opening it on first use.
func (registry *Registry) pool(ctx context.Context, sourceID string) (*pool, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if p, ok := registry.pools[sourceID]; ok {
		return p, nil
	}

	src, err := registry.db.Get(ctx, sourceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if src == nil {
		return nil, apierr.NotFound("source", sourceID)
	}
	desc, err := dialect.ForKind(src.Kind)
	if err != nil {
		return nil, apierr.Validation("source", err.Error())
	}

	dsn, err := registry.vault.Decrypt(src.EncryptedDSN)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	db, err := sql.Open(desc.Driver, string(dsn))
	if err != nil {
		return nil, apierr.UpstreamError(sourceID, err)
	}

	size := registry.config.Size
	if desc.SmallPool {
		size = registry.config.SmallSize
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	db.SetConnMaxIdleTime(registry.config.IdleTimeout)

	p := &pool{
		source:       src,
		desc:         desc,
		db:           db,
		slots:        semaphore.NewWeighted(int64(size)),
		lastCheckout: time.Now(),
	}
	registry.pools[sourceID] = p
	registry.log.Info("pool opened",
		zap.String("source", sourceID),
		zap.String("kind", string(src.Kind)),
		zap.Int("size", size))
	return p, nil
}

// Ping checks a source's upstream health using the dialect's ping idiom.
func (registry *Registry) Ping(ctx context.Context, sourceID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	handle, err := registry.Acquire(ctx, sourceID)
	if err != nil {
		return err
	}
	defer handle.Release()

	_, err = handle.Conn.ExecContext(ctx, handle.Desc.PingQuery)
	if err != nil {
		return apierr.UpstreamError(sourceID, err)
	}
	return nil
}

// Close closes every opened pool.
func (registry *Registry) Close() error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var group errs.Group
	for id, p := range registry.pools {
		group.Add(p.db.Close())
		delete(registry.pools, id)
	}
	return Error.Wrap(group.Err())
}
