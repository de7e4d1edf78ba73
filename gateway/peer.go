// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package gateway assembles the semantic analytics gateway: the catalog,
// compiler, caches, upstream pools, and the web api, wired as one process.
package gateway

import (
	"context"
	"errors"
	"io/fs"
	"net"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/batch"
	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/gateway/engine"
	"setupranali.io/setupranali/gateway/nlq"
	"setupranali.io/setupranali/gateway/ratelimit"
	"setupranali.io/setupranali/gateway/resultcache"
	"setupranali.io/setupranali/gateway/source"
	"setupranali.io/setupranali/gateway/stream"
	"setupranali.io/setupranali/gateway/web"
	"setupranali.io/setupranali/private/lifecycle"
)

var (
	// Error is the class of errors returned by this package.
	Error = errs.Class("gateway")

	mon = monkit.Package()
)

// Peer is the gateway process.
//
// architecture: Peer
type Peer struct {
	Log    *zap.Logger
	DB     DB
	Config Config

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Catalog *catalog.Catalog

	Auth struct {
		Service *auth.Service
	}

	RateLimit struct {
		Limiter *ratelimit.Limiter
	}

	Sources struct {
		Vault    *source.Vault
		Registry *source.Registry
	}

	Cache struct {
		Results *resultcache.Cache
	}

	Analytics struct {
		Service *analytics.Service
	}

	NLQ struct {
		Registry *nlq.Registry
	}

	Engine struct {
		Service *engine.Service
	}

	Batch struct {
		Orchestrator *batch.Orchestrator
	}

	Stream struct {
		Dispatcher *stream.Dispatcher
	}

	Web struct {
		Listener net.Listener
		Server   *web.Server
	}
}

// New creates the gateway peer with all services wired.
func New(log *zap.Logger, db DB, config Config) (*Peer, error) {
	peer := &Peer{
		Log:    log,
		DB:     db,
		Config: config,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // catalog
		peer.Catalog = catalog.New(log.Named("catalog"), config.Catalog)
		peer.Services.Add(lifecycle.Item{
			Name: "catalog",
			Run:  peer.loadCatalog,
		})
	}

	{ // auth
		peer.Auth.Service = auth.NewService(log.Named("auth"), db.APIKeys(), config.Auth)
		peer.Services.Add(lifecycle.Item{
			Name: "auth",
			Run:  peer.Auth.Service.LoadKeys,
		})
	}

	{ // rate limiting
		peer.RateLimit.Limiter = ratelimit.New(log.Named("ratelimit"), config.RateLimit)
		peer.Services.Add(lifecycle.Item{
			Name:  "ratelimit",
			Run:   func(ctx context.Context) error { return peer.RateLimit.Limiter.Run(ctx) },
			Close: peer.RateLimit.Limiter.Close,
		})
	}

	{ // sources
		vault, err := source.NewVault(config.VaultKey)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Sources.Vault = vault
		peer.Sources.Registry = source.NewRegistry(log.Named("sources"), db.Sources(), vault, config.Pool)
		peer.Services.Add(lifecycle.Item{
			Name:  "sources",
			Close: peer.Sources.Registry.Close,
		})
	}

	{ // result cache
		peer.Cache.Results = resultcache.New(log.Named("resultcache"), config.Cache)
		peer.Services.Add(lifecycle.Item{
			Name:  "resultcache",
			Close: peer.Cache.Results.Close,
		})
	}

	{ // analytics
		peer.Analytics.Service = analytics.NewService(log.Named("analytics"), db.Analytics(), config.Analytics)
		peer.Services.Add(lifecycle.Item{
			Name:  "analytics",
			Run:   peer.Analytics.Service.Run,
			Close: peer.Analytics.Service.Close,
		})
	}

	{ // engine
		peer.NLQ.Registry = nlq.NewRegistry()
		peer.Engine.Service = engine.New(log.Named("engine"),
			peer.Catalog,
			peer.Sources.Registry,
			peer.Cache.Results,
			peer.Analytics.Service,
			peer.NLQ.Registry,
			config.Guard)
		peer.Batch.Orchestrator = batch.New(log.Named("batch"), peer.Engine.Service, config.Batch)
		peer.Stream.Dispatcher = stream.NewDispatcher(log.Named("stream"), config.Stream)
	}

	{ // web server
		listener, err := net.Listen("tcp", config.Server.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Web.Listener = listener
		peer.Web.Server = web.NewServer(log.Named("web"), config.Server, web.Services{
			Auth:       peer.Auth.Service,
			Limiter:    peer.RateLimit.Limiter,
			Engine:     peer.Engine.Service,
			Batches:    peer.Batch.Orchestrator,
			Dispatcher: peer.Stream.Dispatcher,
			Catalog:    peer.Catalog,
			Sources:    peer.Sources.Registry,
			Cache:      peer.Cache.Results,
			Analytics:  peer.Analytics.Service,
			Ping:       db.Ping,
		}, listener)

		peer.Servers.Add(lifecycle.Item{
			Name:  "web",
			Run:   peer.Web.Server.Run,
			Close: peer.Web.Server.Close,
		})
	}

	return peer, nil
}

// loadCatalog reads the catalog file at startup. A missing file means a
// fresh install; the gateway serves an empty snapshot until a reload.
func (peer *Peer) loadCatalog(ctx context.Context) error {
	err := peer.Catalog.Load(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			peer.Log.Warn("catalog file missing, serving an empty catalog",
				zap.String("path", peer.Config.Catalog.Path))
			return nil
		}
		return err
	}
	return nil
}

// Run starts all servers and services and blocks until the first failure
// or until the context is cancelled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Services.Run(ctx, group)
	peer.Servers.Run(ctx, group)
	return group.Wait()
}

// Close releases all resources in reverse start order.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

// Addr returns the web server's bound address.
func (peer *Peer) Addr() string { return peer.Web.Server.Addr() }
