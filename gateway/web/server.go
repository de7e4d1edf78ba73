// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package web implements the gateway's http server and routing.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/batch"
	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/gateway/engine"
	"setupranali.io/setupranali/gateway/ratelimit"
	"setupranali.io/setupranali/gateway/resultcache"
	"setupranali.io/setupranali/gateway/source"
	"setupranali.io/setupranali/gateway/stream"
	"setupranali.io/setupranali/gateway/web/controllers"
)

// Error is the error class of the gateway http server.
var Error = errs.Class("gateway web server")

// Config contains the http server configuration.
type Config struct {
	Address string `help:"address the api listens on" default:":8080"`
}

// Services collects everything the routes need.
type Services struct {
	Auth       *auth.Service
	Limiter    *ratelimit.Limiter
	Engine     *engine.Service
	Batches    *batch.Orchestrator
	Dispatcher *stream.Dispatcher
	Catalog    *catalog.Catalog
	Sources    *source.Registry
	Cache      *resultcache.Cache
	Analytics  *analytics.Service
	Ping       func(ctx context.Context) error
}

// Server is the gateway http server.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	config Config

	auth    *auth.Service
	limiter *ratelimit.Limiter

	listener net.Listener
	http     http.Server

	shapers map[string]http.Handler
}

// NewServer wires the routes and returns the server.
func NewServer(log *zap.Logger, config Config, services Services, listener net.Listener) *Server {
	server := &Server{
		log:      log,
		config:   config,
		auth:     services.Auth,
		limiter:  services.Limiter,
		listener: listener,
		shapers:  make(map[string]http.Handler),
	}

	router := mux.NewRouter()
	router.NotFoundHandler = controllers.NewNotFound(log)

	health := controllers.NewHealth(log,
		controllers.Dependency{Name: "store", Check: services.Ping},
		controllers.Dependency{Name: "cache", Check: services.Cache.Ping},
	)
	router.HandleFunc("/health", health.Check).Methods(http.MethodGet)
	router.HandleFunc("/v1/health", health.Check).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.NotFoundHandler = controllers.NewNotFound(log)
	api.Use(server.withAuth)

	query := controllers.NewQuery(log, services.Engine)
	api.HandleFunc("/query", server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, query.Run))).Methods(http.MethodPost)
	api.HandleFunc("/sql", server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleAnalyst, query.RunSQL))).Methods(http.MethodPost)

	streams := controllers.NewStream(log, services.Engine, services.Dispatcher)
	api.HandleFunc("/stream", server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, streams.Run))).Methods(http.MethodPost)
	api.HandleFunc("/query/stream", server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, streams.Run))).Methods(http.MethodPost)
	api.HandleFunc("/query/ws", server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, streams.Socket))).Methods(http.MethodGet)

	batches := controllers.NewBatch(log, services.Batches)
	api.HandleFunc("/batch", server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, batches.Run))).Methods(http.MethodPost)

	nlq := controllers.NewNLQ(log, services.Engine)
	api.HandleFunc("/nlq", server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, nlq.Translate))).Methods(http.MethodPost)
	api.HandleFunc("/translate", server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, nlq.Translate))).Methods(http.MethodPost)

	datasets := controllers.NewDatasets(log, services.Catalog)
	api.HandleFunc("/datasets", server.withRateLimit(ratelimit.ClassCatalog,
		server.requireRole(auth.RoleViewer, datasets.List))).Methods(http.MethodGet)
	api.HandleFunc("/datasets/{id}", server.withRateLimit(ratelimit.ClassCatalog,
		server.requireRole(auth.RoleViewer, datasets.Get))).Methods(http.MethodGet)
	api.HandleFunc("/introspection/datasets", server.withRateLimit(ratelimit.ClassCatalog,
		server.requireRole(auth.RoleViewer, datasets.List))).Methods(http.MethodGet)
	api.HandleFunc("/introspection/datasets/{id}", server.withRateLimit(ratelimit.ClassCatalog,
		server.requireRole(auth.RoleViewer, datasets.Get))).Methods(http.MethodGet)

	stats := controllers.NewAnalytics(log, services.Analytics)
	api.HandleFunc("/analytics", server.withRateLimit(ratelimit.ClassCatalog,
		server.requireRole(auth.RoleViewer, stats.Stats))).Methods(http.MethodGet)
	api.HandleFunc("/analytics/recent-queries", server.withRateLimit(ratelimit.ClassCatalog,
		server.requireRole(auth.RoleViewer, stats.Recent))).Methods(http.MethodGet)
	api.HandleFunc("/stats", server.withRateLimit(ratelimit.ClassCatalog,
		server.requireRole(auth.RoleViewer, stats.Stats))).Methods(http.MethodGet)
	api.HandleFunc("/queries/recent", server.withRateLimit(ratelimit.ClassCatalog,
		server.requireRole(auth.RoleViewer, stats.Recent))).Methods(http.MethodGet)

	sources := controllers.NewSources(log, services.Sources)
	api.HandleFunc("/sources", server.withRateLimit(ratelimit.ClassSources,
		server.requireRole(auth.RoleAdmin, sources.Add))).Methods(http.MethodPost)
	api.HandleFunc("/sources", server.withRateLimit(ratelimit.ClassSources,
		server.requireRole(auth.RoleAdmin, sources.List))).Methods(http.MethodGet)
	api.HandleFunc("/sources/{id}", server.withRateLimit(ratelimit.ClassSources,
		server.requireRole(auth.RoleAdmin, sources.Get))).Methods(http.MethodGet)
	api.HandleFunc("/sources/{id}", server.withRateLimit(ratelimit.ClassSources,
		server.requireRole(auth.RoleAdmin, sources.Delete))).Methods(http.MethodDelete)
	api.HandleFunc("/sources/{id}/ping", server.withRateLimit(ratelimit.ClassSources,
		server.requireRole(auth.RoleAdmin, sources.Ping))).Methods(http.MethodPost)

	keys := controllers.NewKeys(log, services.Auth)
	api.HandleFunc("/keys", server.withRateLimit(ratelimit.ClassAdmin,
		server.requireRole(auth.RoleAdmin, keys.Create))).Methods(http.MethodPost)
	api.HandleFunc("/keys", server.withRateLimit(ratelimit.ClassAdmin,
		server.requireRole(auth.RoleAdmin, keys.List))).Methods(http.MethodGet)
	api.HandleFunc("/keys/{hash}", server.withRateLimit(ratelimit.ClassAdmin,
		server.requireRole(auth.RoleAdmin, keys.Revoke))).Methods(http.MethodDelete)

	admin := controllers.NewAdmin(log, services.Catalog, services.Cache)
	api.HandleFunc("/admin/cache/clear", server.withRateLimit(ratelimit.ClassAdmin,
		server.requireRole(auth.RoleAdmin, admin.ClearCache))).Methods(http.MethodPost)
	api.HandleFunc("/admin/catalog/reload", server.withRateLimit(ratelimit.ClassAdmin,
		server.requireRole(auth.RoleAdmin, admin.ReloadCatalog))).Methods(http.MethodPost)

	// the operator surface lives outside /v1 but still authenticates
	metrics := controllers.NewMetrics(log)
	operator := router.PathPrefix("/admin").Subrouter()
	operator.NotFoundHandler = controllers.NewNotFound(log)
	operator.Use(server.withAuth)
	operator.HandleFunc("/cache/clear", server.withRateLimit(ratelimit.ClassAdmin,
		server.requireRole(auth.RoleAdmin, admin.ClearCache))).Methods(http.MethodPost)
	operator.HandleFunc("/catalog/reload", server.withRateLimit(ratelimit.ClassAdmin,
		server.requireRole(auth.RoleAdmin, admin.ReloadCatalog))).Methods(http.MethodPost)
	operator.HandleFunc("/stats", server.withRateLimit(ratelimit.ClassAdmin,
		server.requireRole(auth.RoleAdmin, metrics.Stats))).Methods(http.MethodGet)

	// protocol shapers answer not-implemented until one registers
	api.PathPrefix("/graphql").Handler(server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, server.shaperHandler("graphql").ServeHTTP)))
	api.PathPrefix("/odata").Handler(server.withRateLimit(ratelimit.ClassOData,
		server.requireRole(auth.RoleViewer, server.shaperHandler("odata").ServeHTTP)))
	api.PathPrefix("/tableau").Handler(server.withRateLimit(ratelimit.ClassQuery,
		server.requireRole(auth.RoleViewer, server.shaperHandler("tableau").ServeHTTP)))
	router.PathPrefix("/graphql").Handler(server.shaperHandler("graphql"))
	router.PathPrefix("/odata").Handler(server.shaperHandler("odata"))
	router.PathPrefix("/tableau").Handler(server.shaperHandler("tableau"))

	server.http = http.Server{
		Handler: server.withLogging(router),
	}

	return server
}

// RegisterShaper mounts an external protocol surface under its prefix.
// Registration happens at wiring time, before Run.
func (server *Server) RegisterShaper(name string, handler http.Handler) {
	server.shapers[name] = handler
}

// shaperHandler serves a registered shaper or not-implemented.
func (server *Server) shaperHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler := server.shapers[name]; handler != nil {
			handler.ServeHTTP(w, r)
			return
		}
		controllers.ServeError(server.log, w, apierr.NotImplemented("the "+name+" surface"))
	})
}

// Run serves the api until the context is cancelled.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group

	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.http.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.http.Serve(server.listener)
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	})

	return group.Wait()
}

// Close shuts the server down.
func (server *Server) Close() error {
	return Error.Wrap(server.http.Close())
}

// Addr returns the bound listener address.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}
