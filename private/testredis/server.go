// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package testredis provides an in-process redis server for tests.
package testredis

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("testredis")

// Server is an in-process redis instance.
type Server struct {
	mini *miniredis.Miniredis
}

// Start starts an in-process redis server.
func Start(ctx context.Context) (*Server, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Server{mini: mini}, nil
}

// Addr returns the host:port of the server.
func (server *Server) Addr() string { return server.mini.Addr() }

// URL returns the address in redis URL form.
func (server *Server) URL() string { return "redis://" + server.mini.Addr() }

// FastForward advances the server clock, expiring TTLs.
func (server *Server) FastForward(d time.Duration) { server.mini.FastForward(d) }

// Close shuts the server down.
func (server *Server) Close() error {
	server.mini.Close()
	return nil
}
