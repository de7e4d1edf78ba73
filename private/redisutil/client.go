// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package redisutil opens and verifies redis clients from config URLs.
package redisutil

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("redisutil")

// OpenClient connects to redis with the given options and verifies the
// connection with a ping.
func OpenClient(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %w", errs.Combine(err, client.Close()))
	}
	return client, nil
}

// OpenClientFrom connects to redis from an address string of the form
// "redis://[:password@]host:port[/db]".
func OpenClientFrom(ctx context.Context, address string) (*redis.Client, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return OpenClient(ctx, opts)
}
