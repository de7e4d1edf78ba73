// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package gateway

import (
	"context"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/source"
)

// DB is the gateway's embedded persistence: api keys, registered sources,
// and the query audit store.
type DB interface {
	// MigrateToLatest initializes the schema.
	MigrateToLatest(ctx context.Context) error

	// APIKeys returns the api key store.
	APIKeys() auth.DB
	// Sources returns the registered source store.
	Sources() source.DB
	// Analytics returns the query audit store.
	Analytics() analytics.DB

	// Ping verifies the stores are reachable.
	Ping(ctx context.Context) error
	// Close releases the stores.
	Close() error
}
