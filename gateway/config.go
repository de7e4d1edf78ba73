// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package gateway

import (
	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/batch"
	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/gateway/gatewaydb"
	"setupranali.io/setupranali/gateway/guard"
	"setupranali.io/setupranali/gateway/ratelimit"
	"setupranali.io/setupranali/gateway/resultcache"
	"setupranali.io/setupranali/gateway/source"
	"setupranali.io/setupranali/gateway/stream"
	"setupranali.io/setupranali/gateway/web"
)

// Config is the whole gateway configuration.
type Config struct {
	Server    web.Config
	Database  gatewaydb.Config
	Catalog   catalog.Config
	Auth      auth.Config
	RateLimit ratelimit.Config
	Guard     guard.Config
	Pool      source.PoolConfig
	Cache     resultcache.Config
	Stream    stream.Config
	Batch     batch.Config
	Analytics analytics.Config

	VaultKey string `help:"hex-encoded 32-byte aes key encrypting source credentials" default:"" setup:"true"`
}
