// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/environment"
)

var metricsOnce sync.Once

// InitMetrics registers process environment statistics with the default
// monkit registry. Stats are served by the admin stats endpoint.
func InitMetrics() {
	metricsOnce.Do(func() {
		environment.Register(monkit.Default)
	})
}
