// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"

	"setupranali.io/setupranali/gateway/apierr"
)

type contextKey int

const identityKey contextKey = iota

// WithIdentity stamps the resolved identity onto the request context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// FromContext returns the identity stamped onto the context.
func FromContext(ctx context.Context) (Identity, error) {
	identity, ok := ctx.Value(identityKey).(Identity)
	if !ok {
		return Identity{}, apierr.Unauthenticated("no identity on request")
	}
	return identity, nil
}
