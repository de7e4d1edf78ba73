// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package source manages upstream databases: encrypted credentials, the
// per-source connection pools, and checkout admission.
package source

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"setupranali.io/setupranali/gateway/dialect"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("source")

// Source is a registered upstream database. DSN holds the encrypted
// connection blob; the plaintext never leaves the registry.
type Source struct {
	ID           string            `json:"id"`
	Kind         dialect.Kind      `json:"kind"`
	EncryptedDSN []byte            `json:"-"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Validate checks the source invariants.
func (s *Source) Validate() error {
	if s.ID == "" {
		return Error.New("source id is required")
	}
	if _, err := dialect.ForKind(s.Kind); err != nil {
		return err
	}
	if len(s.EncryptedDSN) == 0 {
		return Error.New("source %q: connection string is required", s.ID)
	}
	return nil
}

// DB persists sources by id.
type DB interface {
	Put(ctx context.Context, source *Source) error
	Get(ctx context.Context, id string) (*Source, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Source, error)
}
