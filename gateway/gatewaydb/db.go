// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package gatewaydb opens the gateway's embedded state: a bolt file for
// sources and API keys, and a sqlite file for query analytics.
package gatewaydb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/source"
	"setupranali.io/setupranali/private/migrate"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("gatewaydb")

var (
	bucketSources = []byte("sources")
	bucketAPIKeys = []byte("apikeys")
)

// Config holds the embedded store configuration.
type Config struct {
	Dir string `help:"directory holding the gateway state files" default:"$CONFDIR"`
}

// DB bundles the embedded stores behind the gateway's master interface.
type DB struct {
	log *zap.Logger

	state     *bolt.DB
	analytics *sql.DB
}

// Open opens (creating as needed) the state files under the configured
// directory.
func Open(log *zap.Logger, config Config) (*DB, error) {
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, Error.Wrap(err)
	}

	state, err := bolt.Open(filepath.Join(config.Dir, "gateway.db"), 0o600,
		&bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	analyticsDB, err := sql.Open("sqlite3",
		"file:"+filepath.Join(config.Dir, "analytics.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		_ = state.Close()
		return nil, Error.Wrap(err)
	}
	// sqlite allows one writer; the recorder is the single writer and
	// readers share the WAL snapshot
	analyticsDB.SetMaxOpenConns(4)

	return &DB{log: log, state: state, analytics: analyticsDB}, nil
}

// MigrateToLatest creates buckets and runs the sqlite schema steps.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	err := db.state.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSources); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAPIKeys)
		return err
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return db.analyticsMigration().Run(ctx, db.log)
}

func (db *DB) analyticsMigration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db.analytics,
				Description: "create query_records",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE query_records (
						id          TEXT NOT NULL PRIMARY KEY,
						dataset     TEXT NOT NULL,
						tenant      TEXT NOT NULL,
						dimensions  TEXT NOT NULL DEFAULT '',
						metrics     TEXT NOT NULL DEFAULT '',
						duration_ms INTEGER NOT NULL,
						rows        INTEGER NOT NULL,
						cache_hit   INTEGER NOT NULL,
						success     INTEGER NOT NULL,
						error_code  TEXT NOT NULL DEFAULT '',
						started_at  TIMESTAMP NOT NULL,
						source_ip   TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX idx_query_records_started ON query_records(started_at)`,
					`CREATE INDEX idx_query_records_tenant ON query_records(tenant, started_at)`,
				},
			},
		},
	}
}

// APIKeys returns the API key store.
func (db *DB) APIKeys() auth.DB { return &apikeysDB{state: db.state} }

// Sources returns the source store.
func (db *DB) Sources() source.DB { return &sourcesDB{state: db.state} }

// Analytics returns the query record store.
func (db *DB) Analytics() analytics.DB { return &analyticsDB{db: db.analytics} }

// Ping verifies both stores answer.
func (db *DB) Ping(ctx context.Context) error {
	err := db.state.View(func(tx *bolt.Tx) error { return nil })
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.analytics.PingContext(ctx))
}

// Close closes both stores.
func (db *DB) Close() error {
	return Error.Wrap(errs.Combine(db.state.Close(), db.analytics.Close()))
}
