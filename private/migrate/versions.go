// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package migrate implements versioned SQL schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("migrate")

// Migration describes migration steps sharing one version table.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single step in a migration.
type Step struct {
	DB          *sql.DB
	Description string
	Version     int // Versions start at 0.
	Action      Action
}

// Action is something that needs to be done.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, db *sql.DB, tx *sql.Tx) error
}

// SQL statements that are executed as an action, one by one.
type SQL []string

// Run runs the SQL statements inside the step transaction.
func (sql SQL) Run(ctx context.Context, log *zap.Logger, db *sql.DB, tx *sql.Tx) error {
	for _, query := range sql {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary operation run as a migration step.
type Func func(ctx context.Context, log *zap.Logger, db *sql.DB, tx *sql.Tx) error

// Run runs the migration function.
func (fn Func) Run(ctx context.Context, log *zap.Logger, db *sql.DB, tx *sql.Tx) error {
	return fn(ctx, log, db, tx)
}

// TargetVersion returns a migration with steps up to the specified version.
func (migration *Migration) TargetVersion(version int) *Migration {
	m := *migration
	m.Steps = nil
	for _, step := range migration.Steps {
		if step.Version <= version {
			m.Steps = append(m.Steps, step)
		}
	}
	return &m
}

// ValidTableName checks whether the specified table name is valid.
func (migration *Migration) ValidTableName() error {
	matched, err := regexp.MatchString(`^[a-z_]+$`, migration.Table)
	if !matched || err != nil {
		return Error.New("invalid table name: %v", migration.Table)
	}
	return nil
}

// ValidateSteps checks that the version of each migration step increments in order.
func (migration *Migration) ValidateSteps() error {
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version <= migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// Run runs all unapplied migration steps.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger) error {
	err := migration.ValidTableName()
	if err != nil {
		return err
	}
	if err := migration.ValidateSteps(); err != nil {
		return err
	}

	for _, step := range migration.Steps {
		if step.DB == nil {
			return Error.New("step.DB is nil for step %d", step.Version)
		}
		if err := migration.ensureVersionTable(ctx, step.DB); err != nil {
			return Error.New("creating version table failed: %w", err)
		}

		version, err := migration.getLatestVersion(ctx, step.DB)
		if err != nil {
			return Error.Wrap(err)
		}
		if step.Version <= version {
			continue
		}

		stepLog := log.Named(migration.Table)
		stepLog.Info("Running migration",
			zap.Int("version", step.Version),
			zap.String("description", step.Description),
		)

		tx, err := step.DB.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}

		err = step.Action.Run(ctx, stepLog, step.DB, tx)
		if err == nil {
			err = migration.addVersion(ctx, tx, step.Version)
		}
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
	}

	return nil
}

// CurrentVersion returns the latest applied migration version.
func (migration *Migration) CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	if err := migration.ensureVersionTable(ctx, db); err != nil {
		return -1, Error.Wrap(err)
	}
	return migration.getLatestVersion(ctx, db)
}

func (migration *Migration) ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS `+migration.Table+` (version int, commited_at text)`)
	return Error.Wrap(err)
}

func (migration *Migration) getLatestVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) || !version.Valid {
		return -1, nil
	}
	return int(version.Int64), Error.Wrap(err)
}

func (migration *Migration) addVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+migration.Table+` (version, commited_at) VALUES (?, datetime('now'))`,
		version)
	return Error.Wrap(err)
}
