// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"setupranali.io/setupranali/gateway/analytics"
	"setupranali.io/setupranali/gateway/auth"
)

// analyticsDB stores query records in sqlite.
type analyticsDB struct {
	db *sql.DB
}

func (db *analyticsDB) Append(ctx context.Context, records []*analytics.Record) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_records
			(id, dataset, tenant, dimensions, metrics, duration_ms, rows,
			 cache_hit, success, error_code, started_at, source_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, stmt.Close()) }()

	for _, rec := range records {
		_, err = stmt.ExecContext(ctx,
			rec.ID, rec.Dataset, rec.Tenant,
			strings.Join(rec.Dimensions, ","), strings.Join(rec.Metrics, ","),
			rec.DurationMS, rec.Rows,
			rec.CacheHit, rec.Success, rec.ErrorCode,
			rec.StartedAt.UTC(), rec.SourceIP)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(tx.Commit())
}

func (db *analyticsDB) Stats(ctx context.Context, tenant string, since time.Time) (stats analytics.Stats, err error) {
	scope, args := tenantScope(tenant, since)

	row := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
		       COALESCE(AVG(duration_ms), 0),
		       COALESCE(AVG(CASE WHEN cache_hit THEN 1.0 ELSE 0.0 END), 0)
		FROM query_records `+scope, args...)
	err = row.Scan(&stats.TotalQueries, &stats.SuccessRate, &stats.AvgDuration, &stats.CacheHitRate)
	if err != nil {
		return analytics.Stats{}, Error.Wrap(err)
	}

	rows, err := db.db.QueryContext(ctx, `
		SELECT dataset, COUNT(*) AS queries
		FROM query_records `+scope+`
		GROUP BY dataset ORDER BY queries DESC LIMIT 10`, args...)
	if err != nil {
		return analytics.Stats{}, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var top analytics.DatasetQueries
		if err := rows.Scan(&top.Dataset, &top.Queries); err != nil {
			return analytics.Stats{}, Error.Wrap(err)
		}
		stats.TopDatasets = append(stats.TopDatasets, top)
	}
	return stats, Error.Wrap(rows.Err())
}

func (db *analyticsDB) Recent(ctx context.Context, tenant string, limit int) (_ []*analytics.Record, err error) {
	scope, args := tenantScope(tenant, time.Time{})
	args = append(args, limit)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, dataset, tenant, dimensions, metrics, duration_ms, rows,
		       cache_hit, success, error_code, started_at, source_ip
		FROM query_records `+scope+`
		ORDER BY started_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var records []*analytics.Record
	for rows.Next() {
		rec := &analytics.Record{}
		var dims, mets string
		err := rows.Scan(&rec.ID, &rec.Dataset, &rec.Tenant, &dims, &mets,
			&rec.DurationMS, &rec.Rows, &rec.CacheHit, &rec.Success,
			&rec.ErrorCode, &rec.StartedAt, &rec.SourceIP)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		rec.Dimensions = splitList(dims)
		rec.Metrics = splitList(mets)
		records = append(records, rec)
	}
	return records, Error.Wrap(rows.Err())
}

func (db *analyticsDB) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM query_records WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	deleted, err := res.RowsAffected()
	return deleted, Error.Wrap(err)
}

// tenantScope builds the WHERE clause for a reader. The wildcard tenant
// sees all rows.
func tenantScope(tenant string, since time.Time) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if tenant != auth.AdminTenant {
		clauses = append(clauses, "tenant = ?")
		args = append(args, tenant)
	}
	if !since.IsZero() {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, since.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
