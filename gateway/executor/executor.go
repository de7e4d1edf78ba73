// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package executor runs compiled SQL against a checked-out upstream
// connection and materializes columnar results.
package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/source"
)

var (
	// Error is the class of errors returned by this package.
	Error = errs.Class("executor")

	mon = monkit.Package()
)

// Caps bound a single execution.
type Caps struct {
	MaxRows      int
	QueryTimeout time.Duration
}

const (
	maxAttempts = 3
	backoffBase = 50 * time.Millisecond
)

// Run executes the statement and materializes the result, bounded by the
// caps. Transient upstream failures retry with backoff; the operation is
// always a read, so retrying is safe.
func Run(ctx context.Context, handle *source.Handle, sqlText string, params []interface{}, expected []Column, caps Caps) (_ *QueryResult, err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()

	ctx, cancel := applyTimeout(ctx, caps.QueryTimeout)
	defer cancel()

	if millis := remainingMillis(ctx); millis > 0 && handle.Desc.SupportsSessions {
		if stmt := handle.Desc.TimeoutStatement(millis); stmt != "" {
			if _, err := handle.Conn.ExecContext(ctx, stmt); err != nil {
				return nil, upstreamErr(handle.SourceID, err)
			}
		}
	}

	var rows *sql.Rows
	for attempt := 0; ; attempt++ {
		rows, err = handle.Conn.QueryContext(ctx, sqlText, params...)
		if err == nil {
			break
		}
		if attempt+1 >= maxAttempts || !transient(err) || ctx.Err() != nil {
			return nil, upstreamErr(handle.SourceID, err)
		}
		mon.Event("executor_retry")
		backoff := backoffBase << attempt
		backoff += time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, apierr.Wrap(ctx.Err())
		}
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	result, err := materialize(ctx, rows, expected, caps.MaxRows)
	if err != nil {
		return nil, err
	}

	result.Stats.DurationMS = time.Since(start).Milliseconds()
	mon.IntVal("executor_rows").Observe(int64(result.Stats.Rows))
	mon.DurationVal("executor_duration").Observe(time.Since(start))
	return result, nil
}

// Stream executes the statement and delivers rows in chunks of chunkSize
// without materializing the full result. It returns the total rows sent
// and whether maxRows truncated the stream.
func Stream(ctx context.Context, handle *source.Handle, sqlText string, params []interface{}, expected []Column, chunkSize, maxRows int, fn func(chunk [][]interface{}) error) (total int, truncated bool, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := handle.Conn.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return 0, false, upstreamErr(handle.SourceID, err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	columns, err := resultColumns(rows, expected)
	if err != nil {
		return 0, false, err
	}

	chunk := make([][]interface{}, 0, chunkSize)
	for rows.Next() {
		if ctx.Err() != nil {
			return total, false, apierr.Wrap(ctx.Err())
		}
		row, err := scanRow(rows, len(columns))
		if err != nil {
			return total, false, err
		}
		chunk = append(chunk, row)
		total++

		if len(chunk) == chunkSize {
			if err := fn(chunk); err != nil {
				return total, false, err
			}
			chunk = make([][]interface{}, 0, chunkSize)
		}
		if maxRows > 0 && total >= maxRows {
			truncated = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return total, truncated, upstreamErr(handle.SourceID, err)
	}
	if len(chunk) > 0 {
		if err := fn(chunk); err != nil {
			return total, truncated, err
		}
	}
	return total, truncated, nil
}

// Columns inspects the statement's result shape without requiring the
// catalog, used by the raw SQL path.
func Columns(rows *sql.Rows) ([]Column, error) {
	return resultColumns(rows, nil)
}

func materialize(ctx context.Context, rows *sql.Rows, expected []Column, maxRows int) (*QueryResult, error) {
	columns, err := resultColumns(rows, expected)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, apierr.Wrap(ctx.Err())
		}
		if maxRows > 0 && len(result.Rows) >= maxRows {
			return nil, apierr.GuardExceeded("row count", maxRows).
				WithSuggestion("narrow the query or stream the result")
		}
		row, err := scanRow(rows, len(columns))
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	result.Stats.Rows = len(result.Rows)
	return result, nil
}

// resultColumns prefers the compiler's expected columns and falls back to
// driver metadata for raw SQL.
func resultColumns(rows *sql.Rows, expected []Column) ([]Column, error) {
	if len(expected) > 0 {
		return expected, nil
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	columns := make([]Column, len(types))
	for i, ct := range types {
		columns[i] = Column{Name: ct.Name(), Type: canonicalType(ct.DatabaseTypeName())}
	}
	return columns, nil
}

func scanRow(rows *sql.Rows, width int) ([]interface{}, error) {
	raw := make([]interface{}, width)
	ptrs := make([]interface{}, width)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, Error.Wrap(err)
	}
	for i, v := range raw {
		raw[i] = normalizeValue(v)
	}
	return raw, nil
}

// normalizeValue maps driver values onto the canonical serializable set:
// nil, bool, int64, float64, string.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, bool, int64, float64, string:
		return val
	case []byte:
		return string(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format("2006-01-02")
		}
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// canonicalType folds a driver's type name into the canonical set.
func canonicalType(dbType string) string {
	switch t := strings.ToUpper(dbType); {
	case strings.Contains(t, "BOOL"):
		return "boolean"
	case strings.Contains(t, "TIMESTAMP"), strings.Contains(t, "DATETIME"):
		return "datetime"
	case strings.Contains(t, "DATE"):
		return "date"
	case strings.Contains(t, "INT"), strings.Contains(t, "FLOAT"), strings.Contains(t, "DOUBLE"),
		strings.Contains(t, "DECIMAL"), strings.Contains(t, "NUMERIC"), strings.Contains(t, "NUMBER"),
		strings.Contains(t, "REAL"):
		return "number"
	default:
		return "string"
	}
}

// transient reports whether the failure is worth a bounded retry.
func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection refused")
}

func applyTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func remainingMillis(ctx context.Context) int64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(deadline).Milliseconds()
}

func upstreamErr(sourceID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.UpstreamTimeout(sourceID)
	}
	if errors.Is(err, context.Canceled) {
		return apierr.Cancelled()
	}
	return apierr.UpstreamError(sourceID, err)
}
