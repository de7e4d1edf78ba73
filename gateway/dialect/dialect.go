// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package dialect describes the SQL variants of the supported upstream
// engines as flat descriptor records. The compiler emits canonical SQL
// (double-quoted identifiers, `?` placeholders) and a single rewrite pass
// adapts it per descriptor; there are no per-engine code paths.
package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("dialect")

// Kind is the upstream engine kind.
type Kind string

// The supported upstream kinds.
const (
	Postgres   Kind = "postgres"
	MySQL      Kind = "mysql"
	Snowflake  Kind = "snowflake"
	BigQuery   Kind = "bigquery"
	Databricks Kind = "databricks"
	Redshift   Kind = "redshift"
	ClickHouse Kind = "clickhouse"
	DuckDB     Kind = "duckdb"
	SQLServer  Kind = "sqlserver"
	Oracle     Kind = "oracle"
	Cockroach  Kind = "cockroach"
)

// ParamStyle is the bound-parameter placeholder syntax.
type ParamStyle int

// The placeholder syntaxes in use across the supported engines.
const (
	ParamQuestion ParamStyle = iota // ?
	ParamDollar                     // $1
	ParamAt                         // @p1
	ParamColon                      // :1
)

// LimitStyle is the row limiting syntax.
type LimitStyle int

// The limit syntaxes in use across the supported engines.
const (
	LimitOffset LimitStyle = iota // LIMIT n OFFSET m
	LimitTop                      // SELECT TOP n ... / OFFSET FETCH
	LimitFetch                    // OFFSET m ROWS FETCH NEXT n ROWS ONLY
)

// TimeoutUnit is the unit the engine's statement timeout takes.
type TimeoutUnit int

// Statement timeout units.
const (
	TimeoutMillis TimeoutUnit = iota
	TimeoutSeconds
)

// Descriptor is the flat record of knobs describing one SQL dialect.
type Descriptor struct {
	Kind   Kind
	Driver string // database/sql driver name

	QuoteOpen  byte
	QuoteClose byte

	Params ParamStyle
	Limit  LimitStyle

	// DateFormat and DateTimeFormat are Go layouts used when binding
	// date-typed filter values provided as strings.
	DateFormat     string
	DateTimeFormat string

	// TimeoutQuery is a session statement applying a server-side
	// statement timeout; empty means the engine relies on client-side
	// cancellation only. It contains one %d verb.
	TimeoutQuery string
	TimeoutUnit  TimeoutUnit

	PingQuery string

	// SupportsSessions reports whether pinning a connection for
	// session-scoped statements is meaningful for this engine.
	SupportsSessions bool

	// SmallPool marks HTTP-backed warehouses that multiplex internally
	// and need only a few database/sql connections.
	SmallPool bool
}

var descriptors = map[Kind]Descriptor{
	Postgres: {
		Kind: Postgres, Driver: "postgres",
		QuoteOpen: '"', QuoteClose: '"',
		Params: ParamDollar, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05.999999Z07:00",
		TimeoutQuery: "SET statement_timeout = %d", TimeoutUnit: TimeoutMillis,
		PingQuery: "SELECT 1", SupportsSessions: true,
	},
	Cockroach: {
		Kind: Cockroach, Driver: "postgres",
		QuoteOpen: '"', QuoteClose: '"',
		Params: ParamDollar, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05.999999Z07:00",
		TimeoutQuery: "SET statement_timeout = '%dms'", TimeoutUnit: TimeoutMillis,
		PingQuery: "SELECT 1", SupportsSessions: true,
	},
	Redshift: {
		Kind: Redshift, Driver: "postgres",
		QuoteOpen: '"', QuoteClose: '"',
		Params: ParamDollar, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05",
		TimeoutQuery: "SET statement_timeout TO %d", TimeoutUnit: TimeoutMillis,
		PingQuery: "SELECT 1", SupportsSessions: true,
	},
	MySQL: {
		Kind: MySQL, Driver: "mysql",
		QuoteOpen: '`', QuoteClose: '`',
		Params: ParamQuestion, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05",
		TimeoutQuery: "SET SESSION MAX_EXECUTION_TIME = %d", TimeoutUnit: TimeoutMillis,
		PingQuery: "SELECT 1", SupportsSessions: true,
	},
	Snowflake: {
		Kind: Snowflake, Driver: "snowflake",
		QuoteOpen: '"', QuoteClose: '"',
		Params: ParamQuestion, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05.999",
		TimeoutQuery: "ALTER SESSION SET STATEMENT_TIMEOUT_IN_SECONDS = %d", TimeoutUnit: TimeoutSeconds,
		PingQuery: "SELECT 1", SupportsSessions: true, SmallPool: true,
	},
	BigQuery: {
		Kind: BigQuery, Driver: "bigquery",
		QuoteOpen: '`', QuoteClose: '`',
		Params: ParamQuestion, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05.999999",
		PingQuery: "SELECT 1", SmallPool: true,
	},
	Databricks: {
		Kind: Databricks, Driver: "databricks",
		QuoteOpen: '`', QuoteClose: '`',
		Params: ParamQuestion, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05.999",
		PingQuery: "SELECT 1", SmallPool: true,
	},
	ClickHouse: {
		Kind: ClickHouse, Driver: "clickhouse",
		QuoteOpen: '"', QuoteClose: '"',
		Params: ParamQuestion, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05",
		TimeoutQuery: "SET max_execution_time = %d", TimeoutUnit: TimeoutSeconds,
		PingQuery: "SELECT 1", SupportsSessions: true,
	},
	DuckDB: {
		Kind: DuckDB, Driver: "sqlite3",
		QuoteOpen: '"', QuoteClose: '"',
		Params: ParamQuestion, Limit: LimitOffset,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05",
		PingQuery: "SELECT 1",
	},
	SQLServer: {
		Kind: SQLServer, Driver: "sqlserver",
		QuoteOpen: '[', QuoteClose: ']',
		Params: ParamAt, Limit: LimitTop,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05",
		PingQuery: "SELECT 1", SupportsSessions: true,
	},
	Oracle: {
		Kind: Oracle, Driver: "oracle",
		QuoteOpen: '"', QuoteClose: '"',
		Params: ParamColon, Limit: LimitFetch,
		DateFormat: "2006-01-02", DateTimeFormat: "2006-01-02 15:04:05",
		PingQuery: "SELECT 1 FROM dual", SupportsSessions: true,
	},
}

// ForKind returns the descriptor for the given kind.
func ForKind(kind Kind) (Descriptor, error) {
	desc, ok := descriptors[kind]
	if !ok {
		return Descriptor{}, Error.New("unknown source kind %q", kind)
	}
	return desc, nil
}

// Kinds returns all supported kinds.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(descriptors))
	for kind := range descriptors {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Quote renders an identifier in the descriptor's quoting style. Dotted
// names quote each path segment separately.
func (desc Descriptor) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, part := range parts {
		parts[i] = string(desc.QuoteOpen) + part + string(desc.QuoteClose)
	}
	return strings.Join(parts, ".")
}

// Placeholder renders the n-th (1-based) parameter placeholder.
func (desc Descriptor) Placeholder(n int) string {
	switch desc.Params {
	case ParamDollar:
		return "$" + strconv.Itoa(n)
	case ParamAt:
		return "@p" + strconv.Itoa(n)
	case ParamColon:
		return ":" + strconv.Itoa(n)
	default:
		return "?"
	}
}

// Rewrite converts canonical SQL (double-quoted identifiers, `?`
// placeholders) into the descriptor's dialect. The scan is aware of single
// quoted string literals so their contents are never touched.
func (desc Descriptor) Rewrite(canonical string) string {
	var out strings.Builder
	out.Grow(len(canonical) + 16)

	param := 0
	inString := false
	inIdent := false

	for i := 0; i < len(canonical); i++ {
		c := canonical[i]

		if inString {
			out.WriteByte(c)
			if c == '\'' {
				// doubled quote is an escaped quote inside the literal
				if i+1 < len(canonical) && canonical[i+1] == '\'' {
					out.WriteByte('\'')
					i++
					continue
				}
				inString = false
			}
			continue
		}

		switch c {
		case '\'':
			inString = true
			out.WriteByte(c)
		case '"':
			if inIdent {
				out.WriteByte(desc.QuoteClose)
			} else {
				out.WriteByte(desc.QuoteOpen)
			}
			inIdent = !inIdent
		case '?':
			if inIdent {
				out.WriteByte(c)
				continue
			}
			param++
			out.WriteString(desc.Placeholder(param))
		default:
			out.WriteByte(c)
		}
	}

	return out.String()
}

// ApplyLimit appends the dialect's row limiting clause to the statement.
// hasOrderBy is needed because SQL Server only supports OFFSET as part of
// ORDER BY.
func (desc Descriptor) ApplyLimit(sql string, limit, offset int, hasOrderBy bool) (string, error) {
	switch desc.Limit {
	case LimitTop:
		if offset > 0 {
			if !hasOrderBy {
				return "", Error.New("offset requires order_by on %s", desc.Kind)
			}
			return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", sql, offset, limit), nil
		}
		if !strings.HasPrefix(sql, "SELECT ") {
			return "", Error.New("cannot apply TOP to statement")
		}
		return fmt.Sprintf("SELECT TOP %d %s", limit, sql[len("SELECT "):]), nil

	case LimitFetch:
		if offset > 0 {
			return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", sql, offset, limit), nil
		}
		return fmt.Sprintf("%s FETCH FIRST %d ROWS ONLY", sql, limit), nil

	default:
		out := fmt.Sprintf("%s LIMIT %d", sql, limit)
		if offset > 0 {
			out = fmt.Sprintf("%s OFFSET %d", out, offset)
		}
		return out, nil
	}
}

// TimeoutStatement renders the session statement applying the given
// timeout, or "" when the engine has none.
func (desc Descriptor) TimeoutStatement(millis int64) string {
	if desc.TimeoutQuery == "" {
		return ""
	}
	value := millis
	if desc.TimeoutUnit == TimeoutSeconds {
		value = (millis + 999) / 1000
	}
	return fmt.Sprintf(desc.TimeoutQuery, value)
}
