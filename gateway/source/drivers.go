// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package source

// The warehouse drivers register themselves under the names the dialect
// descriptors reference.
import (
	_ "github.com/ClickHouse/clickhouse-go/v2" // clickhouse
	_ "github.com/databricks/databricks-sql-go" // databricks
	_ "github.com/denisenkom/go-mssqldb"       // sqlserver
	_ "github.com/go-sql-driver/mysql"         // mysql
	_ "github.com/lib/pq"                      // postgres, redshift, cockroach
	_ "github.com/mattn/go-sqlite3"            // duckdb-compatible local files
	_ "github.com/sijms/go-ora/v2"             // oracle
	_ "github.com/snowflakedb/gosnowflake"     // snowflake
	_ "github.com/viant/bigquery"              // bigquery
)
