// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package sqlgate validates raw SQL before it may touch an upstream. Only a
// single read-only SELECT passes; everything else is rejected at the parse
// level, never by substring matching.
package sqlgate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pingcap/tidb/parser"
	"github.com/pingcap/tidb/parser/ast"
	_ "github.com/pingcap/tidb/parser/test_driver" // value expression impl for ast
	"github.com/spacemonkeygo/monkit/v3"

	"setupranali.io/setupranali/gateway/apierr"
)

var mon = monkit.Package()

var parsers = sync.Pool{
	New: func() interface{} { return parser.New() },
}

// Check validates that sql is exactly one read-only SELECT statement.
// Accepted: plain SELECTs, WITH (CTE) SELECTs, sub-SELECTs, UNION/INTERSECT/
// EXCEPT of SELECTs, and window functions. Rejected: comments of any form,
// multiple statements, DML, DDL, procedure calls, session/system commands,
// SELECT INTO, and locking clauses. Statements the grammar cannot verify
// are rejected as well.
func Check(ctx context.Context, sql string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if reason := findComment(sql); reason != "" {
		mon.Event("sqlgate_rejected")
		return apierr.SQLRejected(reason)
	}

	p := parsers.Get().(*parser.Parser)
	defer parsers.Put(p)

	stmts, _, err := p.ParseSQL(sql)
	if err != nil {
		mon.Event("sqlgate_rejected")
		return apierr.SQLRejected("statement could not be parsed").WithCause(err)
	}
	if len(stmts) == 0 {
		mon.Event("sqlgate_rejected")
		return apierr.SQLRejected("empty statement")
	}
	if len(stmts) > 1 {
		mon.Event("sqlgate_rejected")
		return apierr.SQLRejected("multiple statements are not allowed")
	}

	switch stmt := stmts[0].(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		visitor := &selectVisitor{}
		stmt.Accept(visitor)
		if visitor.reason != "" {
			mon.Event("sqlgate_rejected")
			return apierr.SQLRejected(visitor.reason)
		}
	default:
		mon.Event("sqlgate_rejected")
		return apierr.SQLRejected(fmt.Sprintf("%s is not a SELECT statement", statementName(stmts[0])))
	}

	mon.Event("sqlgate_accepted")
	return nil
}

// selectVisitor walks the statement tree looking for constructs that make a
// SELECT non-read-only.
type selectVisitor struct {
	reason string
}

// Enter implements ast.Visitor.
func (v *selectVisitor) Enter(n ast.Node) (ast.Node, bool) {
	switch node := n.(type) {
	case *ast.SelectStmt:
		if node.SelectIntoOpt != nil {
			v.reason = "SELECT INTO writes data"
		}
		if node.LockInfo != nil && node.LockInfo.LockType != ast.SelectLockNone {
			v.reason = "locking clauses are not allowed"
		}
	}
	return n, v.reason != ""
}

// Leave implements ast.Visitor.
func (v *selectVisitor) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}

func statementName(stmt ast.StmtNode) string {
	switch stmt.(type) {
	case *ast.InsertStmt:
		return "INSERT"
	case *ast.UpdateStmt:
		return "UPDATE"
	case *ast.DeleteStmt:
		return "DELETE"
	case *ast.TruncateTableStmt:
		return "TRUNCATE"
	case *ast.CallStmt:
		return "CALL"
	case *ast.SetStmt:
		return "SET"
	case *ast.ShowStmt:
		return "SHOW"
	case *ast.UseStmt:
		return "USE"
	case *ast.GrantStmt:
		return "GRANT"
	case *ast.RevokeStmt:
		return "REVOKE"
	case *ast.LoadDataStmt:
		return "LOAD DATA"
	case ast.DDLNode:
		return "DDL"
	default:
		return fmt.Sprintf("%T", stmt)
	}
}

// findComment scans for SQL comment tokens outside of quoted literals and
// quoted identifiers.
func findComment(sql string) string {
	var inSingle, inDouble, inBacktick bool

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case inSingle:
			if c == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					i++
					continue
				}
				inSingle = false
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			}
		case inBacktick:
			if c == '`' {
				inBacktick = false
			}
		default:
			switch c {
			case '\'':
				inSingle = true
			case '"':
				inDouble = true
			case '`':
				inBacktick = true
			case '-':
				if i+1 < len(sql) && sql[i+1] == '-' {
					return "comment tokens are not allowed"
				}
			case '#':
				return "comment tokens are not allowed"
			case '/':
				if i+1 < len(sql) && sql[i+1] == '*' {
					return "comment tokens are not allowed"
				}
			}
		}
	}

	if inSingle || inDouble || inBacktick {
		return "unterminated quoted literal"
	}
	return ""
}

// WrapRLS wraps a gated statement so that only the tenant's rows are
// visible. The tenant value binds as the last parameter, after any user
// supplied parameters inside the inner statement.
func WrapRLS(sql, field string) string {
	inner := strings.TrimRight(strings.TrimSpace(sql), "; \t\n")
	return fmt.Sprintf(`SELECT * FROM (%s) AS "u" WHERE "u"."%s" = ?`, inner, field)
}
