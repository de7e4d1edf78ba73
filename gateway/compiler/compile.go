// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package compiler turns semantic queries into dialect SQL with bound
// parameters. Identifiers and expressions come only from the catalog; user
// input reaches the statement exclusively through parameters.
package compiler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/catalog"
	"setupranali.io/setupranali/gateway/dialect"
	"setupranali.io/setupranali/gateway/executor"
)

var (
	// Error is the class of errors returned by this package.
	Error = errs.Class("compiler")

	mon = monkit.Package()
)

// Principal is the tenant scope a query compiles under.
type Principal struct {
	Tenant    string
	BypassRLS bool
}

// Caps are the row bounds applied during compilation.
type Caps struct {
	MaxRows      int
	DefaultLimit int
}

// Plan is a compiled, dialect-rewritten statement ready for execution.
type Plan struct {
	SQL     string
	Params  []interface{}
	Columns []executor.Column

	// Limit is the effective row limit after clamping.
	Limit int
}

var bareIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// expr renders a catalog expression canonically: bare identifiers are
// quoted so dialect rewriting applies, anything else passes through as the
// catalog author wrote it.
func expr(e string) string {
	if bareIdent.MatchString(e) {
		parts := strings.Split(e, ".")
		for i, p := range parts {
			parts[i] = `"` + p + `"`
		}
		return strings.Join(parts, ".")
	}
	return e
}

// Compile builds the dialect statement for the request. The returned plan
// contains the rewritten SQL, the bound parameters in placeholder order,
// and the expected result columns.
func Compile(ctx context.Context, ds *catalog.Dataset, req *QueryRequest, principal Principal, desc dialect.Descriptor, caps Caps) (_ *Plan, err error) {
	defer mon.Task()(&ctx)(&err)

	sel, columns, err := selectList(ds, req)
	if err != nil {
		return nil, err
	}

	limit, offset, err := bounds(req, caps)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(sel, ", "))
	b.WriteString(" FROM ")
	if ds.Table != "" {
		b.WriteString(expr(ds.Table))
	} else {
		b.WriteString("(")
		b.WriteString(strings.TrimRight(strings.TrimSpace(ds.SQL), ";"))
		b.WriteString(`) AS "base"`)
	}

	params := make([]interface{}, 0, len(req.Filters)+1)

	where, params, err := whereClause(ds, req.Filters, principal, desc, params)
	if err != nil {
		return nil, err
	}
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	if len(req.Dimensions) > 0 {
		groups := make([]string, 0, len(req.Dimensions))
		for _, name := range req.Dimensions {
			groups = append(groups, expr(ds.Dimension(name).Expr))
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groups, ", "))
	}

	hasOrderBy := len(req.OrderBy) > 0
	if hasOrderBy {
		clauses, err := orderByClauses(req, columns)
		if err != nil {
			return nil, err
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(clauses, ", "))
	}

	sql, err := desc.ApplyLimit(b.String(), limit, offset, hasOrderBy)
	if err != nil {
		return nil, apierr.Validation("offset", err.Error())
	}

	return &Plan{
		SQL:     desc.Rewrite(sql),
		Params:  params,
		Columns: columns,
		Limit:   limit,
	}, nil
}

func selectList(ds *catalog.Dataset, req *QueryRequest) ([]string, []executor.Column, error) {
	if len(req.Dimensions) == 0 && len(req.Metrics) == 0 {
		return nil, nil, apierr.BadRequest("query must select at least one dimension or metric")
	}
	if len(req.Metrics) == 0 {
		return nil, nil, apierr.BadRequest(
			"a grouped query needs at least one metric; add one such as a COUNT")
	}

	sel := make([]string, 0, len(req.Dimensions)+len(req.Metrics))
	columns := make([]executor.Column, 0, cap(sel))
	seen := make(map[string]bool, cap(sel))

	for _, name := range req.Dimensions {
		dim := ds.Dimension(name)
		if dim == nil {
			return nil, nil, apierr.Validation("dimensions",
				fmt.Sprintf("unknown dimension %q in dataset %q", name, ds.ID))
		}
		if seen[name] {
			return nil, nil, apierr.Validation("dimensions", fmt.Sprintf("duplicate field %q", name))
		}
		seen[name] = true
		sel = append(sel, expr(dim.Expr)+` AS "`+name+`"`)
		columns = append(columns, executor.Column{Name: name, Type: string(dim.Type)})
	}

	for _, name := range req.Metrics {
		metric := ds.Metric(name)
		if metric == nil {
			return nil, nil, apierr.Validation("metrics",
				fmt.Sprintf("unknown metric %q in dataset %q", name, ds.ID))
		}
		if seen[name] {
			return nil, nil, apierr.Validation("metrics", fmt.Sprintf("duplicate field %q", name))
		}
		seen[name] = true
		sel = append(sel, metric.Expr+` AS "`+name+`"`)
		columns = append(columns, executor.Column{Name: name, Type: string(metric.Type)})
	}

	return sel, columns, nil
}

func bounds(req *QueryRequest, caps Caps) (limit, offset int, err error) {
	limit = req.Limit
	switch {
	case limit < 0:
		return 0, 0, apierr.Validation("limit", "must be positive")
	case limit == 0:
		limit = caps.DefaultLimit
	}
	if caps.MaxRows > 0 && limit > caps.MaxRows {
		limit = caps.MaxRows
	}
	if req.Offset < 0 {
		return 0, 0, apierr.Validation("offset", "must not be negative")
	}
	return limit, req.Offset, nil
}

func whereClause(ds *catalog.Dataset, filters []Filter, principal Principal, desc dialect.Descriptor, params []interface{}) (string, []interface{}, error) {
	var predicates []string

	for i := range filters {
		pred, newParams, err := renderFilter(ds, &filters[i], desc, params)
		if err != nil {
			return "", nil, err
		}
		if pred != "" {
			predicates = append(predicates, pred)
		}
		params = newParams
	}

	if ds.RLS != nil && !principal.BypassRLS {
		predicates = append(predicates, expr(ds.RLS.Field)+" = ?")
		params = append(params, principal.Tenant)
	}

	return strings.Join(predicates, " AND "), params, nil
}

func orderByClauses(req *QueryRequest, columns []executor.Column) ([]string, error) {
	selected := make(map[string]bool, len(columns))
	for _, col := range columns {
		selected[col.Name] = true
	}

	clauses := make([]string, 0, len(req.OrderBy))
	for _, ob := range req.OrderBy {
		if !selected[ob.Field] {
			return nil, apierr.Validation("order_by",
				fmt.Sprintf("field %q is not part of the selected dimensions or metrics", ob.Field))
		}
		dir := "ASC"
		switch strings.ToLower(ob.Direction) {
		case "", "asc":
		case "desc":
			dir = "DESC"
		default:
			return nil, apierr.Validation("order_by",
				fmt.Sprintf("direction %q must be asc or desc", ob.Direction))
		}
		clauses = append(clauses, `"`+ob.Field+`" `+dir)
	}
	return clauses, nil
}

type opSpec struct {
	template  string // with %s for the expression
	needsList bool
	arity     int // exact list length, 0 for any
	noValue   bool
	types     map[catalog.Type]bool
}

var scalarTypes = map[catalog.Type]bool{
	catalog.TypeString: true, catalog.TypeNumber: true,
	catalog.TypeDate: true, catalog.TypeDatetime: true, catalog.TypeBoolean: true,
}

var orderedTypes = map[catalog.Type]bool{
	catalog.TypeString: true, catalog.TypeNumber: true,
	catalog.TypeDate: true, catalog.TypeDatetime: true,
}

var rangeTypes = map[catalog.Type]bool{
	catalog.TypeNumber: true, catalog.TypeDate: true, catalog.TypeDatetime: true,
}

var opSpecs = map[Op]opSpec{
	OpEq:        {template: "%s = ?", types: scalarTypes},
	OpNe:        {template: "%s <> ?", types: scalarTypes},
	OpGt:        {template: "%s > ?", types: orderedTypes},
	OpGe:        {template: "%s >= ?", types: orderedTypes},
	OpLt:        {template: "%s < ?", types: orderedTypes},
	OpLe:        {template: "%s <= ?", types: orderedTypes},
	OpLike:      {template: "%s LIKE ?", types: map[catalog.Type]bool{catalog.TypeString: true}},
	OpIn:        {template: "%s IN (%s)", needsList: true, types: scalarTypes},
	OpNotIn:     {template: "%s NOT IN (%s)", needsList: true, types: scalarTypes},
	OpBetween:   {template: "%s BETWEEN ? AND ?", needsList: true, arity: 2, types: rangeTypes},
	OpIsNull:    {template: "%s IS NULL", noValue: true, types: scalarTypes},
	OpIsNotNull: {template: "%s IS NOT NULL", noValue: true, types: scalarTypes},
}

func renderFilter(ds *catalog.Dataset, f *Filter, desc dialect.Descriptor, params []interface{}) (string, []interface{}, error) {
	dim := ds.Dimension(f.Field)
	if dim == nil {
		if ds.Metric(f.Field) != nil {
			return "", nil, apierr.Validation("filters",
				fmt.Sprintf("%q is a metric; metric filters are only supported through raw SQL", f.Field))
		}
		return "", nil, apierr.Validation("filters",
			fmt.Sprintf("unknown dimension %q in dataset %q", f.Field, ds.ID))
	}

	op, err := ParseOp(f.Op)
	if err != nil {
		return "", nil, err
	}
	spec := opSpecs[op]

	if !spec.types[dim.Type] {
		return "", nil, apierr.Validation("filters",
			fmt.Sprintf("operator %q does not apply to %s dimension %q", op, dim.Type, f.Field))
	}

	target := expr(dim.Expr)

	if spec.noValue {
		if f.Value != nil {
			return "", nil, apierr.Validation("filters",
				fmt.Sprintf("operator %q takes no value", op))
		}
		return fmt.Sprintf(spec.template, target), params, nil
	}

	value, err := NormalizeValue(f.Value)
	if err != nil {
		return "", nil, err
	}

	if spec.needsList {
		list, ok := value.([]interface{})
		if !ok {
			return "", nil, apierr.Validation("filters",
				fmt.Sprintf("operator %q requires a list value", op))
		}
		if spec.arity > 0 && len(list) != spec.arity {
			return "", nil, apierr.Validation("filters",
				fmt.Sprintf("operator %q requires exactly %d values", op, spec.arity))
		}

		if op == OpIn && len(list) == 0 {
			// empty IN list matches nothing
			return "1 = 0", params, nil
		}
		if op == OpNotIn && len(list) == 0 {
			return "", params, nil
		}

		values := make([]interface{}, 0, len(list))
		for _, item := range list {
			bound, err := bindValue(dim.Type, item, desc)
			if err != nil {
				return "", nil, err
			}
			values = append(values, bound)
		}

		if op == OpBetween {
			return fmt.Sprintf(spec.template, target), append(params, values...), nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		return fmt.Sprintf(spec.template, target, marks), append(params, values...), nil
	}

	bound, err := bindValue(dim.Type, value, desc)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf(spec.template, target), append(params, bound), nil
}

// bindValue checks the value against the dimension type and renders dates
// in the dialect's literal format.
func bindValue(t catalog.Type, v interface{}, desc dialect.Descriptor) (interface{}, error) {
	switch t {
	case catalog.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, apierr.Validation("filters", "string dimension requires a string value")
		}
		return s, nil
	case catalog.TypeNumber:
		switch v.(type) {
		case int64, float64:
			return v, nil
		}
		return nil, apierr.Validation("filters", "number dimension requires a numeric value")
	case catalog.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, apierr.Validation("filters", "boolean dimension requires a boolean value")
		}
		return b, nil
	case catalog.TypeDate, catalog.TypeDatetime:
		s, ok := v.(string)
		if !ok {
			return nil, apierr.Validation("filters", "date dimension requires an ISO-8601 string")
		}
		parsed, err := parseTime(s)
		if err != nil {
			return nil, apierr.Validation("filters", fmt.Sprintf("cannot parse %q as a date", s))
		}
		if t == catalog.TypeDate {
			return parsed.Format(desc.DateFormat), nil
		}
		return parsed.Format(desc.DateTimeFormat), nil
	default:
		return nil, apierr.Validation("filters", fmt.Sprintf("unsupported dimension type %q", t))
	}
}

var timeLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, Error.New("unrecognized time %q", s)
}
