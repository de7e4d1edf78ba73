// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"setupranali.io/setupranali/gateway/apierr"
)

// QueryRequest is a semantic query against one dataset.
type QueryRequest struct {
	Dataset    string    `json:"dataset"`
	Dimensions []string  `json:"dimensions,omitempty"`
	Metrics    []string  `json:"metrics,omitempty"`
	Filters    []Filter  `json:"filters,omitempty"`
	OrderBy    []OrderBy `json:"order_by,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

// Filter restricts rows by one dimension.
type Filter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// OrderBy selects the ordering of result rows. It accepts both the compact
// string form ("-revenue") and the object form ({"field","direction"}).
type OrderBy struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OrderBy) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.HasPrefix(s, "-") {
			o.Field, o.Direction = s[1:], "desc"
		} else {
			o.Field, o.Direction = strings.TrimPrefix(s, "+"), "asc"
		}
		return nil
	}

	type plain OrderBy
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = OrderBy(p)
	if o.Direction == "" {
		o.Direction = "asc"
	}
	o.Direction = strings.ToLower(o.Direction)
	return nil
}

// Op is a normalized filter operator.
type Op string

// The filter operators.
const (
	OpEq        Op = "eq"
	OpNe        Op = "ne"
	OpGt        Op = "gt"
	OpGe        Op = "ge"
	OpLt        Op = "lt"
	OpLe        Op = "le"
	OpIn        Op = "in"
	OpNotIn     Op = "not_in"
	OpLike      Op = "like"
	OpIsNull    Op = "is_null"
	OpIsNotNull Op = "is_not_null"
	OpBetween   Op = "between"
)

var opAliases = map[string]Op{
	"eq": OpEq, "=": OpEq, "==": OpEq,
	"ne": OpNe, "!=": OpNe, "<>": OpNe,
	"gt": OpGt, ">": OpGt,
	"ge": OpGe, ">=": OpGe, "gte": OpGe,
	"lt": OpLt, "<": OpLt,
	"le": OpLe, "<=": OpLe, "lte": OpLe,
	"in":     OpIn,
	"not_in": OpNotIn, "not in": OpNotIn, "nin": OpNotIn,
	"like":    OpLike,
	"is_null": OpIsNull, "is null": OpIsNull,
	"is_not_null": OpIsNotNull, "is not null": OpIsNotNull,
	"between": OpBetween,
}

// ParseOp normalizes an operator, accepting both the word and symbol forms.
func ParseOp(s string) (Op, error) {
	op, ok := opAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", apierr.Validation("op", fmt.Sprintf("unknown operator %q", s))
	}
	return op, nil
}

// NormalizeValue coerces a decoded JSON value into the canonical scalar set:
// nil, bool, int64, float64, string, or a flat list of those.
func NormalizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, string, int64:
		return val, nil
	case int:
		return int64(val), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val), nil
		}
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, apierr.Validation("value", "not a number")
		}
		return f, nil
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			norm, err := NormalizeValue(item)
			if err != nil {
				return nil, err
			}
			if _, isList := norm.([]interface{}); isList {
				return nil, apierr.Validation("value", "nested lists are not supported")
			}
			out = append(out, norm)
		}
		return out, nil
	default:
		return nil, apierr.Validation("value", fmt.Sprintf("unsupported value type %T", v))
	}
}

// EncodeValue renders a normalized value into a canonical string with a type
// tag. Lists are sorted and deduplicated, so filter value order never
// changes the encoding.
func EncodeValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "n:"
	case bool:
		return "b:" + strconv.FormatBool(val)
	case int64:
		return "i:" + strconv.FormatInt(val, 10)
	case float64:
		return "f:" + strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return "s:" + val
	case []interface{}:
		items := make([]string, 0, len(val))
		seen := make(map[string]bool, len(val))
		for _, item := range val {
			enc := EncodeValue(item)
			if !seen[enc] {
				seen[enc] = true
				items = append(items, enc)
			}
		}
		sort.Strings(items)
		return "[" + strings.Join(items, ",") + "]"
	default:
		return fmt.Sprintf("?:%v", val)
	}
}
