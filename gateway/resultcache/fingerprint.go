// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"setupranali.io/setupranali/gateway/compiler"
)

// Fingerprint deterministically hashes a normalized request together with
// the tenant and the catalog generation. Reordering dimensions, metrics,
// or filters never changes the fingerprint; neither does reordering or
// duplicating values inside an `in` list.
func Fingerprint(req *compiler.QueryRequest, tenant string, generation uint64) string {
	var b strings.Builder

	b.WriteString("ds:")
	b.WriteString(req.Dataset)
	b.WriteString("|gen:")
	b.WriteString(strconv.FormatUint(generation, 10))
	b.WriteString("|tenant:")
	b.WriteString(tenant)

	b.WriteString("|dims:")
	b.WriteString(strings.Join(sorted(req.Dimensions), ","))
	b.WriteString("|mets:")
	b.WriteString(strings.Join(sorted(req.Metrics), ","))

	filters := make([]string, 0, len(req.Filters))
	for _, f := range req.Filters {
		op := string(normalizedOp(f.Op))
		value, err := compiler.NormalizeValue(f.Value)
		if err != nil {
			// non-normalizable values fail later in compilation; any
			// deterministic encoding is fine here
			value = nil
		}
		filters = append(filters, f.Field+"\x00"+op+"\x00"+compiler.EncodeValue(value))
	}
	sort.Strings(filters)
	b.WriteString("|filters:")
	b.WriteString(strings.Join(filters, ";"))

	// order_by stays in request order: it changes row order, so it is part
	// of the identity without normalization
	b.WriteString("|order:")
	for _, ob := range req.OrderBy {
		b.WriteString(ob.Field)
		b.WriteString(".")
		b.WriteString(strings.ToLower(ob.Direction))
		b.WriteString(",")
	}

	b.WriteString("|limit:")
	b.WriteString(strconv.Itoa(req.Limit))
	b.WriteString("|offset:")
	b.WriteString(strconv.Itoa(req.Offset))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func normalizedOp(op string) compiler.Op {
	parsed, err := compiler.ParseOp(op)
	if err != nil {
		return compiler.Op(op)
	}
	return parsed
}
