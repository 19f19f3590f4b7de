package querycli

import (
	"fmt"
	"strconv"
	"strings"

	"cmdtrace/internal/store"
)

// opPrefixes maps the operator prefix of an "op:value" flag (e.g.
// "gt:10KiB") to a store.Op. This is the Go re-expression of
// argcontrol_dbquery.cpp's QOptSqlArg mnemonic-flag/operator-flag pair —
// cobra's flag parser can't disambiguate a bare "-gt" token from another
// flag, so the operator travels inside the value instead of as a second
// argv token.
var opPrefixes = map[string]store.Op{
	"eq":   store.OpEq,
	"ne":   store.OpNe,
	"lt":   store.OpLt,
	"le":   store.OpLe,
	"gt":   store.OpGt,
	"ge":   store.OpGe,
	"like": store.OpLike,
}

// parsePredicate splits "op:value" and converts value according to kind.
func parsePredicate(column, raw string, kind valueKind) (store.Predicate, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return store.Predicate{}, fmt.Errorf("%s: expected OP:VALUE (e.g. gt:10KiB), got %q", column, raw)
	}
	op, ok := opPrefixes[parts[0]]
	if !ok {
		return store.Predicate{}, fmt.Errorf("%s: unknown operator %q (want one of eq,ne,lt,le,gt,ge,like)", column, parts[0])
	}

	value, err := convertValue(parts[1], kind)
	if err != nil {
		return store.Predicate{}, fmt.Errorf("%s: %w", column, err)
	}
	return store.Predicate{Column: column, Op: op, Value: value}, nil
}

type valueKind int

const (
	valueString valueKind = iota
	valueInt
	valueByteSize
)

func convertValue(raw string, kind valueKind) (interface{}, error) {
	switch kind {
	case valueString:
		return raw, nil
	case valueInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse integer %q: %w", raw, err)
		}
		return n, nil
	case valueByteSize:
		n, err := parseByteSize(raw)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return raw, nil
	}
}

// byteSizeSuffixes maps the binary-unit suffixes spec.md §6's --wsize
// examples use (e.g. "10KiB") to their multiplier.
var byteSizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"B", 1},
}

// parseByteSize parses a size like "10KiB", "512B", or a bare number of
// bytes.
func parseByteSize(raw string) (int64, error) {
	for _, s := range byteSizeSuffixes {
		if strings.HasSuffix(raw, s.suffix) {
			numPart := strings.TrimSuffix(raw, s.suffix)
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", raw, err)
			}
			return n * s.mult, nil
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", raw, err)
	}
	return n, nil
}
