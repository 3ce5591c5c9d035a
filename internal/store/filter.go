package store

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

type op int

const (
	opEq op = iota
	opEqFold
	opNe
	opLt
	opLte
	opGt
	opGte
	opIn
	opExists
)

// Condition tests one gjson path of a document
type Condition struct {
	path   string
	op     op
	value  interface{}
	values []interface{}
}

// Filter matches documents satisfying all of its conditions. The empty
// filter matches everything.
type Filter []Condition

// Where builds a filter from conditions
func Where(conds ...Condition) Filter {
	return Filter(conds)
}

// All matches every document
var All = Filter(nil)

func Eq(path string, v interface{}) Condition  { return Condition{path: path, op: opEq, value: v} }
func Ne(path string, v interface{}) Condition  { return Condition{path: path, op: opNe, value: v} }
func Lt(path string, v interface{}) Condition  { return Condition{path: path, op: opLt, value: v} }
func Lte(path string, v interface{}) Condition { return Condition{path: path, op: opLte, value: v} }
func Gt(path string, v interface{}) Condition  { return Condition{path: path, op: opGt, value: v} }
func Gte(path string, v interface{}) Condition { return Condition{path: path, op: opGte, value: v} }

// EqFold compares strings case-insensitively
func EqFold(path, s string) Condition { return Condition{path: path, op: opEqFold, value: s} }

// In matches when the value at path equals any of values
func In(path string, values ...interface{}) Condition {
	return Condition{path: path, op: opIn, values: values}
}

// Exists matches when path is present
func Exists(path string) Condition { return Condition{path: path, op: opExists} }

// Match reports whether doc satisfies the filter
func (f Filter) Match(doc []byte) bool {
	for _, c := range f {
		if !c.match(gjson.GetBytes(doc, c.path)) {
			return false
		}
	}
	return true
}

func (c Condition) match(r gjson.Result) bool {
	switch c.op {
	case opExists:
		return r.Exists()
	case opEqFold:
		s, _ := c.value.(string)
		return r.Type == gjson.String && strings.EqualFold(r.Str, s)
	case opIn:
		for _, v := range c.values {
			if cmp, ok := compare(r, v); ok && cmp == 0 {
				return true
			}
		}
		return false
	case opNe:
		cmp, ok := compare(r, c.value)
		return !ok || cmp != 0
	}

	cmp, ok := compare(r, c.value)
	if !ok {
		return false
	}
	switch c.op {
	case opEq:
		return cmp == 0
	case opLt:
		return cmp < 0
	case opLte:
		return cmp <= 0
	case opGt:
		return cmp > 0
	case opGte:
		return cmp >= 0
	}
	return false
}

// compare orders a document value against a Go value. ok is false when the
// types are not comparable.
func compare(r gjson.Result, v interface{}) (int, bool) {
	switch want := v.(type) {
	case nil:
		return 0, !r.Exists() || r.Type == gjson.Null
	case string:
		if r.Type != gjson.String {
			return 0, false
		}
		return strings.Compare(r.Str, want), true
	case bool:
		if !r.IsBool() {
			return 0, false
		}
		got := r.Bool()
		switch {
		case got == want:
			return 0, true
		case !got:
			return -1, true
		default:
			return 1, true
		}
	}

	n, ok := number(v)
	if !ok || r.Type != gjson.Number {
		return 0, false
	}
	switch {
	case r.Num < n:
		return -1, true
	case r.Num > n:
		return 1, true
	default:
		return 0, true
	}
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// FindOptions control ordering and size of Find results
type FindOptions struct {
	sort  []sortKey
	limit int
}

type sortKey struct {
	path string
	desc bool
}

// FindOption configures a Find call
type FindOption func(*FindOptions)

// SortBy orders results by the value at path. Multiple SortBy options are
// applied in order as tie breakers.
func SortBy(path string, desc bool) FindOption {
	return func(o *FindOptions) {
		o.sort = append(o.sort, sortKey{path: path, desc: desc})
	}
}

// Limit caps the number of results
func Limit(n int) FindOption {
	return func(o *FindOptions) {
		o.limit = n
	}
}

func applyOptions(docs []record, opts []FindOption) []record {
	var o FindOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(o.sort) > 0 {
		sort.SliceStable(docs, func(i, j int) bool {
			for _, k := range o.sort {
				a := gjson.GetBytes(docs[i].body, k.path)
				b := gjson.GetBytes(docs[j].body, k.path)
				cmp := compareResults(a, b)
				if cmp == 0 {
					continue
				}
				if k.desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if o.limit > 0 && len(docs) > o.limit {
		docs = docs[:o.limit]
	}
	return docs
}

func compareResults(a, b gjson.Result) int {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a.String(), b.String())
}
