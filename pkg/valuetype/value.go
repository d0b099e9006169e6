// Package valuetype implements the dynamic record model: a mapping from
// field name to a tagged value that is one of scalar/sequence/nested-map,
// with structural equality and deep-copy semantics suitable for both
// mutable and frozen ("immutable" mode) views.
package valuetype

import (
	"math"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindMap
	KindSlice
)

// Value is the tagged sum type backing every record field: scalar
// (bool/number/string), null, nested map, or ordered sequence.
type Value struct {
	kind   Kind
	b      bool
	num    float64
	str    string
	mapv   map[string]Value
	slicev []Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean scalar.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a numeric scalar.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// String wraps a string scalar.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Map wraps a nested field→value mapping. The input is copied.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v.Clone()
	}
	return Value{kind: KindMap, mapv: cp}
}

// Slice wraps an ordered sequence of values. The input is copied.
func Slice(vs []Value) Value {
	cp := make([]Value, len(vs))
	for i, v := range vs {
		cp[i] = v.Clone()
	}
	return Value{kind: KindSlice, slicev: cp}
}

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) AsBool() bool      { return v.b }
func (v Value) AsNumber() float64 { return v.num }
func (v Value) AsString() string  { return v.str }

// AsMap returns the underlying map. Callers must not mutate the result;
// use Clone to obtain an independent copy.
func (v Value) AsMap() map[string]Value { return v.mapv }

// AsSlice returns the underlying slice. Callers must not mutate the
// result; use Clone to obtain an independent copy.
func (v Value) AsSlice() []Value { return v.slicev }

// Clone returns a deep, independent copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		return Map(v.mapv)
	case KindSlice:
		return Slice(v.slicev)
	default:
		return v
	}
}

// Equal reports structural equality between two values.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindMap:
		if len(a.mapv) != len(b.mapv) {
			return false
		}
		for k, av := range a.mapv {
			bv, ok := b.mapv[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindSlice:
		if len(a.slicev) != len(b.slicev) {
			return false
		}
		for i := range a.slicev {
			if !Equal(a.slicev[i], b.slicev[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Elements returns v as a sequence: the slice elements if v is a KindSlice,
// a single-element sequence [v] if v is any other non-null scalar/map, or
// nil if v is null/undefined. Composite index key generation treats a
// scalar value as a 1-element sequence, and a null/undefined field
// contributes no keys at all; this helper encodes both rules.
func Elements(v Value, present bool) ([]Value, bool) {
	if !present || v.kind == KindNull {
		return nil, false
	}
	if v.kind == KindSlice {
		return v.slicev, true
	}
	return []Value{v}, true
}

// IndexKeyPart renders a scalar value as the string used to build
// delimiter-joined composite/array index keys. Numbers use a canonical,
// trailing-zero-free form so that 1 and 1.0 collide to the same index key.
func IndexKeyPart(v Value) string {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.num)
	case KindNull:
		return ""
	default:
		// Maps/slices are not valid index key parts; callers should have
		// already filtered these out via Elements.
		return ""
	}
}

func formatNumber(n float64) string {
	if math.Trunc(n) == n && !math.IsInf(n, 0) {
		return int64ToString(int64(n))
	}
	return floatToString(n)
}

func int64ToString(n int64) string {
	return strconv.FormatInt(n, 10)
}

func floatToString(f float64) string {
	// Shortest round-trippable decimal representation, matching the
	// precision callers expect from a record field printed as text.
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// SortFieldNames returns a sorted copy of fields, used when generating
// composite keys: fields are sorted lexicographically before the
// Cartesian product is formed.
func SortFieldNames(fields []string) []string {
	out := make([]string, len(fields))
	copy(out, fields)
	sort.Strings(out)
	return out
}
