// Package index implements the store's secondary indexes: a registry of
// named indexes kept consistent with the record store, with composite,
// array-valued, and partial-index support and unique-constraint
// enforcement. Each index is a reverse mapping from generated index key
// to the set of record keys currently producing it.
package index

import (
	"strings"

	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// Kind is the derived index type reported for introspection.
// When more than one characteristic applies to a declaration, Kind
// reports by precedence PARTIAL > COMPOSITE > ARRAY > SINGLE: a filtered
// composite index is still fundamentally "partial" from the caller's
// point of view, since that is the characteristic most likely to surprise
// them. IsComposite/IsArray/IsPartial below expose every characteristic
// independently for callers that need the full picture.
type Kind string

const (
	KindSingle    Kind = "SINGLE"
	KindComposite Kind = "COMPOSITE"
	KindArray     Kind = "ARRAY"
	KindPartial   Kind = "PARTIAL"
)

// Filter decides whether a record is admitted by a partial index.
type Filter func(valuetype.Record) bool

// Transform rewrites a generated composite index key before it is
// stored, e.g. to normalize case.
type Transform func(string) string

// Decl declares a named index: source fields, uniqueness, an optional
// partial-index filter, an optional key transform, and the composite-key
// delimiter (default "|").
type Decl struct {
	Name      string
	Fields    []string
	Unique    bool
	Filter    Filter
	Transform Transform
	Delimiter string
}

func (d Decl) delimiter() string {
	if d.Delimiter == "" {
		return "|"
	}
	return d.Delimiter
}

func (d Decl) sortedFields() []string {
	return valuetype.SortFieldNames(d.Fields)
}

// IsComposite reports whether d has more than one source field.
func (d Decl) IsComposite() bool { return len(d.Fields) > 1 }

// IsPartial reports whether d carries a filter predicate.
func (d Decl) IsPartial() bool { return d.Filter != nil }

// Kind reports the single representative derived type for d, by the
// precedence documented on the Kind type. arrayDetected is supplied by
// the caller because array-ness is only observable from actual data.
func (d Decl) Kind(arrayDetected bool) Kind {
	switch {
	case d.IsPartial():
		return KindPartial
	case d.IsComposite():
		return KindComposite
	case arrayDetected:
		return KindArray
	default:
		return KindSingle
	}
}

// generateKeys produces a record's index keys: sort the declared
// fields lexicographically, take the Cartesian product of each
// field's value(s) (a scalar counts as a 1-element sequence), join each
// tuple with the delimiter. If the filter rejects the record, or any
// field is null/absent, the record contributes no keys at all — composite
// indexes skip partial records, and by the same rule a single-field index
// on a null field simply contributes nothing.
//
// admitted reports whether the record passed the partial-index filter
// (true when there is no filter). A record can be admitted yet still
// contribute zero keys, e.g. because one of its fields is null.
func (d Decl) generateKeys(record valuetype.Record) (keys []string, admitted bool, isArray bool) {
	if d.Filter != nil && !d.Filter(record) {
		return nil, false, false
	}

	fields := d.sortedFields()
	perField := make([][]string, 0, len(fields))
	for _, f := range fields {
		v, present := record.Get(f)
		els, ok := valuetype.Elements(v, present)
		if !ok {
			// Null/absent field: no keys for this record in this index.
			return nil, true, false
		}
		if len(els) > 1 || v.Kind() == valuetype.KindSlice {
			isArray = true
		}
		parts := make([]string, len(els))
		for i, e := range els {
			parts[i] = valuetype.IndexKeyPart(e)
		}
		perField = append(perField, parts)
	}

	tuples := cartesianProduct(perField)
	delim := d.delimiter()
	keys = make([]string, len(tuples))
	for i, t := range tuples {
		k := strings.Join(t, delim)
		if d.Transform != nil {
			k = d.Transform(k)
		}
		keys[i] = k
	}
	return keys, true, isArray
}

func cartesianProduct(fields [][]string) [][]string {
	if len(fields) == 0 {
		return nil
	}
	result := [][]string{{}}
	for _, values := range fields {
		next := make([][]string, 0, len(result)*len(values))
		for _, prefix := range result {
			for _, v := range values {
				tuple := make([]string, len(prefix), len(prefix)+1)
				copy(tuple, prefix)
				tuple = append(tuple, v)
				next = append(next, tuple)
			}
		}
		result = next
	}
	return result
}

// sortedFieldSetKey canonicalizes a field set for exact-match lookup in
// getOptimalIndex.
func sortedFieldSetKey(fields []string) string {
	sorted := valuetype.SortFieldNames(fields)
	return strings.Join(sorted, ",")
}

func isSuperset(indexFields, queryFields []string) bool {
	set := make(map[string]struct{}, len(indexFields))
	for _, f := range indexFields {
		set[f] = struct{}{}
	}
	for _, f := range queryFields {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

func coverageCount(indexFields, queryFields []string) int {
	set := make(map[string]struct{}, len(indexFields))
	for _, f := range indexFields {
		set[f] = struct{}{}
	}
	n := 0
	for _, f := range queryFields {
		if _, ok := set[f]; ok {
			n++
		}
	}
	return n
}
