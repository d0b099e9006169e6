package index

import (
	"sync"

	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// namedIndex is a single named index: reverse mapping indexKey → set of
// record keys, plus bookkeeping of which keys a given record currently
// occupies (so removal/rebuild don't need to re-derive them from data
// that may already have changed).
type namedIndex struct {
	decl          Decl
	mu            sync.RWMutex
	buckets       map[string]map[string]struct{} // indexKey -> recordKeys
	recordKeys    map[string][]string             // recordKey -> indexKeys currently held
	arrayObserved bool
}

func newNamedIndex(decl Decl) *namedIndex {
	return &namedIndex{
		decl:       decl,
		buckets:    make(map[string]map[string]struct{}),
		recordKeys: make(map[string][]string),
	}
}

// Stats reports one index's bucket and entry counts.
type Stats struct {
	Name            string
	TotalKeys       int
	TotalEntries    int
	EstimatedMemory int64
}

func (ix *namedIndex) stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entries := 0
	mem := int64(0)
	for k, set := range ix.buckets {
		entries += len(set)
		mem += int64(len(k)) + int64(len(set))*32
	}
	return Stats{
		Name:            ix.decl.Name,
		TotalKeys:       len(ix.buckets),
		TotalEntries:    entries,
		EstimatedMemory: mem,
	}
}

// dryRunUnique checks whether inserting recordKey under the keys
// generated for record would violate this index's uniqueness
// constraint, without mutating any state. Returns the generated keys so
// the caller can reuse them for the real insert.
func (ix *namedIndex) dryRunUnique(recordKey string, record valuetype.Record) (keys []string, admitted, isArray bool, violates bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	keys, admitted, isArray = ix.decl.generateKeys(record)
	if !ix.decl.Unique {
		return keys, admitted, isArray, false
	}
	for _, k := range keys {
		set, ok := ix.buckets[k]
		if !ok || len(set) == 0 {
			continue
		}
		if len(set) > 1 {
			violates = true
			return
		}
		if _, onlyThis := set[recordKey]; !onlyThis {
			violates = true
			return
		}
	}
	return
}

// apply inserts recordKey under the given keys (previously generated by
// dryRunUnique or equivalent), replacing whatever keys recordKey
// previously held in this index.
func (ix *namedIndex) apply(recordKey string, keys []string, isArray bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(recordKey)
	if isArray {
		ix.arrayObserved = true
	}
	if len(keys) == 0 {
		return
	}
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		set, ok := ix.buckets[k]
		if !ok {
			set = make(map[string]struct{})
			ix.buckets[k] = set
		}
		set[recordKey] = struct{}{}
		held = append(held, k)
	}
	ix.recordKeys[recordKey] = held
}

func (ix *namedIndex) remove(recordKey string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(recordKey)
}

func (ix *namedIndex) removeLocked(recordKey string) {
	held, ok := ix.recordKeys[recordKey]
	if !ok {
		return
	}
	for _, k := range held {
		set, ok := ix.buckets[k]
		if !ok {
			continue
		}
		delete(set, recordKey)
		if len(set) == 0 {
			delete(ix.buckets, k)
		}
	}
	delete(ix.recordKeys, recordKey)
}

func (ix *namedIndex) find(key string) map[string]struct{} {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set, ok := ix.buckets[key]
	if !ok {
		return nil
	}
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

// loadBuckets replaces this index's bucket contents directly from a
// dump produced by Manager.Dump, rebuilding the reverse recordKeys
// bookkeeping so subsequent add/remove/update calls stay consistent.
// Used by Manager.Override's "indexes" path: unlike Rebuild,
// it trusts the dump's keys as-is rather than re-deriving them from
// record data.
func (ix *namedIndex) loadBuckets(perIndex map[string][]string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.buckets = make(map[string]map[string]struct{}, len(perIndex))
	ix.recordKeys = make(map[string][]string)
	for indexKey, recordKeys := range perIndex {
		set := make(map[string]struct{}, len(recordKeys))
		for _, rk := range recordKeys {
			set[rk] = struct{}{}
			ix.recordKeys[rk] = append(ix.recordKeys[rk], indexKey)
		}
		ix.buckets[indexKey] = set
	}
}

func (ix *namedIndex) clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buckets = make(map[string]map[string]struct{})
	ix.recordKeys = make(map[string][]string)
	ix.arrayObserved = false
}

func (ix *namedIndex) kind() Kind {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.decl.Kind(ix.arrayObserved)
}
