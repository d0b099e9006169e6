package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// Manager maintains a set of named secondary indexes over a record
// store, keeping them consistent under add/remove/update and enforcing
// unique constraints atomically across every index touched by a single
// record write.
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]*namedIndex
	order   []string // declaration order, for deterministic getOptimalIndex tie-breaking
}

// NewManager creates an empty IndexManager.
func NewManager() *Manager {
	return &Manager{indexes: make(map[string]*namedIndex)}
}

// CreateIndex declares a new named index. Fails if name already exists.
func (m *Manager) CreateIndex(decl Decl) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[decl.Name]; exists {
		return apierr.New(apierr.KindIndexError, "index already exists", map[string]interface{}{"name": decl.Name})
	}
	if len(decl.Fields) == 0 {
		return apierr.New(apierr.KindConfigurationErr, "index requires at least one field", map[string]interface{}{"name": decl.Name})
	}
	m.indexes[decl.Name] = newNamedIndex(decl)
	m.order = append(m.order, decl.Name)
	return nil
}

// DropIndex removes a named index. Fails if absent.
func (m *Manager) DropIndex(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[name]; !exists {
		return apierr.New(apierr.KindIndexError, "index not found", map[string]interface{}{"name": name})
	}
	delete(m.indexes, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Has reports whether a named index exists.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[name]
	return ok
}

func (m *Manager) snapshotIndexes() []*namedIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*namedIndex, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.indexes[n])
	}
	return out
}

// planAdd is the per-index outcome of dry-running an add, used to apply
// the write atomically across every index once no unique index objects.
type planAdd struct {
	ix    *namedIndex
	keys  []string
	array bool
}

// AddRecord generates keys for every index and applies them. If any
// unique index would be violated, no index is mutated for this record
// and an IndexError is returned.
func (m *Manager) AddRecord(recordKey string, record valuetype.Record) error {
	indexes := m.snapshotIndexes()
	plans := make([]planAdd, 0, len(indexes))
	for _, ix := range indexes {
		keys, admitted, isArray, violates := ix.dryRunUnique(recordKey, record)
		if violates {
			return apierr.New(apierr.KindIndexError, "unique constraint violated", map[string]interface{}{
				"index": ix.decl.Name,
				"key":   recordKey,
			})
		}
		if !admitted {
			continue
		}
		plans = append(plans, planAdd{ix: ix, keys: keys, array: isArray})
	}
	for _, p := range plans {
		p.ix.apply(recordKey, p.keys, p.array)
	}
	return nil
}

// RemoveRecord removes recordKey's entries from every index.
func (m *Manager) RemoveRecord(recordKey string, _ valuetype.Record) {
	for _, ix := range m.snapshotIndexes() {
		ix.remove(recordKey)
	}
}

// UpdateRecord performs an atomic remove/add pair: the old entries are
// removed first, then the new ones are added; if the add fails (unique
// violation) the old entries are restored exactly.
func (m *Manager) UpdateRecord(recordKey string, oldRecord, newRecord valuetype.Record) error {
	indexes := m.snapshotIndexes()

	type saved struct {
		ix    *namedIndex
		keys  []string
		array bool
	}
	before := make([]saved, 0, len(indexes))
	for _, ix := range indexes {
		keys, admitted, isArray, _ := ix.dryRunUnique(recordKey, oldRecord)
		if admitted {
			before = append(before, saved{ix: ix, keys: keys, array: isArray})
		}
		ix.remove(recordKey)
	}

	if err := m.AddRecord(recordKey, newRecord); err != nil {
		for _, b := range before {
			b.ix.apply(recordKey, b.keys, b.array)
		}
		return err
	}
	return nil
}

// FindByIndex returns the set of record keys mapped to indexKey under
// the named index.
func (m *Manager) FindByIndex(name, indexKey string) (map[string]struct{}, error) {
	m.mu.RLock()
	ix, ok := m.indexes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.KindIndexError, "index not found", map[string]interface{}{"name": name})
	}
	return ix.find(indexKey), nil
}

// FindByCriteria intersects per-index lookups, short-circuiting as soon
// as an intermediate set becomes empty.
func (m *Manager) FindByCriteria(criteria map[string]string) (map[string]struct{}, error) {
	var result map[string]struct{}
	first := true
	for name, key := range criteria {
		set, err := m.FindByIndex(name, key)
		if err != nil {
			return nil, err
		}
		if first {
			result = set
			first = false
		} else {
			result = intersect(result, set)
		}
		if len(result) == 0 {
			return result, nil
		}
	}
	return result, nil
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(a) > len(b) {
		a, b = b, a
	}
	out := make(map[string]struct{}, len(a))
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// GetOptimalIndex chooses the best existing index covering the given
// query fields: exact sorted-field-set match, else a
// superset, else the widest-coverage candidate (ties broken by fewest
// total fields), else "" when nothing qualifies.
func (m *Manager) GetOptimalIndex(fields []string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := sortedFieldSetKey(fields)
	for _, name := range m.order {
		ix := m.indexes[name]
		if sortedFieldSetKey(ix.decl.Fields) == want {
			return name
		}
	}

	var bestSuperset string
	bestSupersetFieldCount := -1
	for _, name := range m.order {
		ix := m.indexes[name]
		if isSuperset(ix.decl.Fields, fields) {
			if bestSuperset == "" || len(ix.decl.Fields) < bestSupersetFieldCount {
				bestSuperset = name
				bestSupersetFieldCount = len(ix.decl.Fields)
			}
		}
	}
	if bestSuperset != "" {
		return bestSuperset
	}

	type candidate struct {
		name     string
		coverage int
		fields   int
	}
	var candidates []candidate
	for _, name := range m.order {
		ix := m.indexes[name]
		c := coverageCount(ix.decl.Fields, fields)
		if c == 0 {
			continue
		}
		candidates = append(candidates, candidate{name: name, coverage: c, fields: len(ix.decl.Fields)})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].coverage != candidates[j].coverage {
			return candidates[i].coverage > candidates[j].coverage
		}
		return candidates[i].fields < candidates[j].fields
	})
	return candidates[0].name
}

// Fields returns the named index's declared fields, sorted (the same
// order its composite keys are built in).
func (m *Manager) Fields(name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indexes[name]
	if !ok {
		return nil, apierr.New(apierr.KindIndexError, "index not found", map[string]interface{}{"name": name})
	}
	return ix.decl.sortedFields(), nil
}

// Delimiter returns the named index's key-part delimiter.
func (m *Manager) Delimiter(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indexes[name]
	if !ok {
		return "", apierr.New(apierr.KindIndexError, "index not found", map[string]interface{}{"name": name})
	}
	return ix.decl.delimiter(), nil
}

// LookupKey builds the exact composite key the named index would have
// generated for a record whose fields take the given criteria values,
// for every one of the index's declared fields. Returns false if
// criteria does not supply a value for every declared field (the
// caller needs a prefix/partial scan instead of a direct lookup).
func (m *Manager) LookupKey(name string, criteria map[string]string) (string, bool) {
	m.mu.RLock()
	ix, ok := m.indexes[name]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}

	fields := ix.decl.sortedFields()
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := criteria[f]
		if !ok {
			return "", false
		}
		parts = append(parts, v)
	}
	key := strings.Join(parts, ix.decl.delimiter())
	if ix.decl.Transform != nil {
		key = ix.decl.Transform(key)
	}
	return key, true
}

// IsExactMatch reports whether the named index's field set is exactly
// fields (order-independent), as opposed to a superset or partial-
// coverage match. Used by the query optimizer to decide between an
// index_lookup strategy (exact) and a filtered_scan strategy (partial).
func (m *Manager) IsExactMatch(name string, fields []string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indexes[name]
	if !ok {
		return false
	}
	return sortedFieldSetKey(ix.decl.Fields) == sortedFieldSetKey(fields)
}

// Rebuild clears every index's bucket contents and re-adds from the
// given iterable of (recordKey, record) pairs.
func (m *Manager) Rebuild(records []RecordKV) error {
	for _, ix := range m.snapshotIndexes() {
		ix.clear()
	}
	for _, kv := range records {
		if err := m.AddRecord(kv.Key, kv.Record); err != nil {
			return err
		}
	}
	return nil
}

// RecordKV is a (recordKey, record) pair used by Rebuild.
type RecordKV struct {
	Key    string
	Record valuetype.Record
}

// Stats returns statistics for the named index.
func (m *Manager) Stats(name string) (Stats, error) {
	m.mu.RLock()
	ix, ok := m.indexes[name]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, apierr.New(apierr.KindIndexError, "index not found", map[string]interface{}{"name": name})
	}
	return ix.stats(), nil
}

// AllStats returns statistics for every declared index.
func (m *Manager) AllStats() []Stats {
	indexes := m.snapshotIndexes()
	out := make([]Stats, 0, len(indexes))
	for _, ix := range indexes {
		out = append(out, ix.stats())
	}
	return out
}

// Kind reports the derived type of the named index.
func (m *Manager) Kind(name string) (Kind, error) {
	m.mu.RLock()
	ix, ok := m.indexes[name]
	m.mu.RUnlock()
	if !ok {
		return "", apierr.New(apierr.KindIndexError, "index not found", map[string]interface{}{"name": name})
	}
	return ix.kind(), nil
}

// Names returns every declared index name in declaration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Dump emits indexName -> indexKey -> list<recordKey>, the plain
// serializable "indexes" layout Override accepts back.
func (m *Manager) Dump() map[string]map[string][]string {
	out := make(map[string]map[string][]string)
	for _, ix := range m.snapshotIndexes() {
		ix.mu.RLock()
		perIndex := make(map[string][]string, len(ix.buckets))
		for k, set := range ix.buckets {
			keys := make([]string, 0, len(set))
			for rk := range set {
				keys = append(keys, rk)
			}
			sort.Strings(keys)
			perIndex[k] = keys
		}
		out[ix.decl.Name] = perIndex
		ix.mu.RUnlock()
	}
	return out
}

// Override replaces every named index's bucket contents directly from a
// dump in the shape Dump produces. Every index named in dump must
// already be declared (via CreateIndex); an index on this Manager
// absent from dump is left untouched.
func (m *Manager) Override(dump map[string]map[string][]string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, perIndex := range dump {
		ix, ok := m.indexes[name]
		if !ok {
			return apierr.New(apierr.KindIndexError, "index not found", map[string]interface{}{"name": name})
		}
		ix.loadBuckets(perIndex)
	}
	return nil
}
