package optimizer

import (
	"sync"

	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// Statistics is the optimizer's view of the store's shape: how many
// records exist, how selective each field is, and how many distinct
// keys each index currently holds. Recomputed wholesale by Update,
// which a store calls after writes accumulate (the engine decides the
// cadence; the optimizer itself does not schedule this).
type Statistics struct {
	mu sync.RWMutex

	recordCount      int
	fieldCardinality map[string]int
	nullCount        map[string]int
	indexCardinality map[string]int
}

// NewStatistics returns an empty Statistics.
func NewStatistics() *Statistics {
	return &Statistics{
		fieldCardinality: make(map[string]int),
		nullCount:        make(map[string]int),
		indexCardinality: make(map[string]int),
	}
}

// Update recomputes field cardinality and null counts from records, and
// index cardinality from indexKeyCounts (index name -> distinct key
// count, as reported by the index manager's Stats()).
func (s *Statistics) Update(records []valuetype.Record, indexKeyCounts map[string]int) {
	fieldValues := make(map[string]map[string]struct{})
	nulls := make(map[string]int)

	for _, rec := range records {
		for field, v := range rec {
			if v.IsNull() {
				nulls[field]++
				continue
			}
			set, ok := fieldValues[field]
			if !ok {
				set = make(map[string]struct{})
				fieldValues[field] = set
			}
			set[valuetype.IndexKeyPart(v)] = struct{}{}
		}
	}

	card := make(map[string]int, len(fieldValues))
	for field, set := range fieldValues {
		card[field] = len(set)
	}

	idxCard := make(map[string]int, len(indexKeyCounts))
	for name, n := range indexKeyCounts {
		idxCard[name] = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordCount = len(records)
	s.fieldCardinality = card
	s.nullCount = nulls
	s.indexCardinality = idxCard
}

// RecordCount returns the total number of records as of the last Update.
func (s *Statistics) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordCount
}

// EstimateRows estimates how many records satisfy an equality match on
// field, using that field's cardinality as a uniform-distribution
// proxy: recordCount / distinctValues. Falls back to the full record
// count when the field's cardinality is unknown.
func (s *Statistics) EstimateRows(field string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.recordCount == 0 {
		return 0
	}
	card, ok := s.fieldCardinality[field]
	if !ok || card <= 0 {
		return s.recordCount
	}
	est := s.recordCount / card
	if est < 1 {
		est = 1
	}
	return est
}

// EstimateRowsForCriteria estimates selectivity across multiple
// equality criteria by taking the most selective (least-estimated-rows)
// single field, a conservative proxy that avoids overstating the
// combined selectivity of correlated fields.
func (s *Statistics) EstimateRowsForCriteria(criteria map[string]string) int {
	if len(criteria) == 0 {
		return s.RecordCount()
	}
	best := -1
	for field := range criteria {
		est := s.EstimateRows(field)
		if best == -1 || est < best {
			best = est
		}
	}
	return best
}

// IndexCardinality returns the number of distinct keys in the named
// index as of the last Update.
func (s *Statistics) IndexCardinality(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexCardinality[name]
}

// NullCount returns how many records had field explicitly null or
// absent as of the last Update.
func (s *Statistics) NullCount(field string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nullCount[field]
}
