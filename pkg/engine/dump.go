package engine

import (
	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/index"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// DumpKind selects which half of the store's state Dump/Override
// addresses.
type DumpKind string

const (
	DumpRecords DumpKind = "records"
	DumpIndexes DumpKind = "indexes"
)

// RecordDump is one [key, data] pair in a "records" dump.
type RecordDump struct {
	Key  string
	Data valuetype.Record
}

// Dump emits a plain, serializable snapshot of either the record store
// ("records": an ordered list of [key, data] pairs) or the index
// manager ("indexes": indexName -> indexKey -> []recordKey).
// Round-tripping through Override reproduces an equivalent store.
func (s *Store) Dump(kind DumpKind) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case DumpRecords:
		entries := s.records.Entries()
		out := make([]RecordDump, len(entries))
		for i, e := range entries {
			out[i] = RecordDump{Key: e.Key, Data: e.Record.Clone()}
		}
		return out, nil
	case DumpIndexes:
		return s.indexes.Dump(), nil
	default:
		return nil, apierr.New(apierr.KindConfigurationErr, "unknown dump kind", map[string]interface{}{"kind": kind})
	}
}

// Override replaces the addressed half of the store's contents
// wholesale with data, as produced by a prior Dump of the same kind.
// Overriding "records" clears and re-populates the record store, then
// rebuilds every index from the new contents (so index state always
// stays consistent with the records that drove it, even when only
// "records" is overridden). Overriding "indexes" requires every
// declared index named in data to already exist (create it first via
// the store's index declarations) and replaces its bucket contents
// directly, leaving the record store untouched.
func (s *Store) Override(kind DumpKind, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case DumpRecords:
		dumps, ok := data.([]RecordDump)
		if !ok {
			return apierr.New(apierr.KindValidation, "records override requires []RecordDump", nil)
		}
		s.records.Clear()
		kvs := make([]index.RecordKV, 0, len(dumps))
		for _, d := range dumps {
			s.records.Set(d.Key, d.Data.Clone())
			kvs = append(kvs, index.RecordKV{Key: d.Key, Record: d.Data})
		}
		if err := s.indexes.Rebuild(kvs); err != nil {
			return err
		}
		s.refreshStatistics()
		return nil
	case DumpIndexes:
		dump, ok := data.(map[string]map[string][]string)
		if !ok {
			return apierr.New(apierr.KindValidation, "indexes override requires map[string]map[string][]string", nil)
		}
		return s.indexes.Override(dump)
	default:
		return apierr.New(apierr.KindConfigurationErr, "unknown dump kind", map[string]interface{}{"kind": kind})
	}
}
