// Package store implements the ordered key→record map at the base of
// vaultstore: RecordStore. Iteration order always equals insertion
// order of currently-live keys, and "immutable" mode hands callers
// deep clones that can never alias internal storage.
package store

import (
	"container/list"
	"sync"

	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// RecordStore is an ordered key→Record map. All operations are
// linearizable under concurrent use; Keys/Entries ordering always
// reflects insertion order of currently-live keys.
type RecordStore struct {
	mu        sync.RWMutex
	immutable bool
	data      map[string]*list.Element // key -> node in order
	order     *list.List               // of *entry, oldest first
}

type entry struct {
	key    string
	record valuetype.Record
}

// New creates an empty RecordStore. When immutable is true, Get returns
// deep clones that can never propagate mutation back into the store.
func New(immutable bool) *RecordStore {
	return &RecordStore{
		immutable: immutable,
		data:      make(map[string]*list.Element),
		order:     list.New(),
	}
}

// Get returns the record stored at key, or false if absent. In immutable
// mode the returned Record is an independent deep clone.
func (s *RecordStore) Get(key string) (valuetype.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el, ok := s.data[key]
	if !ok {
		return nil, false
	}
	rec := el.Value.(*entry).record
	if s.immutable {
		return rec.Clone(), true
	}
	return rec, true
}

// Set stores record under key, preserving insertion order for new keys
// and leaving existing position unchanged on overwrite. The stored
// record is always an internal clone so external mutation of the
// caller's record value can never alias internal storage.
func (s *RecordStore) Set(key string, record valuetype.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := record.Clone()
	if el, ok := s.data[key]; ok {
		el.Value.(*entry).record = stored
		return
	}
	el := s.order.PushBack(&entry{key: key, record: stored})
	s.data[key] = el
}

// Delete removes key from the store, returning whether it was present.
func (s *RecordStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[key]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.data, key)
	return true
}

// Has reports whether key is present.
func (s *RecordStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Keys returns all live keys in insertion order.
func (s *RecordStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

// Entries returns all live (key, record) pairs in insertion order. In
// immutable mode each record is an independent deep clone.
func (s *RecordStore) Entries() []KV {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KV, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		rec := e.record
		if s.immutable {
			rec = rec.Clone()
		}
		out = append(out, KV{Key: e.key, Record: rec})
	}
	return out
}

// KV is an ordered (key, record) pair, as returned by Entries.
type KV struct {
	Key    string
	Record valuetype.Record
}

// Clear removes every key, resetting the store to empty while
// preserving its immutable-mode setting. Used by Override's "records"
// path to replace the store's contents wholesale.
func (s *RecordStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*list.Element)
	s.order.Init()
}

// Size returns the number of live keys.
func (s *RecordStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// ErrNotFound is returned by operations addressing an absent key where
// the caller needs a typed sentinel rather than a bool.
func ErrNotFound(key string) *apierr.Error {
	return apierr.New(apierr.KindRecordNotFound, "record not found", map[string]interface{}{"key": key})
}
