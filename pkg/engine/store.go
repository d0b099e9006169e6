// Package engine ties the record store, index manager, version manager,
// transaction manager, and query optimizer into the single Store facade
// the rest of vaultstore is built around: set/get/delete/has/find/
// where/batch, begin/commit/abortTransaction, and dump/override
// round-trip support.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/index"
	"github.com/kasuganosora/vaultstore/pkg/lock"
	"github.com/kasuganosora/vaultstore/pkg/optimizer"
	"github.com/kasuganosora/vaultstore/pkg/store"
	"github.com/kasuganosora/vaultstore/pkg/txn"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
	"github.com/kasuganosora/vaultstore/pkg/version"
)

// statsRefreshInterval is how many writes may accumulate before the
// optimizer's statistics are recomputed. Recomputation is a full scan,
// so doing it on every write would make bulk loads quadratic.
const statsRefreshInterval = 100

// Store is the top-level, in-memory indexed record store: one
// RecordStore, one IndexManager, one VersionManager, and, when enabled,
// one TransactionManager and one Optimizer, coordinated behind a single
// write path.
type Store struct {
	// mu serializes the non-transactional write path and the
	// apply-buffered-writes phase of a transaction commit, so the
	// record store, its indexes, and its version history never observe
	// a write from one logical operation interleaved with another's.
	mu sync.Mutex

	id   string
	opts Options

	records  *store.RecordStore
	indexes  *index.Manager
	versions *version.Manager
	locks    *lock.Manager
	txns     *txn.Manager
	opt      *optimizer.Optimizer

	writesSinceStats int
}

// New constructs a Store per opts, declaring every index in
// opts.IndexSpecs up front.
func New(opts Options) (*Store, error) {
	s := &Store{
		id:       uuid.NewString(),
		opts:     opts,
		records:  store.New(opts.Immutable),
		indexes:  index.NewManager(),
		versions: version.NewManager(opts.DefaultRetention),
		locks:    lock.New(),
	}

	for _, decl := range opts.IndexSpecs {
		if decl.Delimiter == "" {
			decl.Delimiter = opts.delimiterOrDefault()
		}
		if err := s.indexes.CreateIndex(decl); err != nil {
			return nil, err
		}
	}

	if opts.EnableTransactions {
		timeout := opts.TransactionTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s.txns = txn.NewManager(s.locks, timeout)
	}

	if !opts.DisableOptimization {
		s.opt = optimizer.New(s.indexes)
	}

	return s, nil
}

// ID returns the store's generated identifier.
func (s *Store) ID() string { return s.id }

// Keys returns every live record key in insertion order.
func (s *Store) Keys() []string { return s.records.Keys() }

// Size returns the number of live records.
func (s *Store) Size() int { return s.records.Size() }

// Versions exposes the store's version manager, for callers that need
// history access beyond what the write path records automatically
// (per-key policies, range queries, export/import).
func (s *Store) Versions() *version.Manager { return s.versions }

// IndexStats reports per-index statistics for every declared index.
func (s *Store) IndexStats() []index.Stats { return s.indexes.AllStats() }

// CreateIndex declares a new index after construction and backfills it
// from the store's current contents. If backfilling hits a unique
// violation in existing data, the new index is dropped again and the
// store is left as it was.
func (s *Store) CreateIndex(decl index.Decl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if decl.Delimiter == "" {
		decl.Delimiter = s.opts.delimiterOrDefault()
	}
	if err := s.indexes.CreateIndex(decl); err != nil {
		return err
	}
	for _, e := range s.records.Entries() {
		if err := s.indexes.AddRecord(e.Key, e.Record); err != nil {
			_ = s.indexes.DropIndex(decl.Name)
			return err
		}
	}
	s.refreshStatistics()
	return nil
}

// DropIndex removes a named index.
func (s *Store) DropIndex(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.indexes.DropIndex(name); err != nil {
		return err
	}
	s.refreshStatistics()
	return nil
}

// CleanupTransactions garbage-collects terminal transactions older than
// maxAge, returning how many were removed.
func (s *Store) CleanupTransactions(maxAge time.Duration) (int, error) {
	if s.txns == nil {
		return 0, apierr.New(apierr.KindConfigurationErr, "transactions are not enabled on this store", nil)
	}
	return s.txns.Cleanup(maxAge), nil
}

// TransactionStats reports lifetime transaction counts.
func (s *Store) TransactionStats() (txn.Stats, error) {
	if s.txns == nil {
		return txn.Stats{}, apierr.New(apierr.KindConfigurationErr, "transactions are not enabled on this store", nil)
	}
	return s.txns.Stats(), nil
}

// validateSchema checks rec against opts.Schema, if configured.
func (s *Store) validateSchema(rec valuetype.Record) error {
	if len(s.opts.Schema) == 0 {
		return nil
	}
	for field, fs := range s.opts.Schema {
		v, present := rec[field]
		if !present || v.IsNull() {
			if fs.Required {
				return apierr.New(apierr.KindValidation, "required field missing", map[string]interface{}{"field": field})
			}
			continue
		}
		if fs.Kind != valuetype.KindNull && v.Kind() != fs.Kind {
			return apierr.New(apierr.KindTypeConstraintErr, "field has wrong type", map[string]interface{}{
				"field":    field,
				"expected": fs.Kind,
				"actual":   v.Kind(),
			})
		}
	}
	return nil
}

// resolveKey handles a Set call whose caller-supplied key is empty: if
// patch already carries a non-null value for the configured primary-key
// field, that value becomes the store key; otherwise a fresh v4 UUID is
// generated and written into patch under that field, so the stored
// record's primary key field and its store key always agree.
func (s *Store) resolveKey(patch valuetype.Record) (string, valuetype.Record) {
	field := s.opts.KeyField
	if field == "" {
		field = "id"
	}
	if v, ok := patch[field]; ok && !v.IsNull() {
		return valuetype.IndexKeyPart(v), patch
	}
	id := uuid.NewString()
	out := patch.Clone()
	out[field] = valuetype.String(id)
	return id, out
}

// noteWrite counts a completed write and refreshes the optimizer's
// statistics once enough have accumulated. Callers must hold s.mu.
func (s *Store) noteWrite() {
	if s.opt == nil {
		return
	}
	s.writesSinceStats++
	if s.writesSinceStats >= statsRefreshInterval {
		s.refreshStatistics()
	}
}

// refreshStatistics recomputes the optimizer's Statistics from the
// store's current contents and drops cached plans whose cost estimates
// may no longer hold. Callers must hold s.mu.
func (s *Store) refreshStatistics() {
	if s.opt == nil {
		return
	}
	s.writesSinceStats = 0
	entries := s.records.Entries()
	records := make([]valuetype.Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}
	counts := make(map[string]int)
	for _, st := range s.indexes.AllStats() {
		counts[st.Name] = st.TotalKeys
	}
	s.opt.Statistics().Update(records, counts)
	s.opt.InvalidateCache()
}
