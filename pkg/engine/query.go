package engine

import (
	"sort"

	"github.com/kasuganosora/vaultstore/pkg/optimizer"
	"github.com/kasuganosora/vaultstore/pkg/txn"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// QueryOptions shapes a Find/Where result: how many records to skip
// and return, and which transaction's view to resolve records through.
type QueryOptions struct {
	Limit      int
	Offset     int
	Transaction string
}

// Collection is an ordered result set, in the order the chosen plan's
// steps produced it (insertion order for a scan; record keys sorted
// lexicographically for an index lookup).
type Collection struct {
	Keys    []string
	Records []valuetype.Record
}

// Find resolves criteria (field→value, equality only) through the
// optimizer: it builds an optimizer.Query, gets back a Plan, executes
// the plan's strategy against the index manager or a full scan, and
// records the observed cost back into the optimizer so its learned
// multipliers track real performance.
func (s *Store) Find(criteria map[string]valuetype.Value, opts QueryOptions) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.queryTxn(opts.Transaction)
	if err != nil {
		return Collection{}, err
	}

	strCriteria := make(map[string]string, len(criteria))
	for f, v := range criteria {
		strCriteria[f] = valuetype.IndexKeyPart(v)
	}

	q := optimizer.Query{Criteria: strCriteria, Limit: opts.Limit, Offset: opts.Offset}

	// A transaction's own uncommitted writes are invisible to the shared
	// indexes, so an index_lookup plan can only be trusted when nothing
	// in that transaction's write set could change the answer; otherwise
	// fall back to a direct criteria scan over the transaction's own view.
	var keys []string
	var plan optimizer.Plan
	if tx == nil {
		keys, plan = s.planAndExecute(q)
	} else {
		keys, plan = s.planAndExecuteInTxn(q, tx)
	}

	result := s.materializeTxn(keys, opts, tx)
	s.recordPlanCost(q, plan, len(keys))
	return result, nil
}

// Where scans every live record, keeping those for which pred returns
// true. Unlike Find, there is no index shortcut: the optimizer still
// produces a plan, but the query it plans carries no criteria and no
// predicate, so the plan is always full_scan and no filtered_scan
// candidate is generated; pred is evaluated over every live record.
func (s *Store) Where(pred func(valuetype.Record) bool, opts QueryOptions) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.queryTxn(opts.Transaction)
	if err != nil {
		return Collection{}, err
	}

	q := optimizer.Query{HasRegex: false}
	var plan optimizer.Plan
	if s.opt != nil {
		plan = s.opt.Plan(q)
	}

	var keys []string
	for _, e := range s.effectiveEntries(tx) {
		if pred(e.Record) {
			keys = append(keys, e.Key)
		}
	}
	result := s.materializeTxn(keys, opts, tx)
	s.recordPlanCost(q, plan, len(keys))
	return result, nil
}

// queryTxn resolves opts.Transaction to an ACTIVE *txn.Transaction, or
// nil when the caller is querying the shared, non-transactional view.
func (s *Store) queryTxn(id string) (*txn.Transaction, error) {
	if id == "" {
		return nil, nil
	}
	return s.txnFor(id)
}

// planAndExecute asks the optimizer for a plan and, when the plan's
// strategy is an index lookup with every criterion resolved to a
// single composite key, executes it directly against the index
// manager; otherwise (any other strategy, or no lookup key could be
// built) it evaluates the criteria by a full scan of the record store.
func (s *Store) planAndExecute(q optimizer.Query) ([]string, optimizer.Plan) {
	if s.opt == nil {
		return s.scanCriteria(q.Criteria), optimizer.Plan{}
	}

	plan := s.opt.Plan(q)
	switch plan.Strategy.Kind {
	case optimizer.StrategyIndexLookup:
		if keys, ok := s.lookupByIndex(plan.Strategy.IndexName, q.Criteria); ok {
			return keys, plan
		}
		return s.scanCriteria(q.Criteria), plan
	case optimizer.StrategyFilteredScan:
		return s.scanCriteria(q.Criteria), plan
	default:
		return s.scanCriteria(q.Criteria), plan
	}
}

// planAndExecuteInTxn is planAndExecute's transaction-aware twin: the
// shared indexes only reflect committed state, so a plan is only
// trusted to use them directly when the querying transaction's own
// write set is empty (nothing it has written could change the index's
// answer); otherwise it falls back to a criteria scan over the
// transaction's own overlaid view.
func (s *Store) planAndExecuteInTxn(q optimizer.Query, tx *txn.Transaction) ([]string, optimizer.Plan) {
	if s.opt == nil {
		return s.scanCriteriaTxn(q.Criteria, tx), optimizer.Plan{}
	}
	plan := s.opt.Plan(q)
	if plan.Strategy.Kind == optimizer.StrategyIndexLookup && len(tx.WriteSet()) == 0 {
		if keys, ok := s.lookupByIndex(plan.Strategy.IndexName, q.Criteria); ok {
			return keys, plan
		}
	}
	return s.scanCriteriaTxn(q.Criteria, tx), plan
}

func (s *Store) lookupByIndex(name string, criteria map[string]string) ([]string, bool) {
	key, ok := s.indexes.LookupKey(name, criteria)
	if !ok {
		return nil, false
	}
	set, err := s.indexes.FindByIndex(name, key)
	if err != nil {
		return nil, false
	}
	return setToSortedKeys(set), true
}

// scanCriteria evaluates criteria against every stored record directly,
// used when there is no usable index or optimization is disabled.
func (s *Store) scanCriteria(criteria map[string]string) []string {
	entries := s.records.Entries()
	var keys []string
	for _, e := range entries {
		if matchesCriteria(e.Record, criteria) {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// scanCriteriaTxn is scanCriteria over tx's overlaid view.
func (s *Store) scanCriteriaTxn(criteria map[string]string, tx *txn.Transaction) []string {
	var keys []string
	for _, e := range s.effectiveEntries(tx) {
		if matchesCriteria(e.Record, criteria) {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// effectiveEntries returns the record set as tx should see it: the
// shared store's entries with tx's own pending writes overlaid (a
// pending delete removes the entry; a pending set replaces or adds it),
// or simply the shared store's entries when tx is nil. Find/Where only
// ever overlay the querying transaction's own pending writes: another
// transaction's uncommitted state is never visible here, whatever the
// caller's isolation level.
func (s *Store) effectiveEntries(tx *txn.Transaction) []recordKV {
	base := s.records.Entries()
	if tx == nil {
		out := make([]recordKV, len(base))
		for i, e := range base {
			out[i] = recordKV{Key: e.Key, Record: e.Record}
		}
		return out
	}

	writeSet := tx.WriteSet()
	out := make([]recordKV, 0, len(base)+len(writeSet))
	seen := make(map[string]struct{}, len(writeSet))
	for _, e := range base {
		if _, pending := writeSet[e.Key]; pending {
			val, deleted, found := tx.PendingValue(e.Key)
			seen[e.Key] = struct{}{}
			if !found || deleted {
				continue
			}
			out = append(out, recordKV{Key: e.Key, Record: val})
			continue
		}
		out = append(out, recordKV{Key: e.Key, Record: e.Record})
	}
	for key := range writeSet {
		if _, already := seen[key]; already {
			continue
		}
		val, deleted, found := tx.PendingValue(key)
		if !found || deleted {
			continue
		}
		out = append(out, recordKV{Key: key, Record: val})
	}
	return out
}

// recordKV is a (key, record) pair used internally by the query path's
// transaction-overlay helpers.
type recordKV struct {
	Key    string
	Record valuetype.Record
}

func matchesCriteria(rec valuetype.Record, criteria map[string]string) bool {
	for field, want := range criteria {
		v, ok := rec.Get(field)
		if !ok {
			return false
		}
		if valuetype.IndexKeyPart(v) != want {
			return false
		}
	}
	return true
}

func setToSortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// materializeTxn turns a key list into a Collection, applying
// Offset/Limit and resolving each key to its current record as tx sees
// it (or the shared store's value when tx is nil). A key produced by a
// stale lookup that has since been deleted is silently skipped.
func (s *Store) materializeTxn(keys []string, opts QueryOptions, tx *txn.Transaction) Collection {
	if opts.Offset > 0 {
		if opts.Offset >= len(keys) {
			keys = nil
		} else {
			keys = keys[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	out := Collection{Keys: make([]string, 0, len(keys)), Records: make([]valuetype.Record, 0, len(keys))}
	for _, k := range keys {
		var rec valuetype.Record
		var found bool
		if tx != nil {
			rec, found = s.readWithinTxn(tx, k)
		} else {
			rec, found = s.records.Get(k)
		}
		if !found {
			continue
		}
		if tx != nil {
			_ = tx.RecordRead(k, rec, found)
		}
		out.Keys = append(out.Keys, k)
		out.Records = append(out.Records, rec)
	}
	return out
}

// recordPlanCost feeds the plan's estimated cost and the cost of the
// strategy re-run against the real matched row count back into the
// optimizer, so its learned multipliers track actual selectivity
// instead of drifting on estimates alone.
func (s *Store) recordPlanCost(q optimizer.Query, plan optimizer.Plan, actualRows int) {
	if s.opt == nil || plan.Strategy.Kind == "" {
		return
	}
	actual := s.opt.ActualCost(q, plan.Strategy, actualRows)
	s.opt.RecordExecution(plan.Strategy, plan.EstimatedCost, actual)
}
