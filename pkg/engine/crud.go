package engine

import (
	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/txn"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// WriteOptions modifies a Set/Delete call.
type WriteOptions struct {
	// Override replaces the stored record outright instead of merging
	// patch over the prior value.
	Override bool
	// Transaction, if non-empty, routes the write through that
	// transaction's buffer instead of applying it immediately.
	Transaction string
}

// ReadOptions modifies a Get/Has/Find/Where call.
type ReadOptions struct {
	Transaction string
}

func (s *Store) txnFor(id string) (*txn.Transaction, error) {
	if s.txns == nil {
		return nil, apierr.New(apierr.KindConfigurationErr, "transactions are not enabled on this store", nil)
	}
	tx, ok := s.txns.Get(id)
	if !ok {
		return nil, apierr.New(apierr.KindTransactionError, "unknown transaction", map[string]interface{}{"id": id})
	}
	if tx.State() != txn.Active {
		return nil, apierr.New(apierr.KindTransactionError, "transaction is not active", map[string]interface{}{"id": id})
	}
	return tx, nil
}

// Set creates or updates key with patch, returning the record as
// stored. A blank key auto-assigns one from patch's primary-key field
// (generating a fresh UUID if that field is absent). Outside a
// transaction the write is visible immediately; inside one it is
// buffered until Commit.
func (s *Store) Set(key string, patch valuetype.Record, opts WriteOptions) (valuetype.Record, error) {
	if key == "" {
		key, patch = s.resolveKey(patch)
	}

	if err := s.validateSchema(patch); err != nil {
		return nil, err
	}

	if opts.Transaction != "" {
		tx, err := s.txnFor(opts.Transaction)
		if err != nil {
			return nil, err
		}
		old, found := s.readWithinTxn(tx, key)
		merged := mergeRecord(old, patch, opts.Override, found)
		var oldForLog valuetype.Record
		if found {
			oldForLog = old
		}
		if err := tx.RecordWrite(key, oldForLog, merged); err != nil {
			return nil, err
		}
		return merged.Clone(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, found := s.records.Get(key)
	merged := mergeRecord(old, patch, opts.Override, found)
	if err := s.validateSchema(merged); err != nil {
		return nil, err
	}

	s.records.Set(key, merged)
	var idxErr error
	if found {
		idxErr = s.indexes.UpdateRecord(key, old, merged)
	} else {
		idxErr = s.indexes.AddRecord(key, merged)
	}
	if idxErr != nil {
		if found {
			s.records.Set(key, old)
		} else {
			s.records.Delete(key)
		}
		return nil, idxErr
	}

	if s.opts.EnableVersioning && found {
		if !s.versions.IsEnabled(key) {
			s.versions.Enable(key, nil)
		}
		s.versions.AddVersion(key, old, "set")
	}

	s.noteWrite()
	return merged.Clone(), nil
}

func mergeRecord(old, patch valuetype.Record, override, found bool) valuetype.Record {
	if override || !found {
		return patch.Clone()
	}
	return valuetype.Merge(old, patch)
}

// readWithinTxn resolves key's value as tx should see it: its own
// pending write/delete if any, else the shared store's current value.
func (s *Store) readWithinTxn(tx *txn.Transaction, key string) (valuetype.Record, bool) {
	if val, deleted, found := tx.PendingValue(key); found {
		if deleted {
			return nil, false
		}
		return val, true
	}
	return s.records.Get(key)
}

// Get returns key's current value, or (nil, false) if absent.
func (s *Store) Get(key string, opts ReadOptions) (valuetype.Record, bool, error) {
	if opts.Transaction != "" {
		tx, err := s.txnFor(opts.Transaction)
		if err != nil {
			return nil, false, err
		}
		val, found := s.readWithinTxn(tx, key)
		if err := tx.RecordRead(key, val, found); err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		return val.Clone(), true, nil
	}

	val, found := s.records.Get(key)
	return val, found, nil
}

// Has reports whether key currently exists.
func (s *Store) Has(key string, opts ReadOptions) (bool, error) {
	_, found, err := s.Get(key, opts)
	return found, err
}

// Delete removes key, recording its prior value in the version history
// (if enabled) and every index.
func (s *Store) Delete(key string, opts WriteOptions) error {
	if opts.Transaction != "" {
		tx, err := s.txnFor(opts.Transaction)
		if err != nil {
			return err
		}
		old, found := s.readWithinTxn(tx, key)
		if !found {
			return apierr.New(apierr.KindRecordNotFound, "key not found", map[string]interface{}{"key": key})
		}
		return tx.RecordDelete(key, old)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, found := s.records.Get(key)
	if !found {
		return apierr.New(apierr.KindRecordNotFound, "key not found", map[string]interface{}{"key": key})
	}

	s.records.Delete(key)
	s.indexes.RemoveRecord(key, old)

	if s.opts.EnableVersioning {
		if !s.versions.IsEnabled(key) {
			s.versions.Enable(key, nil)
		}
		s.versions.AddVersion(key, old, "delete")
	}

	s.noteWrite()
	return nil
}

// BatchOp is one operation in a Batch call.
type BatchOp struct {
	Key      string
	Patch    valuetype.Record
	Delete   bool
	Override bool
}

// BatchOptions controls Batch's atomicity and transaction routing.
type BatchOptions struct {
	// Atomic, when true, runs the whole batch inside one transaction
	// (the caller's when Transaction is set, which must name an ACTIVE
	// transaction or the first op fails; otherwise a transaction Batch
	// begins and commits itself) and aborts it on the first per-item
	// failure, discarding every op in the batch. When false (the
	// default), ops apply one at a time, directly against the shared
	// store or through Transaction's buffer when it is set, and a
	// failure partway leaves prior ops in place.
	Atomic      bool
	Transaction string
}

// BatchResult is one op's outcome, in the same order as the input ops.
type BatchResult struct {
	Key    string
	Record valuetype.Record
	Err    error
}

// Batch applies ops in order per opts. In non-atomic mode every op runs regardless of earlier failures, and
// the per-item results (including errors) come back in order with no
// overall error. In atomic mode the first failure aborts the enclosing
// transaction and Batch returns that error immediately; results up to
// and including the failing op are still returned for diagnostics, but
// none of their writes are visible (the transaction aborted).
func (s *Store) Batch(ops []BatchOp, opts BatchOptions) ([]BatchResult, error) {
	if opts.Atomic {
		return s.batchAtomic(ops, opts.Transaction)
	}
	return s.batchNonAtomic(ops, opts.Transaction), nil
}

func (s *Store) batchNonAtomic(ops []BatchOp, txID string) []BatchResult {
	results := make([]BatchResult, len(ops))
	for i, op := range ops {
		if op.Delete {
			err := s.Delete(op.Key, WriteOptions{Transaction: txID})
			results[i] = BatchResult{Key: op.Key, Err: err}
			continue
		}
		rec, err := s.Set(op.Key, op.Patch, WriteOptions{Override: op.Override, Transaction: txID})
		results[i] = BatchResult{Key: op.Key, Record: rec, Err: err}
	}
	return results
}

func (s *Store) batchAtomic(ops []BatchOp, txID string) ([]BatchResult, error) {
	ownTx := txID == ""
	if ownTx {
		tx, err := s.BeginTransaction(TxOptions{})
		if err != nil {
			return nil, err
		}
		txID = tx.ID()
	}

	results := make([]BatchResult, 0, len(ops))
	for _, op := range ops {
		if op.Delete {
			err := s.Delete(op.Key, WriteOptions{Transaction: txID})
			results = append(results, BatchResult{Key: op.Key, Err: err})
			if err != nil {
				_ = s.AbortTransaction(txID)
				return results, err
			}
			continue
		}
		rec, err := s.Set(op.Key, op.Patch, WriteOptions{Override: op.Override, Transaction: txID})
		results = append(results, BatchResult{Key: op.Key, Record: rec, Err: err})
		if err != nil {
			_ = s.AbortTransaction(txID)
			return results, err
		}
	}

	if ownTx {
		if err := s.CommitTransaction(txID); err != nil {
			return results, err
		}
	}
	return results, nil
}
