package engine

import (
	"time"

	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/txn"
)

// IsolationLevel mirrors txn.IsolationLevel at the Store's public
// surface, so callers of this package never need to import pkg/txn
// directly for the common case.
type IsolationLevel = txn.IsolationLevel

const (
	ReadUncommitted = txn.ReadUncommitted
	ReadCommitted   = txn.ReadCommitted
	RepeatableRead  = txn.RepeatableRead
	Serializable    = txn.Serializable
)

// TxOptions configures BeginTransaction.
type TxOptions struct {
	IsolationLevel IsolationLevel
	ReadOnly       bool
	Timeout        time.Duration
}

// BeginTransaction starts a new transaction and returns a handle whose
// ID is passed to subsequent Set/Get/Delete/Commit/Abort calls.
func (s *Store) BeginTransaction(opts TxOptions) (*txn.Transaction, error) {
	if s.txns == nil {
		return nil, apierr.New(apierr.KindConfigurationErr, "transactions are not enabled on this store", nil)
	}
	return s.txns.Begin(txn.Options{
		IsolationLevel: opts.IsolationLevel,
		ReadOnly:       opts.ReadOnly,
		Timeout:        opts.Timeout,
	})
}

// CommitTransaction validates the named transaction against its
// isolation level, applies its buffered writes to the record store,
// index manager, and version manager atomically, and marks it
// COMMITTED. If validation fails, or if applying an operation fails
// partway (e.g. a unique-index violation only detectable once the
// actual data is known), the transaction is aborted and every
// already-applied operation from this commit attempt is reverted.
func (s *Store) CommitTransaction(id string) error {
	tx, err := s.txnFor(id)
	if err != nil {
		return err
	}

	if err := s.txns.PrepareCommit(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []txn.Operation
	for _, op := range tx.Operations() {
		if op.Type == txn.OpRead {
			continue
		}
		if err := s.applyOperation(op); err != nil {
			s.revertApplied(applied)
			s.txns.Abort(tx, "commit-time apply failed")
			return err
		}
		applied = append(applied, op)
	}

	s.txns.FinalizeCommit(tx)
	s.refreshStatistics()
	return nil
}

// DetectDeadlocks runs one detection pass over currently active
// transactions and returns the combined report of confirmed
// wait-for/resource-graph cycles, isolation-conflict suspicions, and
// timeout victims. Victim selection is left to the caller.
func (s *Store) DetectDeadlocks() (txn.Report, error) {
	if s.txns == nil {
		return txn.Report{}, apierr.New(apierr.KindConfigurationErr, "transactions are not enabled on this store", nil)
	}
	return s.txns.DetectDeadlocks(), nil
}

// AbortTransaction discards the named transaction's buffered writes
// (nothing was ever applied to the store) and releases its locks.
// Idempotent.
func (s *Store) AbortTransaction(id string) error {
	if s.txns == nil {
		return apierr.New(apierr.KindConfigurationErr, "transactions are not enabled on this store", nil)
	}
	tx, ok := s.txns.Get(id)
	if !ok {
		return apierr.New(apierr.KindTransactionError, "unknown transaction", map[string]interface{}{"id": id})
	}
	s.txns.Abort(tx, "caller requested abort")
	return nil
}

// applyOperation applies a single buffered write/delete operation to
// the record store, its indexes, and version history, exactly as the
// non-transactional Set/Delete path does.
func (s *Store) applyOperation(op txn.Operation) error {
	switch op.Type {
	case txn.OpSet:
		old, found := s.records.Get(op.Key)
		s.records.Set(op.Key, op.NewValue)
		var err error
		if found {
			err = s.indexes.UpdateRecord(op.Key, old, op.NewValue)
		} else {
			err = s.indexes.AddRecord(op.Key, op.NewValue)
		}
		if err != nil {
			if found {
				s.records.Set(op.Key, old)
			} else {
				s.records.Delete(op.Key)
			}
			return err
		}
		if s.opts.EnableVersioning && found {
			if !s.versions.IsEnabled(op.Key) {
				s.versions.Enable(op.Key, nil)
			}
			s.versions.AddVersion(op.Key, old, "set")
		}
		return nil
	case txn.OpDelete:
		old, found := s.records.Get(op.Key)
		if !found {
			return nil
		}
		s.records.Delete(op.Key)
		s.indexes.RemoveRecord(op.Key, old)
		if s.opts.EnableVersioning {
			if !s.versions.IsEnabled(op.Key) {
				s.versions.Enable(op.Key, nil)
			}
			s.versions.AddVersion(op.Key, old, "delete")
		}
		return nil
	}
	return nil
}

// revertApplied undoes, in reverse order, every operation in applied by
// applying its inverse, used when a commit fails partway through
// applying its buffered writes.
func (s *Store) revertApplied(applied []txn.Operation) {
	for i := len(applied) - 1; i >= 0; i-- {
		inv, ok := txn.InverseOp(applied[i])
		if !ok {
			continue
		}
		_ = s.applyOperation(inv)
	}
}
