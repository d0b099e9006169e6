package txn

import (
	"time"

	"github.com/kasuganosora/vaultstore/pkg/apierr"
)

// commitRecord is the latest known committed write to a key, kept so
// READ_COMMITTED and above can detect writes that happened after a
// transaction started.
type commitRecord struct {
	txID     string
	commitAt time.Time
}

// Registry is the read-only view of manager state the validator and the
// deadlock detector need: the set of currently active transactions and
// the ledger of recently committed writes.
type Registry interface {
	ActiveTransactions() []*Transaction
	CommittedWrite(key string) (txID string, commitAt time.Time, ok bool)
}

// IsolationValidator checks a transaction about to commit against the
// registry of other activity, per isolation level.
//
// READ_UNCOMMITTED never rejects. READ_COMMITTED rejects if another
// transaction committed a conflicting write to one of this
// transaction's write-set keys after it started. REPEATABLE_READ adds
// the same check against the read-set (so a value read cannot have
// changed underneath the transaction); phantoms are detected at the
// granularity of the exact keys in the transaction's snapshot, not via
// predicate or range reconstruction, so a concurrent write to a key
// the transaction observed is always caught while heuristic
// key-similarity matching is deliberately omitted. SERIALIZABLE
// additionally rejects when a still-ACTIVE transaction has written any
// key this transaction read, or read any key this transaction wrote (a
// conservative write-skew guard).
type IsolationValidator struct{}

// NewIsolationValidator constructs a validator. It is stateless; all
// state lives in the Registry passed to Validate.
func NewIsolationValidator() *IsolationValidator { return &IsolationValidator{} }

// Validate returns a TransactionError if tx cannot safely commit given
// reg's current view of other transactions and recent commits.
func (v *IsolationValidator) Validate(tx *Transaction, reg Registry) error {
	level := tx.IsolationLevel()
	if level == ReadUncommitted {
		return nil
	}

	if err := v.checkWriteConflicts(tx, reg); err != nil {
		return err
	}

	if level >= RepeatableRead {
		if err := v.checkRepeatableRead(tx, reg); err != nil {
			return err
		}
	}

	if level >= Serializable {
		if err := v.checkSerializable(tx, reg); err != nil {
			return err
		}
	}

	return nil
}

func (v *IsolationValidator) checkWriteConflicts(tx *Transaction, reg Registry) error {
	start := tx.StartTime()
	for key := range tx.WriteSet() {
		txID, commitAt, ok := reg.CommittedWrite(key)
		if !ok || txID == tx.ID() {
			continue
		}
		if commitAt.After(start) {
			return conflictErr(tx.ID(), key, "write-write conflict: key committed by another transaction after this transaction started")
		}
	}
	return nil
}

func (v *IsolationValidator) checkRepeatableRead(tx *Transaction, reg Registry) error {
	start := tx.StartTime()
	for key := range tx.ReadSet() {
		txID, commitAt, ok := reg.CommittedWrite(key)
		if !ok || txID == tx.ID() {
			continue
		}
		if commitAt.After(start) {
			return conflictErr(tx.ID(), key, "repeatable-read violation: key changed by a committed transaction since this transaction started")
		}
	}
	return nil
}

func (v *IsolationValidator) checkSerializable(tx *Transaction, reg Registry) error {
	writeSet := tx.WriteSet()
	readSet := tx.ReadSet()

	for _, other := range reg.ActiveTransactions() {
		if other.ID() == tx.ID() {
			continue
		}
		otherWrites := other.WriteSet()
		otherReads := other.ReadSet()

		for key := range readSet {
			if _, ok := otherWrites[key]; ok {
				return conflictErr(tx.ID(), key, "serialization conflict: an active transaction has written a key this transaction read")
			}
		}
		for key := range writeSet {
			if _, ok := otherReads[key]; ok {
				return conflictErr(tx.ID(), key, "serialization conflict: an active transaction has read a key this transaction wrote (write skew)")
			}
			if _, ok := otherWrites[key]; ok {
				return conflictErr(tx.ID(), key, "serialization conflict: an active transaction is writing the same key")
			}
		}
	}
	return nil
}

func conflictErr(txID, key, message string) *apierr.Error {
	return apierr.New(apierr.KindTransactionError, message, map[string]interface{}{
		"transaction": txID,
		"key":         key,
	})
}
