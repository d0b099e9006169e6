// Package txn implements the transactional core of vaultstore: the
// Transaction state machine and operation log, the isolation-level
// validator consulted at commit time, the deadlock detector, and the
// Manager that orchestrates all three over a shared lock manager.
package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// IsolationLevel is one of the four SQL standard isolation levels.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// State is a Transaction's lifecycle state: PENDING until Begin,
// ACTIVE while operations may be logged, then terminally COMMITTED or
// ABORTED.
type State int

const (
	Pending State = iota
	Active
	Committed
	Aborted
)

// OpType tags an entry in a transaction's operation log.
type OpType int

const (
	OpRead OpType = iota
	OpSet
	OpDelete
)

// Operation is one entry in a transaction's ordered log.
type Operation struct {
	Type      OpType
	Key       string
	OldValue  valuetype.Record
	NewValue  valuetype.Record
	Metadata  map[string]interface{}
	Timestamp time.Time
}

// Options configures a new Transaction.
type Options struct {
	IsolationLevel IsolationLevel
	ReadOnly       bool
	Timeout        time.Duration
}

// Transaction is a single unit of work: a state machine, an operation
// log, read/write sets, and (for REPEATABLE_READ/SERIALIZABLE) a
// snapshot of values observed on first read.
type Transaction struct {
	mu sync.Mutex

	id             string
	isolationLevel IsolationLevel
	readOnly       bool
	timeout        time.Duration
	startTime      time.Time
	endTime        time.Time
	state          State

	operations []Operation
	readSet    map[string]struct{}
	writeSet   map[string]struct{}
	snapshot   map[string]valuetype.Record

	// pending holds this transaction's own not-yet-committed writes, so
	// it can read its own writes and so commit can apply them in one
	// atomic pass. An entry with deleted=true marks a pending delete.
	pending map[string]pendingWrite
}

type pendingWrite struct {
	value   valuetype.Record
	deleted bool
}

// New creates a PENDING transaction with a fresh id.
func New(opts Options) *Transaction {
	return &Transaction{
		id:             uuid.NewString(),
		isolationLevel: opts.IsolationLevel,
		readOnly:       opts.ReadOnly,
		timeout:        opts.Timeout,
		state:          Pending,
		readSet:        make(map[string]struct{}),
		writeSet:       make(map[string]struct{}),
		snapshot:       make(map[string]valuetype.Record),
		pending:        make(map[string]pendingWrite),
	}
}

func (t *Transaction) ID() string                    { return t.id }
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolationLevel }
func (t *Transaction) ReadOnly() bool                 { return t.readOnly }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

func (t *Transaction) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime
}

// Begin transitions PENDING -> ACTIVE and stamps startTime.
func (t *Transaction) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Pending {
		return apierr.New(apierr.KindTransactionError, "transaction is not pending", map[string]interface{}{"id": t.id, "state": t.state})
	}
	t.state = Active
	t.startTime = time.Now()
	return nil
}

func (t *Transaction) setStateLocked(s State) {
	t.state = s
	if s == Committed || s == Aborted {
		t.endTime = time.Now()
	}
}

// SetState forcibly transitions the transaction (used by the manager on
// commit/abort after validation has already happened).
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStateLocked(s)
}

// IsExpired reports whether now is past the transaction's deadline.
func (t *Transaction) IsExpired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timeout <= 0 || t.state != Active {
		return false
	}
	return now.After(t.startTime.Add(t.timeout))
}

// Deadline returns the transaction's absolute timeout instant, or the
// zero time if it has no timeout.
func (t *Transaction) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timeout <= 0 {
		return time.Time{}
	}
	return t.startTime.Add(t.timeout)
}

// addOperation appends op to the log, enforcing the read-only and
// timeout rules.
func (t *Transaction) addOperation(op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return apierr.New(apierr.KindTransactionError, "transaction is not active", map[string]interface{}{"id": t.id})
	}
	if t.readOnly && op.Type != OpRead {
		return apierr.New(apierr.KindTransactionError, "read-only transaction cannot write", map[string]interface{}{"id": t.id, "key": op.Key})
	}
	if t.timeout > 0 && time.Now().After(t.startTime.Add(t.timeout)) {
		return apierr.New(apierr.KindTransactionError, "transaction timed out", map[string]interface{}{"id": t.id})
	}

	op.Timestamp = time.Now()
	t.operations = append(t.operations, op)
	return nil
}

// RecordRead logs a read of key returning value (present indicates
// whether the key existed). Under REPEATABLE_READ/SERIALIZABLE the first
// read of a key populates the transaction's snapshot.
func (t *Transaction) RecordRead(key string, value valuetype.Record, present bool) error {
	if err := t.addOperation(Operation{Type: OpRead, Key: key, NewValue: value}); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readSet[key] = struct{}{}
	if t.isolationLevel >= RepeatableRead {
		if _, ok := t.snapshot[key]; !ok {
			if present {
				t.snapshot[key] = value.Clone()
			} else {
				t.snapshot[key] = nil
			}
		}
	}
	return nil
}

// RecordWrite logs a set(key, newValue) with its prior value (nil if the
// key did not exist), and buffers the write so the transaction can read
// its own writes before commit.
func (t *Transaction) RecordWrite(key string, oldValue, newValue valuetype.Record) error {
	if err := t.addOperation(Operation{Type: OpSet, Key: key, OldValue: oldValue, NewValue: newValue}); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet[key] = struct{}{}
	t.pending[key] = pendingWrite{value: newValue}
	return nil
}

// RecordDelete logs a delete(key) with its prior value.
func (t *Transaction) RecordDelete(key string, oldValue valuetype.Record) error {
	if err := t.addOperation(Operation{Type: OpDelete, Key: key, OldValue: oldValue}); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet[key] = struct{}{}
	t.pending[key] = pendingWrite{deleted: true}
	return nil
}

// PendingValue returns this transaction's own uncommitted value for key,
// if it wrote or deleted it.
func (t *Transaction) PendingValue(key string) (value valuetype.Record, deleted bool, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pw, ok := t.pending[key]
	if !ok {
		return nil, false, false
	}
	return pw.value, pw.deleted, true
}

// ReadSet returns a copy of the keys read by this transaction.
func (t *Transaction) ReadSet() map[string]struct{} { return t.copySet(t.readSet) }

// WriteSet returns a copy of the keys written by this transaction.
func (t *Transaction) WriteSet() map[string]struct{} { return t.copySet(t.writeSet) }

func (t *Transaction) copySet(src map[string]struct{}) map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// Snapshot returns a copy of the REPEATABLE_READ/SERIALIZABLE snapshot.
func (t *Transaction) Snapshot() map[string]valuetype.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]valuetype.Record, len(t.snapshot))
	for k, v := range t.snapshot {
		out[k] = v
	}
	return out
}

// Operations returns a copy of the operation log.
func (t *Transaction) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.operations))
	copy(out, t.operations)
	return out
}

// InverseOp inverts a single logged write/delete operation: a SET with
// no prior value becomes a DELETE; a SET with a prior value becomes a
// SET to that prior value; a DELETE becomes a SET to its prior value.
// Read operations have no inverse.
func InverseOp(op Operation) (Operation, bool) {
	switch op.Type {
	case OpRead:
		return Operation{}, false
	case OpSet:
		if op.OldValue == nil {
			return Operation{Type: OpDelete, Key: op.Key}, true
		}
		return Operation{Type: OpSet, Key: op.Key, NewValue: op.OldValue}, true
	case OpDelete:
		return Operation{Type: OpSet, Key: op.Key, NewValue: op.OldValue}, true
	}
	return Operation{}, false
}

// RollbackOperations returns the inverse of every non-read operation in
// the log, in reverse order: the sequence of operations that would undo
// this transaction's writes.
func (t *Transaction) RollbackOperations() []Operation {
	ops := t.Operations()
	out := make([]Operation, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		if inv, ok := InverseOp(ops[i]); ok {
			out = append(out, inv)
		}
	}
	return out
}
