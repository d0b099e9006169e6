package txn

import (
	"sync"
	"time"

	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/lock"
)

// Stats summarizes the manager's lifetime activity.
type Stats struct {
	Active    int
	Committed int
	Aborted   int
}

// Manager orchestrates the Transaction lifecycle: begin, commit,
// abort. It owns the lock manager, the isolation validator, the
// deadlock detector, and the committed-write ledger the validator reads
// committed-after-start conflicts from.
type Manager struct {
	mu sync.RWMutex

	locks     *lock.Manager
	validator *IsolationValidator
	detector  *DeadlockDetector

	transactions map[string]*Transaction
	committed    map[string]commitRecord // key -> latest committer
	defaultTimeout time.Duration

	committedCount int
	abortedCount   int
}

// NewManager constructs a TransactionManager bound to locks (shared with
// the rest of the store, since an exclusive lock on a key is the same
// lock whether acquired by a transaction or an ad hoc caller).
func NewManager(locks *lock.Manager, defaultTimeout time.Duration) *Manager {
	m := &Manager{
		locks:          locks,
		validator:      NewIsolationValidator(),
		transactions:   make(map[string]*Transaction),
		committed:      make(map[string]commitRecord),
		defaultTimeout: defaultTimeout,
	}
	m.detector = NewDeadlockDetector(locks, m)
	return m
}

// Waiting satisfies waitView by delegating straight to the lock manager;
// the manager itself holds no wait-state of its own.
func (m *Manager) Waiting() map[string]string { return m.locks.Waiting() }

// ActiveTransactions satisfies Registry for the isolation validator.
func (m *Manager) ActiveTransactions() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		if tx.State() == Active {
			out = append(out, tx)
		}
	}
	return out
}

// CommittedWrite satisfies Registry for the isolation validator.
func (m *Manager) CommittedWrite(key string) (string, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.committed[key]
	if !ok {
		return "", time.Time{}, false
	}
	return rec.txID, rec.commitAt, true
}

// Begin creates and activates a new transaction.
func (m *Manager) Begin(opts Options) (*Transaction, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = m.defaultTimeout
	}
	tx := New(opts)
	if err := tx.Begin(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.transactions[tx.ID()] = tx
	m.mu.Unlock()
	return tx, nil
}

// Get returns the transaction with the given id, if tracked.
func (m *Manager) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	return tx, ok
}

// AcquireForWrite acquires the exclusive lock tx needs to write key,
// bounded by the transaction's remaining time budget.
func (m *Manager) AcquireForWrite(tx *Transaction, key string) error {
	timeout := m.remaining(tx)
	return m.locks.Acquire(tx.ID(), key, lock.Exclusive, timeout)
}

func (m *Manager) remaining(tx *Transaction) time.Duration {
	deadline := tx.Deadline()
	if deadline.IsZero() {
		if m.defaultTimeout > 0 {
			return m.defaultTimeout
		}
		return 30 * time.Second
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return remaining
}

// PrepareCommit acquires the exclusive lock on every write-set key and
// runs isolation validation, but does not yet mark tx
// COMMITTED. Callers that need to apply tx's buffered writes to backing
// storage between validation and finalization (the engine's commit
// path) should call PrepareCommit, perform that application, then call
// FinalizeCommit on success or Abort on failure. On any PrepareCommit
// failure, tx has already been aborted and its locks released.
func (m *Manager) PrepareCommit(tx *Transaction) error {
	if tx.State() != Active {
		return apierr.New(apierr.KindTransactionError, "cannot commit a non-active transaction", map[string]interface{}{"id": tx.ID()})
	}

	for key := range tx.WriteSet() {
		if err := m.AcquireForWrite(tx, key); err != nil {
			_ = m.Abort(tx, "failed to acquire commit locks")
			return err
		}
	}

	if err := m.validator.Validate(tx, m); err != nil {
		_ = m.Abort(tx, "isolation validation failed")
		return err
	}

	return nil
}

// FinalizeCommit marks tx COMMITTED, records its writes in the
// committed-write ledger, and releases its locks. Call only after a
// successful PrepareCommit and successful application of tx's buffered
// writes.
func (m *Manager) FinalizeCommit(tx *Transaction) {
	m.mu.Lock()
	now := time.Now()
	for key := range tx.WriteSet() {
		m.committed[key] = commitRecord{txID: tx.ID(), commitAt: now}
	}
	m.committedCount++
	m.mu.Unlock()

	tx.SetState(Committed)
	m.locks.ReleaseAll(tx.ID())
}

// Commit is PrepareCommit followed immediately by FinalizeCommit, for
// callers with no backing storage to apply (e.g. tests exercising the
// transaction manager in isolation).
func (m *Manager) Commit(tx *Transaction) error {
	if err := m.PrepareCommit(tx); err != nil {
		return err
	}
	m.FinalizeCommit(tx)
	return nil
}

// Abort marks tx ABORTED, releases its locks, and returns its inverse
// operation list (the sequence the caller must apply to the store to
// undo any writes it had already applied). Idempotent:
// aborting an already-terminal transaction is a no-op that returns nil.
func (m *Manager) Abort(tx *Transaction, reason string) []Operation {
	if tx.State() != Active {
		return nil
	}
	ops := tx.RollbackOperations()
	tx.SetState(Aborted)
	m.locks.ReleaseAll(tx.ID())
	m.mu.Lock()
	m.abortedCount++
	m.mu.Unlock()
	return ops
}

// DetectDeadlocks runs one detection pass over currently active
// transactions.
func (m *Manager) DetectDeadlocks() Report {
	return m.detector.Detect(m.ActiveTransactions())
}

// Cleanup removes terminal transactions (COMMITTED/ABORTED) whose
// EndTime is older than maxAge, bounding the registry's memory growth.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, tx := range m.transactions {
		st := tx.State()
		if st != Committed && st != Aborted {
			continue
		}
		if tx.EndTime().Before(cutoff) {
			delete(m.transactions, id)
			removed++
		}
	}
	return removed
}

// Stats reports lifetime transaction counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := 0
	for _, tx := range m.transactions {
		if tx.State() == Active {
			active++
		}
	}
	return Stats{Active: active, Committed: m.committedCount, Aborted: m.abortedCount}
}
