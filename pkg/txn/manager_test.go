package txn

import (
	"testing"
	"time"

	"github.com/kasuganosora/vaultstore/pkg/lock"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(lock.New(), 5*time.Second)
}

func TestBeginTracksTransaction(t *testing.T) {
	m := newTestManager()
	tx, err := m.Begin(Options{IsolationLevel: ReadCommitted})
	require.NoError(t, err)
	assert.Equal(t, Active, tx.State())

	got, ok := m.Get(tx.ID())
	require.True(t, ok)
	assert.Equal(t, tx.ID(), got.ID())
}

func TestCommitSucceedsWithNoConflict(t *testing.T) {
	m := newTestManager()
	tx, err := m.Begin(Options{IsolationLevel: ReadCommitted})
	require.NoError(t, err)
	require.NoError(t, tx.RecordWrite("r1", nil, valuetype.Record{"v": valuetype.Number(1)}))

	require.NoError(t, m.Commit(tx))
	assert.Equal(t, Committed, tx.State())

	txID, _, ok := m.CommittedWrite("r1")
	require.True(t, ok)
	assert.Equal(t, tx.ID(), txID)
}

// Two concurrent transactions write the same key; the second to commit
// is rejected with a write-write conflict at READ_COMMITTED.
func TestSecondCommitRejectedOnWriteWriteConflict(t *testing.T) {
	m := newTestManager()

	tx1, err := m.Begin(Options{IsolationLevel: ReadCommitted})
	require.NoError(t, err)
	tx2, err := m.Begin(Options{IsolationLevel: ReadCommitted})
	require.NoError(t, err)

	require.NoError(t, tx1.RecordWrite("r1", nil, valuetype.Record{"v": valuetype.Number(1)}))
	require.NoError(t, tx2.RecordWrite("r1", nil, valuetype.Record{"v": valuetype.Number(2)}))

	require.NoError(t, m.Commit(tx1))
	assert.Equal(t, Committed, tx1.State())

	err = m.Commit(tx2)
	assert.Error(t, err)
	assert.Equal(t, Aborted, tx2.State())
}

// Abort returns the inverse operations needed to undo a transaction's
// writes.
func TestAbortReturnsInverseOperationsAndReleasesLocks(t *testing.T) {
	m := newTestManager()
	tx, err := m.Begin(Options{IsolationLevel: ReadCommitted})
	require.NoError(t, err)
	require.NoError(t, tx.RecordWrite("r1", nil, valuetype.Record{"v": valuetype.Number(1)}))
	require.NoError(t, m.AcquireForWrite(tx, "r1"))

	ops := m.Abort(tx, "test abort")
	require.Len(t, ops, 1)
	assert.Equal(t, OpDelete, ops[0].Type)
	assert.Equal(t, Aborted, tx.State())

	// Lock must be free: a fresh transaction can acquire it immediately.
	assert.True(t, m.locks.TryAcquire("other-tx", "r1", lock.Exclusive))
}

func TestAbortIsIdempotent(t *testing.T) {
	m := newTestManager()
	tx, err := m.Begin(Options{})
	require.NoError(t, err)
	require.NotNil(t, m.Abort(tx, "first"))
	assert.Nil(t, m.Abort(tx, "second"))
}

func TestCommitNonActiveTransactionFails(t *testing.T) {
	m := newTestManager()
	tx, err := m.Begin(Options{})
	require.NoError(t, err)
	m.Abort(tx, "done")
	assert.Error(t, m.Commit(tx))
}

func TestStatsReflectsActivityCounts(t *testing.T) {
	m := newTestManager()
	tx1, _ := m.Begin(Options{})
	tx2, _ := m.Begin(Options{})
	require.NoError(t, m.Commit(tx1))
	m.Abort(tx2, "done")

	stats := m.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Committed)
	assert.Equal(t, 1, stats.Aborted)
}

func TestCleanupRemovesOldTerminalTransactions(t *testing.T) {
	m := newTestManager()
	tx, _ := m.Begin(Options{})
	require.NoError(t, m.Commit(tx))

	removed := m.Cleanup(0)
	assert.Equal(t, 1, removed)
	_, ok := m.Get(tx.ID())
	assert.False(t, ok)
}
