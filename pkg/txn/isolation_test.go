package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	active    []*Transaction
	committed map[string]commitRecord
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{committed: make(map[string]commitRecord)}
}

func (f *fakeRegistry) ActiveTransactions() []*Transaction { return f.active }

func (f *fakeRegistry) CommittedWrite(key string) (string, time.Time, bool) {
	rec, ok := f.committed[key]
	if !ok {
		return "", time.Time{}, false
	}
	return rec.txID, rec.commitAt, true
}

func TestValidateReadUncommittedNeverRejects(t *testing.T) {
	reg := newFakeRegistry()
	reg.committed["r1"] = commitRecord{txID: "other", commitAt: time.Now()}

	tx := New(Options{IsolationLevel: ReadUncommitted})
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.RecordWrite("r1", nil, nil))

	v := NewIsolationValidator()
	assert.NoError(t, v.Validate(tx, reg))
}

// Write-write conflict: a commit after a concurrent committed write to
// the same key is rejected.
func TestValidateReadCommittedRejectsWriteWriteConflict(t *testing.T) {
	tx := New(Options{IsolationLevel: ReadCommitted})
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.RecordWrite("r1", nil, nil))

	reg := newFakeRegistry()
	reg.committed["r1"] = commitRecord{txID: "other-tx", commitAt: time.Now().Add(time.Millisecond)}

	v := NewIsolationValidator()
	err := v.Validate(tx, reg)
	assert.Error(t, err)
}

func TestValidateReadCommittedAllowsOwnCommittedWrite(t *testing.T) {
	tx := New(Options{IsolationLevel: ReadCommitted})
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.RecordWrite("r1", nil, nil))

	reg := newFakeRegistry()
	reg.committed["r1"] = commitRecord{txID: tx.ID(), commitAt: time.Now()}

	v := NewIsolationValidator()
	assert.NoError(t, v.Validate(tx, reg))
}

func TestValidateReadCommittedAllowsCommitBeforeStart(t *testing.T) {
	tx := New(Options{IsolationLevel: ReadCommitted})
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.RecordWrite("r1", nil, nil))

	reg := newFakeRegistry()
	reg.committed["r1"] = commitRecord{txID: "other", commitAt: tx.StartTime().Add(-time.Hour)}

	v := NewIsolationValidator()
	assert.NoError(t, v.Validate(tx, reg))
}

func TestValidateRepeatableReadRejectsChangedReadKey(t *testing.T) {
	tx := New(Options{IsolationLevel: RepeatableRead})
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.RecordRead("r1", nil, false))

	reg := newFakeRegistry()
	reg.committed["r1"] = commitRecord{txID: "other", commitAt: time.Now().Add(time.Millisecond)}

	v := NewIsolationValidator()
	err := v.Validate(tx, reg)
	assert.Error(t, err)
}

func TestValidateSerializableRejectsOnActiveWriteOfReadKey(t *testing.T) {
	tx := New(Options{IsolationLevel: Serializable})
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.RecordRead("r1", nil, false))

	other := New(Options{IsolationLevel: Serializable})
	require.NoError(t, other.Begin())
	require.NoError(t, other.RecordWrite("r1", nil, nil))

	reg := newFakeRegistry()
	reg.active = []*Transaction{tx, other}

	v := NewIsolationValidator()
	err := v.Validate(tx, reg)
	assert.Error(t, err)
}

func TestValidateSerializableAllowsDisjointWrites(t *testing.T) {
	tx := New(Options{IsolationLevel: Serializable})
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.RecordWrite("r1", nil, nil))

	other := New(Options{IsolationLevel: Serializable})
	require.NoError(t, other.Begin())
	require.NoError(t, other.RecordWrite("r2", nil, nil))

	reg := newFakeRegistry()
	reg.active = []*Transaction{tx, other}

	v := NewIsolationValidator()
	assert.NoError(t, v.Validate(tx, reg))
}
