package engine

import (
	"testing"
	"time"

	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/index"
	"github.com/kasuganosora/vaultstore/pkg/optimizer"
	"github.com/kasuganosora/vaultstore/pkg/txn"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
	"github.com/kasuganosora/vaultstore/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(fields map[string]valuetype.Value) valuetype.Record {
	return valuetype.Record(fields)
}

// A composite index must resolve equality criteria over both fields to
// exactly the matching record.
func TestFindByCriteriaCompositeIndex(t *testing.T) {
	s, err := New(Options{
		IndexSpecs: []index.Decl{{Name: "cat_status", Fields: []string{"category", "status"}}},
	})
	require.NoError(t, err)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{"category": valuetype.String("A"), "status": valuetype.String("active")}), WriteOptions{})
	require.NoError(t, err)
	_, err = s.Set("r2", rec(map[string]valuetype.Value{"category": valuetype.String("A"), "status": valuetype.String("inactive")}), WriteOptions{})
	require.NoError(t, err)

	result, err := s.Find(map[string]valuetype.Value{"category": valuetype.String("A"), "status": valuetype.String("active")}, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, result.Keys)
}

// An array-valued field indexes the record under every element.
func TestFindByArrayField(t *testing.T) {
	s, err := New(Options{
		IndexSpecs: []index.Decl{{Name: "by_tag", Fields: []string{"tags"}}},
	})
	require.NoError(t, err)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{
		"tags": valuetype.Slice([]valuetype.Value{valuetype.String("t1"), valuetype.String("t2")}),
	}), WriteOptions{})
	require.NoError(t, err)

	for _, tag := range []string{"t1", "t2"} {
		result, err := s.Find(map[string]valuetype.Value{"tags": valuetype.String(tag)}, QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"r1"}, result.Keys)
	}
}

// A unique index violation rejects the write and leaves the store
// unchanged.
func TestUniqueIndexViolationLeavesStoreUnchanged(t *testing.T) {
	s, err := New(Options{
		IndexSpecs: []index.Decl{{Name: "by_email", Fields: []string{"email"}, Unique: true}},
	})
	require.NoError(t, err)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{"email": valuetype.String("a@x")}), WriteOptions{})
	require.NoError(t, err)

	_, err = s.Set("r2", rec(map[string]valuetype.Value{"email": valuetype.String("a@x")}), WriteOptions{})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindIndexError, apiErr.Kind)

	has, err := s.Has("r2", ReadOptions{})
	require.NoError(t, err)
	assert.False(t, has)
}

// COUNT(3) retention keeps the three most recent pre-images.
func TestVersioningCountRetention(t *testing.T) {
	s, err := New(Options{
		EnableVersioning: true,
		DefaultRetention: version.RetentionPolicy{Kind: version.RetentionCount, MaxCount: 3},
	})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := s.Set("r1", rec(map[string]valuetype.Value{"v": valuetype.Number(float64(i))}), WriteOptions{Override: true})
		require.NoError(t, err)
	}

	hist := s.versions.Export().Keys["r1"]
	require.Len(t, hist, 3)
	assert.Equal(t, float64(2), hist[0].Data["v"].AsNumber())
	assert.Equal(t, float64(3), hist[1].Data["v"].AsNumber())
	assert.Equal(t, float64(4), hist[2].Data["v"].AsNumber())
}

// Aborting a transaction leaves no trace of its writes.
func TestTransactionRollback(t *testing.T) {
	s, err := New(Options{EnableTransactions: true})
	require.NoError(t, err)

	tx, err := s.BeginTransaction(TxOptions{})
	require.NoError(t, err)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{"v": valuetype.Number(1)}), WriteOptions{Transaction: tx.ID()})
	require.NoError(t, err)
	_, err = s.Set("r1", rec(map[string]valuetype.Value{"v": valuetype.Number(2)}), WriteOptions{Transaction: tx.ID(), Override: true})
	require.NoError(t, err)

	require.NoError(t, s.AbortTransaction(tx.ID()))

	_, found, err := s.Get("r1", ReadOptions{})
	require.NoError(t, err)
	assert.False(t, found)
}

// Two concurrent transactions writing the same key: the first commit
// wins, the second fails validation.
func TestWriteWriteConflictAtReadCommitted(t *testing.T) {
	s, err := New(Options{EnableTransactions: true})
	require.NoError(t, err)

	txA, err := s.BeginTransaction(TxOptions{IsolationLevel: ReadCommitted})
	require.NoError(t, err)
	txB, err := s.BeginTransaction(TxOptions{IsolationLevel: ReadCommitted})
	require.NoError(t, err)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{"v": valuetype.Number(1)}), WriteOptions{Transaction: txA.ID()})
	require.NoError(t, err)
	_, err = s.Set("r1", rec(map[string]valuetype.Value{"v": valuetype.Number(2)}), WriteOptions{Transaction: txB.ID()})
	require.NoError(t, err)

	require.NoError(t, s.CommitTransaction(txA.ID()))

	err = s.CommitTransaction(txB.ID())
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindTransactionError, apiErr.Kind)
}

// With 10000 records and an index on email, planning prefers
// index_lookup over full_scan.
func TestOptimizerChoosesIndexLookupOverFullScan(t *testing.T) {
	s, err := New(Options{
		IndexSpecs: []index.Decl{{Name: "by_email", Fields: []string{"email"}}},
	})
	require.NoError(t, err)

	for i := 0; i < 10000; i++ {
		_, err := s.Set("", rec(map[string]valuetype.Value{
			"email": valuetype.String(indexedEmail(i)),
		}), WriteOptions{})
		require.NoError(t, err)
	}

	plan := s.opt.Plan(optimizer.Query{Criteria: map[string]string{"email": "x@example.com"}})
	assert.Equal(t, "index_lookup", string(plan.Strategy.Kind))
	require.NotEmpty(t, plan.Steps)
	assert.Equal(t, "index_lookup", plan.Steps[0].Kind)
}

func indexedEmail(i int) string {
	if i == 9999 {
		return "x@example.com"
	}
	return "other" + string(rune('a'+i%26)) + "@example.com"
}

func TestSetAutoAssignsKeyWhenBlank(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	got, err := s.Set("", rec(map[string]valuetype.Value{"name": valuetype.String("x")}), WriteOptions{})
	require.NoError(t, err)

	idVal, ok := got.Get("id")
	require.True(t, ok)
	assert.NotEmpty(t, idVal.AsString())

	has, err := s.Has(idVal.AsString(), ReadOptions{})
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBatchNonAtomicContinuesOnFailure(t *testing.T) {
	s, err := New(Options{
		IndexSpecs: []index.Decl{{Name: "by_email", Fields: []string{"email"}, Unique: true}},
	})
	require.NoError(t, err)

	results, err := s.Batch([]BatchOp{
		{Key: "r1", Patch: rec(map[string]valuetype.Value{"email": valuetype.String("a@x")})},
		{Key: "r2", Patch: rec(map[string]valuetype.Value{"email": valuetype.String("a@x")})}, // conflicts
		{Key: "r3", Patch: rec(map[string]valuetype.Value{"email": valuetype.String("b@x")})},
	}, BatchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)

	has, _ := s.Has("r3", ReadOptions{})
	assert.True(t, has)
}

func TestBatchAtomicAbortsOnFirstFailure(t *testing.T) {
	s, err := New(Options{
		EnableTransactions: true,
		IndexSpecs:         []index.Decl{{Name: "by_email", Fields: []string{"email"}, Unique: true}},
	})
	require.NoError(t, err)

	_, err = s.Batch([]BatchOp{
		{Key: "r1", Patch: rec(map[string]valuetype.Value{"email": valuetype.String("a@x")})},
		{Key: "r2", Patch: rec(map[string]valuetype.Value{"email": valuetype.String("a@x")})}, // conflicts
	}, BatchOptions{Atomic: true})
	require.Error(t, err)

	has, _ := s.Has("r1", ReadOptions{})
	assert.False(t, has, "atomic batch must not leave partial writes visible")
}

func TestDumpRecordsRoundTrip(t *testing.T) {
	s, err := New(Options{IndexSpecs: []index.Decl{{Name: "by_name", Fields: []string{"name"}}}})
	require.NoError(t, err)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{"name": valuetype.String("alice")}), WriteOptions{})
	require.NoError(t, err)
	_, err = s.Set("r2", rec(map[string]valuetype.Value{"name": valuetype.String("bob")}), WriteOptions{})
	require.NoError(t, err)

	dump, err := s.Dump(DumpRecords)
	require.NoError(t, err)

	fresh, err := New(Options{IndexSpecs: []index.Decl{{Name: "by_name", Fields: []string{"name"}}}})
	require.NoError(t, err)
	require.NoError(t, fresh.Override(DumpRecords, dump))

	got, found, err := fresh.Get("r1", ReadOptions{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", got["name"].AsString())

	result, err := fresh.Find(map[string]valuetype.Value{"name": valuetype.String("bob")}, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, result.Keys)
}

func TestWhereFiltersByPredicate(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Set("", rec(map[string]valuetype.Value{"n": valuetype.Number(float64(i))}), WriteOptions{})
		require.NoError(t, err)
	}

	result, err := s.Where(func(r valuetype.Record) bool {
		v, _ := r.Get("n")
		return v.AsNumber() >= 3
	}, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Keys, 2)
}

func TestKeysIterationOrderIsInsertionOrder(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	_, err = s.Set("c", rec(map[string]valuetype.Value{}), WriteOptions{})
	require.NoError(t, err)
	_, err = s.Set("a", rec(map[string]valuetype.Value{}), WriteOptions{})
	require.NoError(t, err)
	_, err = s.Set("b", rec(map[string]valuetype.Value{}), WriteOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "b"}, s.records.Keys())
}

func TestDetectDeadlocksFlagsExpiredTransaction(t *testing.T) {
	s, err := New(Options{EnableTransactions: true})
	require.NoError(t, err)

	tx, err := s.BeginTransaction(TxOptions{Timeout: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	report, err := s.DetectDeadlocks()
	require.NoError(t, err)

	found := false
	for _, dl := range report.Deadlocks {
		if dl.Kind == txn.DeadlockTimeout {
			for _, id := range dl.Transactions {
				if id == tx.ID() {
					found = true
				}
			}
		}
	}
	assert.True(t, found)
}

func TestDetectDeadlocksErrorsWhenTransactionsDisabled(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	_, err = s.DetectDeadlocks()
	require.Error(t, err)
}

func TestCreateIndexBackfillsExistingRecords(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{"name": valuetype.String("alice")}), WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, s.CreateIndex(index.Decl{Name: "by_name", Fields: []string{"name"}}))

	result, err := s.Find(map[string]valuetype.Value{"name": valuetype.String("alice")}, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, result.Keys)

	stats := s.IndexStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].TotalEntries)
}

func TestCreateIndexDropsItselfWhenBackfillViolatesUniqueness(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{"email": valuetype.String("a@x")}), WriteOptions{})
	require.NoError(t, err)
	_, err = s.Set("r2", rec(map[string]valuetype.Value{"email": valuetype.String("a@x")}), WriteOptions{})
	require.NoError(t, err)

	err = s.CreateIndex(index.Decl{Name: "by_email", Fields: []string{"email"}, Unique: true})
	require.Error(t, err)
	assert.Empty(t, s.IndexStats())
}

func TestVersionsAccessorServesHistoryQueries(t *testing.T) {
	s, err := New(Options{
		EnableVersioning: true,
		DefaultRetention: version.RetentionPolicy{Kind: version.RetentionCount, MaxCount: 10},
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := s.Set("r1", rec(map[string]valuetype.Value{"v": valuetype.Number(float64(i))}), WriteOptions{Override: true})
		require.NoError(t, err)
	}

	latest, ok := s.Versions().GetLatest("r1")
	require.True(t, ok)
	assert.Equal(t, float64(2), latest.Data["v"].AsNumber())

	oldest, ok := s.Versions().GetOldest("r1")
	require.True(t, ok)
	assert.Equal(t, float64(1), oldest.Data["v"].AsNumber())
}

func TestTransactionTimeoutRejectsFurtherOperations(t *testing.T) {
	s, err := New(Options{EnableTransactions: true})
	require.NoError(t, err)

	tx, err := s.BeginTransaction(TxOptions{Timeout: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = s.Set("r1", rec(map[string]valuetype.Value{"v": valuetype.Number(1)}), WriteOptions{Transaction: tx.ID()})
	require.Error(t, err)
}
