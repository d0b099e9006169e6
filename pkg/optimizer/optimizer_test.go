package optimizer

import (
	"testing"

	"github.com/kasuganosora/vaultstore/pkg/valuetype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndexes struct {
	optimal string
	exact   bool
	names   []string
}

func (f fakeIndexes) GetOptimalIndex(fields []string) string         { return f.optimal }
func (f fakeIndexes) IsExactMatch(name string, fields []string) bool { return f.exact }
func (f fakeIndexes) Names() []string                                { return f.names }

func manyRecords(n int) []valuetype.Record {
	out := make([]valuetype.Record, 0, n)
	for i := 0; i < n; i++ {
		email := "user0@example.com"
		if i > 0 {
			email = "user" + string(rune('a'+i%26)) + "@example.com"
		}
		out = append(out, valuetype.Record{"email": valuetype.String(email)})
	}
	return out
}

// With a large store and an exact-match index over the query's field,
// the optimizer must choose index_lookup, not full_scan.
func TestPlanChoosesIndexLookupOverFullScanForLargeSelectiveStore(t *testing.T) {
	idx := fakeIndexes{optimal: "by_email", exact: true, names: []string{"by_email"}}
	o := New(idx)
	o.Statistics().Update(manyRecords(10000), map[string]int{"by_email": 26})

	plan := o.Plan(Query{Criteria: map[string]string{"email": "usera@example.com"}})
	assert.Equal(t, StrategyIndexLookup, plan.Strategy.Kind)
	assert.Equal(t, "by_email", plan.Strategy.IndexName)
	require.NotEmpty(t, plan.Steps)
	assert.Equal(t, "index_lookup", plan.Steps[0].Kind)
}

func TestPlanAppendsSortAndLimitSteps(t *testing.T) {
	idx := fakeIndexes{optimal: "by_email", exact: true, names: []string{"by_email"}}
	o := New(idx)
	o.Statistics().Update(manyRecords(1000), map[string]int{"by_email": 26})

	plan := o.Plan(Query{
		Criteria: map[string]string{"email": "usera@example.com"},
		Sort:     "email",
		Limit:    5,
	})
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "sort", plan.Steps[1].Kind)
	assert.Equal(t, "limit", plan.Steps[2].Kind)
	assert.LessOrEqual(t, plan.Steps[2].Rows, 5)

	total := 0.0
	for _, st := range plan.Steps {
		total += st.Cost
	}
	assert.InDelta(t, plan.EstimatedCost, total, 1e-9)
}

func TestPlanChoosesFullScanWhenNoCriteria(t *testing.T) {
	idx := fakeIndexes{}
	o := New(idx)
	o.Statistics().Update(manyRecords(100), nil)

	plan := o.Plan(Query{})
	assert.Equal(t, StrategyFullScan, plan.Strategy.Kind)
}

func TestPlanChoosesFilteredScanWhenOnlyPartialIndexExists(t *testing.T) {
	idx := fakeIndexes{optimal: "by_dept", exact: false, names: []string{"by_dept"}}
	o := New(idx)
	o.Statistics().Update(manyRecords(5000), map[string]int{"by_dept": 5})

	plan := o.Plan(Query{Criteria: map[string]string{"dept": "eng", "email": "a@x.com"}})
	assert.Equal(t, StrategyFilteredScan, plan.Strategy.Kind)
}

func TestPlanIsCachedAcrossIdenticalQueries(t *testing.T) {
	idx := fakeIndexes{optimal: "by_email", exact: true, names: []string{"by_email"}}
	o := New(idx)
	o.Statistics().Update(manyRecords(1000), map[string]int{"by_email": 26})

	q := Query{Criteria: map[string]string{"email": "usera@example.com"}}
	first := o.Plan(q)
	second := o.Plan(q)
	assert.Equal(t, first.Strategy, second.Strategy)
	assert.Equal(t, first.Steps, second.Steps)
	assert.NotEqual(t, first.ID, second.ID, "a cache hit must produce a fresh plan id")

	hits, _ := o.CacheStats()
	assert.Equal(t, 1, hits)
}

func TestRecordExecutionFeedsCostModel(t *testing.T) {
	idx := fakeIndexes{}
	o := New(idx)
	for i := 0; i < 10; i++ {
		o.RecordExecution(Strategy{Kind: StrategyFullScan}, 100, 500)
	}
	require.Greater(t, o.cost.Multiplier(OpFullScan), 1.0)
}

func TestInvalidateCacheClearsPriorPlans(t *testing.T) {
	idx := fakeIndexes{optimal: "by_email", exact: true, names: []string{"by_email"}}
	o := New(idx)
	o.Statistics().Update(manyRecords(10), map[string]int{"by_email": 10})

	q := Query{Criteria: map[string]string{"email": "x"}}
	o.Plan(q)
	o.InvalidateCache()

	_, misses := o.CacheStats()
	o.Plan(q)
	_, missesAfter := o.CacheStats()
	assert.Greater(t, missesAfter, misses)
}
