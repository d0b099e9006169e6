package optimizer

import (
	"sort"
	"sync"
	"time"
)

const (
	maxHistorySize           = 1000
	historyTrimRatio         = 0.6 // trimmed back to 60% of max once 80% full
	statisticsUpdateInterval = 1000
)

// IndexProvider is the slice of *index.Manager the optimizer needs:
// enough to generate index_lookup/filtered_scan candidates without
// importing the index package's full surface (and, incidentally,
// without caring whether the caller's indexes are backed by that exact
// implementation).
type IndexProvider interface {
	GetOptimalIndex(fields []string) string
	IsExactMatch(name string, fields []string) bool
	Names() []string
}

// execution is one recorded (estimated, actual) pair for a chosen
// strategy, kept in a bounded ring buffer for periodic recomputation.
type execution struct {
	strategy  StrategyKind
	op        Op
	estimated float64
	actual    float64
}

// Optimizer is the query planner: given a Query, it generates candidate
// strategies from the available indexes, costs each with the CostModel
// against current Statistics, and picks the cheapest — caching the
// decision and feeding execution outcomes back into the cost model's
// learned multipliers.
type Optimizer struct {
	mu sync.Mutex

	indexes IndexProvider
	stats   *Statistics
	cost    *CostModel
	cache   *PlanCache

	history         []execution
	sinceLastUpdate int
}

// New constructs an Optimizer bound to indexes for strategy generation.
func New(indexes IndexProvider) *Optimizer {
	return &Optimizer{
		indexes: indexes,
		stats:   NewStatistics(),
		cost:    NewCostModel(),
		cache:   NewPlanCache(),
	}
}

// Statistics exposes the optimizer's Statistics for the store to feed
// fresh record/index snapshots into.
func (o *Optimizer) Statistics() *Statistics { return o.stats }

// Plan chooses a strategy for q, consulting the plan cache first. A
// cache hit returns a fresh copy (new id, independent step list) of the
// cached decision.
func (o *Optimizer) Plan(q Query) Plan {
	key := Key(q)
	if cached, ok := o.cache.Get(key); ok {
		return cached
	}

	candidates := o.generateStrategies(q)
	best := candidates[0]
	bestCost := o.strategyCost(q, best, o.estimatedRows(q, best))
	bestRows := o.estimatedRows(q, best)
	for _, cand := range candidates[1:] {
		rows := o.estimatedRows(q, cand)
		c := o.strategyCost(q, cand, rows)
		if c < bestCost {
			best = cand
			bestCost = c
			bestRows = rows
		}
	}

	steps := o.buildSteps(q, best, bestCost, bestRows)
	total := 0.0
	for _, st := range steps {
		total += st.Cost
	}

	plan := Plan{
		Query:         q,
		Strategy:      best,
		Steps:         steps,
		EstimatedCost: total,
		EstimatedRows: bestRows,
		ComputedAt:    time.Now(),
	}
	o.cache.Put(key, plan)
	return plan.Clone()
}

// buildSteps assembles the ordered step list for the winning strategy:
// the access step first, then a sort step (cost proportional to the
// rows it orders) and a limit step (one memory access, rows capped at
// the limit) when the query asks for them.
func (o *Optimizer) buildSteps(q Query, s Strategy, accessCost float64, rows int) []Step {
	steps := []Step{{Kind: string(s.Kind), IndexName: s.IndexName, Cost: accessCost, Rows: rows}}
	if q.Sort != "" {
		steps = append(steps, Step{Kind: "sort", Cost: float64(rows) * o.cost.Cost(OpSortOperation), Rows: rows})
	}
	if q.Limit > 0 {
		limited := rows
		if q.Limit < limited {
			limited = q.Limit
		}
		steps = append(steps, Step{Kind: "limit", Cost: o.cost.Cost(OpMemoryAccess), Rows: limited})
	}
	return steps
}

// generateStrategies enumerates every strategy the query could use:
// full_scan is always available; index_lookup is offered when the
// optimal index is an exact match; filtered_scan is offered for the
// optimal index when it is not an exact match, and for every other
// index that is not an exact match, whether or not it covers any
// criterion.
func (o *Optimizer) generateStrategies(q Query) []Strategy {
	strategies := []Strategy{{Kind: StrategyFullScan}}

	if len(q.Criteria) == 0 {
		return strategies
	}

	fields := make([]string, 0, len(q.Criteria))
	for f := range q.Criteria {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	optimal := o.indexes.GetOptimalIndex(fields)
	if optimal != "" {
		if o.indexes.IsExactMatch(optimal, fields) {
			strategies = append(strategies, Strategy{Kind: StrategyIndexLookup, IndexName: optimal})
		} else {
			strategies = append(strategies, Strategy{Kind: StrategyFilteredScan, IndexName: optimal})
		}
	}

	for _, name := range o.indexes.Names() {
		if name == optimal {
			continue
		}
		if !o.indexes.IsExactMatch(name, fields) {
			strategies = append(strategies, Strategy{Kind: StrategyFilteredScan, IndexName: name})
		}
	}

	return strategies
}

// strategyCost prices the access portion of a strategy for q at the
// given row count, using the cost model's current effective per-op
// costs (base factor x learned multiplier). Sort and limit costs live
// on their own steps, not here; they are identical across candidates
// and cannot change which strategy wins.
func (o *Optimizer) strategyCost(q Query, s Strategy, rows int) float64 {
	var total float64

	switch s.Kind {
	case StrategyFullScan:
		total += o.cost.Cost(OpFullScan)
		total += float64(o.stats.RecordCount()) * o.cost.Cost(OpMemoryAccess)
		total += float64(o.stats.RecordCount()) * o.cost.Cost(OpComparison)
	case StrategyIndexLookup:
		total += o.cost.Cost(OpIndexLookup)
		total += float64(rows) * o.cost.Cost(OpMemoryAccess)
	case StrategyFilteredScan:
		total += o.cost.Cost(OpIndexLookup)
		total += float64(rows) * o.cost.Cost(OpMemoryAccess)
		total += float64(rows) * o.cost.Cost(OpFilterEvaluation)
	}

	if q.HasRegex {
		total += float64(rows) * o.cost.Cost(OpRegexMatch)
	}

	return total
}

// ActualCost re-runs the same cost formula as planning, substituting
// the real row count the executed strategy produced. Callers use this
// to turn a materialized Find/Where result into the (estimated, actual)
// pair RecordExecution needs, without duplicating the cost formula at
// the call site.
func (o *Optimizer) ActualCost(q Query, s Strategy, actualRows int) float64 {
	total := o.strategyCost(q, s, actualRows)
	if q.Sort != "" {
		total += float64(actualRows) * o.cost.Cost(OpSortOperation)
	}
	if q.Limit > 0 {
		total += o.cost.Cost(OpMemoryAccess)
	}
	return total
}

func (o *Optimizer) estimatedRows(q Query, s Strategy) int {
	switch s.Kind {
	case StrategyFullScan:
		return o.stats.RecordCount()
	case StrategyIndexLookup, StrategyFilteredScan:
		if len(q.Criteria) == 0 {
			return o.stats.RecordCount()
		}
		return o.stats.EstimateRowsForCriteria(q.Criteria)
	}
	return o.stats.RecordCount()
}

// RecordExecution feeds an observed (estimated, actual) cost pair back
// into the model: it appends to the bounded execution history and
// passes the pair straight to the cost model's Observe, so the op's
// learned multiplier can move on every execution. The history is not
// replayed: reaching statisticsUpdateInterval only resets the counter,
// and no batch recomputation over the history takes place.
func (o *Optimizer) RecordExecution(s Strategy, estimated, actual float64) {
	op := dominantOp(s)

	o.mu.Lock()
	o.history = append(o.history, execution{strategy: s.Kind, op: op, estimated: estimated, actual: actual})
	if len(o.history) > int(float64(maxHistorySize)*0.8) {
		drop := len(o.history) - int(float64(maxHistorySize)*historyTrimRatio)
		if drop > 0 {
			o.history = append([]execution(nil), o.history[drop:]...)
		}
	}
	o.sinceLastUpdate++
	if o.sinceLastUpdate >= statisticsUpdateInterval {
		o.sinceLastUpdate = 0
	}
	o.mu.Unlock()

	o.cost.Observe(op, estimated, actual)
}

func dominantOp(s Strategy) Op {
	switch s.Kind {
	case StrategyIndexLookup:
		return OpIndexLookup
	case StrategyFilteredScan:
		return OpFilterEvaluation
	default:
		return OpFullScan
	}
}

// InvalidateCache drops every cached plan, called by the store each
// time it refreshes the optimizer's statistics (after index creation or
// removal, an override, a commit, or a run of writes), since the
// cheapest strategy may have changed.
func (o *Optimizer) InvalidateCache() { o.cache.Invalidate() }

// CacheStats reports the plan cache's cumulative hit/miss counts.
func (o *Optimizer) CacheStats() (hits, misses int) { return o.cache.Stats() }
