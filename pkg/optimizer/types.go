// Package optimizer implements the cost-based query planner: strategy
// generation over the record store's available indexes, a fixed-base/
// learned-multiplier cost model adjusted from observed executions, and
// a TTL'd plan cache.
package optimizer

import (
	"time"

	"github.com/google/uuid"
)

// Op names a unit of work a strategy performs, each carrying a fixed
// base cost factor and its own learned multiplier.
type Op string

const (
	OpIndexLookup      Op = "INDEX_LOOKUP"
	OpMemoryAccess     Op = "MEMORY_ACCESS"
	OpComparison       Op = "COMPARISON"
	OpFilterEvaluation Op = "FILTER_EVALUATION"
	OpRegexMatch       Op = "REGEX_MATCH"
	OpSortOperation    Op = "SORT_OPERATION"
	OpFullScan         Op = "FULL_SCAN"
)

// baseCostFactors are the fixed starting costs per unit of work. They
// never change; only the per-op learned multiplier moves.
var baseCostFactors = map[Op]float64{
	OpIndexLookup:      1,
	OpMemoryAccess:     1,
	OpComparison:       2,
	OpFilterEvaluation: 10,
	OpRegexMatch:       20,
	OpSortOperation:    50,
	OpFullScan:         100,
}

// StrategyKind names a query execution strategy.
type StrategyKind string

const (
	StrategyFullScan     StrategyKind = "full_scan"
	StrategyIndexLookup  StrategyKind = "index_lookup"
	StrategyFilteredScan StrategyKind = "filtered_scan"
)

// Query describes a find/where request: the equality criteria to match,
// whether a regex match is involved, and shaping options. It carries no
// filter predicate, so a predicate-only request plans as a query with
// no criteria.
type Query struct {
	Criteria map[string]string
	HasRegex bool
	Sort     string
	Limit    int
	Offset   int
}

// Strategy is one candidate way to execute a Query.
type Strategy struct {
	Kind      StrategyKind
	IndexName string // set for index_lookup / filtered_scan
}

// Step is one entry in a plan's ordered execution step list: the access
// strategy first, then a "sort" step and a "limit" step when the query
// asks for them. Each carries the cost and row count attributed to it.
type Step struct {
	Kind      string
	IndexName string
	Cost      float64
	Rows      int
}

// Plan is the optimizer's chosen strategy for a Query: an id, the
// winning strategy, the ordered step list, and the estimated cost and
// row count that justified the choice.
type Plan struct {
	ID            string
	Query         Query
	Strategy      Strategy
	Steps         []Step
	EstimatedCost float64
	EstimatedRows int
	ComputedAt    time.Time
}

// Clone returns a copy of p with a fresh id and its own Criteria map
// and step list, so a cache reader can never mutate the cached entry.
func (p Plan) Clone() Plan {
	cp := p
	cp.ID = uuid.NewString()
	cp.Query.Criteria = make(map[string]string, len(p.Query.Criteria))
	for k, v := range p.Query.Criteria {
		cp.Query.Criteria[k] = v
	}
	cp.Steps = make([]Step, len(p.Steps))
	copy(cp.Steps, p.Steps)
	return cp
}
