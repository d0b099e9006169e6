package optimizer

import "sync"

// opSample accumulates the execution history the cost model needs to
// adjust one operation's learned multiplier: a Welford online mean/
// variance of the observed actual/estimated cost ratio.
type opSample struct {
	samples   int
	meanRatio float64
	m2        float64 // sum of squared deviations from the running mean
}

// CostModel tracks a learned multiplier per Op, on top of the fixed
// base factors. Each multiplier is nudged from observed-vs-estimated
// execution cost ratios once enough consistent samples accumulate, so
// a workload whose filters are pricier (or indexes cheaper) than the
// defaults assume gradually steers planning toward reality.
type CostModel struct {
	mu          sync.Mutex
	multipliers map[Op]float64
	history     map[Op]*opSample
}

// NewCostModel starts every op's learned multiplier at 1.0 (no
// adjustment), matching the base cost factors exactly until enough
// executions accumulate.
func NewCostModel() *CostModel {
	cm := &CostModel{
		multipliers: make(map[Op]float64, len(baseCostFactors)),
		history:     make(map[Op]*opSample, len(baseCostFactors)),
	}
	for op := range baseCostFactors {
		cm.multipliers[op] = 1.0
	}
	return cm
}

// Cost returns the current effective cost of op: its fixed base factor
// times its learned multiplier.
func (cm *CostModel) Cost(op Op) float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return baseCostFactors[op] * cm.multipliers[op]
}

// Observe records one execution's estimated vs. actual cost for op and,
// once at least 3 samples have accumulated and the observed ratios are
// consistent (consistency score above 0.7), nudges the learned
// multiplier:
//
//	adjustment *= 1 + 0.1*(actual/estimated - 1), clamped to [0.1, 10.0]
func (cm *CostModel) Observe(op Op, estimated, actual float64) {
	if estimated <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	h, ok := cm.history[op]
	if !ok {
		h = &opSample{}
		cm.history[op] = h
	}

	ratio := actual / estimated
	h.samples++
	delta := ratio - h.meanRatio
	h.meanRatio += delta / float64(h.samples)
	delta2 := ratio - h.meanRatio
	h.m2 += delta * delta2

	if h.samples < 3 {
		return
	}

	consistency := consistencyScore(h.m2, h.samples)
	if consistency <= 0.7 {
		return
	}

	adj := cm.multipliers[op]
	adj *= 1 + 0.1*(ratio-1)
	if adj < 0.1 {
		adj = 0.1
	}
	if adj > 10.0 {
		adj = 10.0
	}
	cm.multipliers[op] = adj
}

// consistencyScore maps a Welford variance accumulator to a (0,1] score
// where 1 means every observed ratio matched the running mean exactly
// and the score falls off as variance grows.
func consistencyScore(m2 float64, samples int) float64 {
	if samples <= 1 {
		return 1
	}
	variance := m2 / float64(samples-1)
	return 1 / (1 + variance)
}

// Multiplier returns op's current learned multiplier, for diagnostics.
func (cm *CostModel) Multiplier(op Op) float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.multipliers[op]
}
