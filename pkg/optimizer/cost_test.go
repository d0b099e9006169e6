package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCostModelStartsAtBaseFactor(t *testing.T) {
	cm := NewCostModel()
	assert.Equal(t, baseCostFactors[OpFullScan], cm.Cost(OpFullScan))
	assert.Equal(t, 1.0, cm.Multiplier(OpFullScan))
}

func TestObserveDoesNotAdjustBeforeThreeSamples(t *testing.T) {
	cm := NewCostModel()
	cm.Observe(OpIndexLookup, 10, 20)
	cm.Observe(OpIndexLookup, 10, 20)
	assert.Equal(t, 1.0, cm.Multiplier(OpIndexLookup))
}

func TestObserveNudgesMultiplierUpWhenActualExceedsEstimate(t *testing.T) {
	cm := NewCostModel()
	for i := 0; i < 20; i++ {
		cm.Observe(OpIndexLookup, 10, 20)
	}
	assert.Greater(t, cm.Multiplier(OpIndexLookup), 1.0)
}

func TestObserveClampsMultiplierToUpperBound(t *testing.T) {
	cm := NewCostModel()
	for i := 0; i < 200; i++ {
		cm.Observe(OpIndexLookup, 1, 1000)
	}
	assert.LessOrEqual(t, cm.Multiplier(OpIndexLookup), 10.0)
}

func TestObserveClampsMultiplierToLowerBound(t *testing.T) {
	cm := NewCostModel()
	for i := 0; i < 200; i++ {
		cm.Observe(OpIndexLookup, 1000, 1)
	}
	assert.GreaterOrEqual(t, cm.Multiplier(OpIndexLookup), 0.1)
}

func TestObserveIgnoresZeroEstimate(t *testing.T) {
	cm := NewCostModel()
	cm.Observe(OpIndexLookup, 0, 50)
	assert.Equal(t, 1.0, cm.Multiplier(OpIndexLookup))
}
