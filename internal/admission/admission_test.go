package admission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountingBloomMonotone(t *testing.T) {
	f := NewCountingBloom(64, 3, Width32, 2)
	assert.False(t, f.Observe(1))
	assert.True(t, f.Observe(1))
	// Once admitted, stays admitted for every subsequent call.
	for i := 0; i < 5; i++ {
		assert.True(t, f.Observe(1))
	}
}

func TestCountingBloomNeverUnderAdmitsAtThreshold(t *testing.T) {
	f := NewCountingBloom(1024, 4, Width16, 5)
	for i := 0; i < 4; i++ {
		assert.False(t, f.Observe(42))
	}
	assert.True(t, f.Observe(42))
}

func TestCountingBloomSaturatesAtCounterWidth(t *testing.T) {
	f := NewCountingBloom(8, 1, Width8, 300) // threshold above uint8 max
	for i := 0; i < 500; i++ {
		f.Observe(1)
	}
	// Saturates at 255 and never reaches a threshold of 300: filter should
	// never falsely claim admission once it's stuck below threshold.
	assert.False(t, f.Observe(1))
}

func TestCountingBloomConcurrentObserveDistinctIDs(t *testing.T) {
	f := NewCountingBloom(4096, 4, Width32, 4)
	var wg sync.WaitGroup
	for id := int64(1); id <= 4; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				f.Observe(id)
			}
		}(id)
	}
	wg.Wait()
	for id := int64(1); id <= 4; id++ {
		assert.True(t, f.Observe(id))
	}
}

func TestFrequencyThresholdObserveMonotone(t *testing.T) {
	f := NewFrequencyThreshold(3)
	assert.False(t, f.Observe(42))
	assert.False(t, f.Observe(42))
	assert.True(t, f.Observe(42))
	// Once admitted, stays admitted for every subsequent call.
	for i := 0; i < 5; i++ {
		assert.True(t, f.Observe(42))
	}
}

func TestFrequencyThresholdDistinctIDsIndependent(t *testing.T) {
	f := NewFrequencyThreshold(2)
	assert.False(t, f.Observe(1))
	assert.False(t, f.Observe(2))
	assert.True(t, f.Observe(1))
	assert.False(t, f.Peek(2))
	assert.True(t, f.Observe(2))
	assert.True(t, f.Peek(2))
}

func TestFrequencyThresholdPeekDoesNotMutate(t *testing.T) {
	f := NewFrequencyThreshold(2)
	for i := 0; i < 5; i++ {
		assert.False(t, f.Peek(7))
	}
	assert.False(t, f.Observe(7))
	assert.True(t, f.Observe(7))
}

func TestFrequencyThresholdSatisfiesFilterInterface(t *testing.T) {
	var _ Filter = NewFrequencyThreshold(1)
}

func TestEstimateMAndKArePositive(t *testing.T) {
	m := EstimateM(1_000_000, 0.01)
	k := EstimateK(m, 1_000_000)
	assert.Greater(t, m, 0)
	assert.Greater(t, k, 0)
}
