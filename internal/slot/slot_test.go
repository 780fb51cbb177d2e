package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalLayoutAlignment(t *testing.T) {
	layout := NewNormalLayout(3, 3, 3) // primary + Adam m + Adam v
	require.Len(t, layout.SubEmbeddings, 3)
	for _, se := range layout.SubEmbeddings {
		assert.Equal(t, 0, (se.Offset*4)%Alignment, "offset %d not 16-byte aligned", se.Offset)
	}
	assert.GreaterOrEqual(t, layout.TotalDims, 9)
}

func TestContiguousLayoutIsTighterThanNormal(t *testing.T) {
	normal := NewNormalLayout(3, 3, 3)
	contig := NewContiguousLayout(3, 3, 3)
	assert.LessOrEqual(t, contig.TotalDims, normal.TotalDims)
}

func TestLightLayoutSingleSubEmbedding(t *testing.T) {
	layout := NewLightLayout(8)
	require.Len(t, layout.SubEmbeddings, 1)
	assert.Equal(t, 8, layout.SubEmbeddings[0].Len)
}

func TestFlagsTierRoundTrip(t *testing.T) {
	var f Flags
	f = f.WithTier(TierSSD)
	assert.Equal(t, TierSSD, f.Tier())
	f = f.WithTier(TierHBM)
	assert.Equal(t, TierHBM, f.Tier())
}

func TestFlagsInitializedBits(t *testing.T) {
	var f Flags
	assert.False(t, f.Initialized(0))
	f = f.WithInitialized(0)
	f = f.WithInitialized(2)
	assert.True(t, f.Initialized(0))
	assert.False(t, f.Initialized(1))
	assert.True(t, f.Initialized(2))
}

func TestValueSlotL2Norm(t *testing.T) {
	layout := NewContiguousLayout(3)
	s := NewValueSlot(5, make([]float32, layout.TotalDims), &layout, TierDRAM)
	copy(s.Sub(0), []float32{3, 3, 3})
	// ||[3,3,3]||_2 = sqrt(27) ~= 5.196
	assert.InDelta(t, 5.196, s.L2Norm(), 0.01)
}

func TestValueSlotFlagsAreConcurrencySafeCAS(t *testing.T) {
	layout := NewContiguousLayout(2)
	s := NewValueSlot(1, make([]float32, layout.TotalDims), &layout, TierDRAM)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.MarkInitialized(0)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		s.SetFrozen(true)
	}
	<-done
	assert.True(t, s.Flags().Initialized(0))
	assert.True(t, s.Flags().Frozen())
}

func TestEmptyKeyReserved(t *testing.T) {
	assert.Equal(t, int64(-1<<63), EmptyKey)
}
