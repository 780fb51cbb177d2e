package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedstore/internal/memorypool"
	"github.com/Voskan/embedstore/internal/slot"
	"github.com/Voskan/embedstore/internal/ssdlog"
)

func testLayout() *slot.Layout {
	l := slot.NewNormalLayout(4)
	return &l
}

func TestMemTierInsertGetRemove(t *testing.T) {
	layout := testLayout()
	mt := NewMemTier(KindDRAM, 16, layout, memorypool.DefaultAllocator)

	buf := mt.Allocate()
	s := slot.NewValueSlot(1, buf, layout, slot.TierDRAM)
	require.NoError(t, mt.Insert(1, s))
	assert.True(t, mt.Contains(1))
	assert.Equal(t, 1, mt.Size())

	got, err := mt.Get(1)
	require.NoError(t, err)
	assert.Same(t, s, got)

	removed, err := mt.Remove(1)
	require.NoError(t, err)
	assert.Same(t, s, removed)
	assert.False(t, mt.Contains(1))
}

func TestMemTierTryInsertRace(t *testing.T) {
	layout := testLayout()
	mt := NewMemTier(KindHBM, 16, layout, memorypool.DefaultAllocator)

	first := slot.NewValueSlot(5, mt.Allocate(), layout, slot.TierHBM)
	second := slot.NewValueSlot(5, mt.Allocate(), layout, slot.TierHBM)

	winner, ok := mt.TryInsert(5, first)
	assert.True(t, ok)
	assert.Same(t, first, winner)

	winner2, ok2 := mt.TryInsert(5, second)
	assert.False(t, ok2)
	assert.Same(t, first, winner2)
}

func newSSDTierForTest(t *testing.T, layout *slot.Layout) *SSDTier {
	t.Helper()
	log, err := ssdlog.NewLog(ssdlog.Config{
		Dir:          t.TempDir(),
		TotalDims:    layout.TotalDims,
		SegmentBytes: 4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return NewSSDTier(log, layout)
}

func TestSSDTierCommitAndGet(t *testing.T) {
	layout := testLayout()
	st := newSSDTierForTest(t, layout)

	s := slot.NewValueSlot(10, make([]float32, layout.TotalDims), layout, slot.TierSSD)
	s.Version.Store(3)
	s.Frequency.Store(7)
	copy(s.Payload, []float32{1, 2, 3, 4})

	require.NoError(t, st.Insert(10, s))
	assert.True(t, st.Contains(10))

	got, err := st.Get(10)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got.Payload)
	assert.Equal(t, int64(3), got.Version.Load())
	assert.Equal(t, uint32(7), got.Frequency.Load())
}

func TestSSDTierBatchCommit(t *testing.T) {
	layout := testLayout()
	st := newSSDTierForTest(t, layout)

	ids := []int64{1, 2, 3}
	slots := make([]*slot.ValueSlot, len(ids))
	for i, id := range ids {
		slots[i] = slot.NewValueSlot(id, []float32{float32(id), float32(id), float32(id), float32(id)}, layout, slot.TierSSD)
	}
	require.NoError(t, st.BatchCommit(ids, slots))
	assert.Equal(t, 3, st.Size())

	for _, id := range ids {
		got, err := st.Get(id)
		require.NoError(t, err)
		assert.Equal(t, float32(id), got.Payload[0])
	}
}

func TestSSDTierRemove(t *testing.T) {
	layout := testLayout()
	st := newSSDTierForTest(t, layout)

	s := slot.NewValueSlot(1, make([]float32, layout.TotalDims), layout, slot.TierSSD)
	require.NoError(t, st.Insert(1, s))

	_, err := st.Remove(1)
	require.NoError(t, err)
	assert.False(t, st.Contains(1))
}
