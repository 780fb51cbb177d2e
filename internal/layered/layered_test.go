package layered

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedstore/internal/admission"
	"github.com/Voskan/embedstore/internal/config"
	"github.com/Voskan/embedstore/internal/slot"
)

func dramOnlyConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New(
		config.WithStorageType(config.DRAM),
		config.WithLayout(config.LayoutLight, 4),
		config.WithAdmissionFilter(1, 1<<20, admission.Width16, 1024, 0.01),
	)
	require.NoError(t, err)
	return cfg
}

func TestCreateOnMissAdmitsAndPublishes(t *testing.T) {
	ls, err := New(dramOnlyConfig(t), nil)
	require.NoError(t, err)
	defer ls.Close()

	s, inserted, err := ls.CreateOnMiss(1, 1)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotNil(t, s)
	assert.True(t, ls.Contains(1))

	got, err := ls.Get(1)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestCreateOnMissSecondCallerLosesRace(t *testing.T) {
	ls, err := New(dramOnlyConfig(t), nil)
	require.NoError(t, err)
	defer ls.Close()

	first, ok1, err := ls.CreateOnMiss(7, 1)
	require.NoError(t, err)
	require.True(t, ok1)

	second, ok2, err := ls.CreateOnMiss(7, 1)
	require.NoError(t, err)
	assert.False(t, ok2)
	assert.Same(t, first, second)
}

func hbmDramConfig(t *testing.T, hbmCapacitySlots int) *config.Config {
	t.Helper()
	const valueLen = 4
	const slotBytes = int64(valueLen) * 4
	cfg, err := config.New(
		config.WithStorageType(config.HBMDRAM),
		config.WithLayout(config.LayoutLight, valueLen),
		config.WithAdmissionFilter(1, 1<<20, admission.Width16, 1024, 0.01),
		config.WithSizes([4]int64{slotBytes * int64(hbmCapacitySlots), 1 << 30, 0, 0}),
	)
	require.NoError(t, err)
	return cfg
}

func TestGetPromotesFromLowerTier(t *testing.T) {
	ls, err := New(hbmDramConfig(t, 1024), nil)
	require.NoError(t, err)
	defer ls.Close()

	dram := ls.memTiers[1]
	buf := dram.Allocate()
	copy(buf, []float32{1, 2, 3, 4})
	s := slot.NewValueSlot(42, buf, ls.layout, slot.TierDRAM)
	require.NoError(t, dram.Insert(42, s))

	got, err := ls.Get(42)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got.Payload)

	hbm := ls.memTiers[0]
	assert.True(t, hbm.Contains(42))
	// the DRAM copy-back source stays live: COPYBACK (non-destroy) per spec.
	assert.True(t, dram.Contains(42))
}

func TestEvictOnceMovesVictimsDownATier(t *testing.T) {
	ls, err := New(hbmDramConfig(t, 2), nil)
	require.NoError(t, err)
	defer ls.Close()

	for id := int64(1); id <= 5; id++ {
		_, ok, err := ls.CreateOnMiss(id, 1)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ls.evictOnce(0)

	hbm := ls.memTiers[0]
	dram := ls.memTiers[1]
	assert.LessOrEqual(t, hbm.Size(), 5)
	assert.Greater(t, dram.Size(), 0)
	assert.Equal(t, 5, hbm.Size()+dram.Size())
}

func TestRemoveDeletesFromOwningTier(t *testing.T) {
	ls, err := New(dramOnlyConfig(t), nil)
	require.NoError(t, err)
	defer ls.Close()

	_, _, err = ls.CreateOnMiss(9, 1)
	require.NoError(t, err)
	require.NoError(t, ls.Remove(9))
	assert.False(t, ls.Contains(9))
}
