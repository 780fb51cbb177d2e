package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedstore/internal/admission"
	"github.com/Voskan/embedstore/internal/ssdlog"
)

func TestNewAppliesDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, DRAM, cfg.StorageType)
	assert.Equal(t, 8, cfg.ValueLen)
	assert.Equal(t, int64(0), cfg.StepsToLive)
	assert.True(t, cfg.AsyncCompaction, "ASYNC_COMPACTION defaults to true per spec")
	assert.Equal(t, admission.PolicyBloom, cfg.AdmissionPolicy)
}

func TestWithFrequencyAdmissionSelectsPolicy(t *testing.T) {
	cfg, err := New(WithFrequencyAdmission(5))
	require.NoError(t, err)
	assert.Equal(t, admission.PolicyFrequencyThreshold, cfg.AdmissionPolicy)
	assert.Equal(t, uint64(5), cfg.FilterFreq)
}

func TestEnvOverridesAsyncCompactionToFalse(t *testing.T) {
	t.Setenv("SSDHASH_ASYNC_COMPACTION", "false")
	cfg, err := New()
	require.NoError(t, err)
	assert.False(t, cfg.AsyncCompaction)
}

func TestWithLayoutAndStorageType(t *testing.T) {
	cfg, err := New(
		WithStorageType(HBMDRAMSSDHash),
		WithLayout(LayoutNormal, 16, 16, 16),
		WithSSD(t.TempDir(), 1<<20),
	)
	require.NoError(t, err)
	assert.Equal(t, HBMDRAMSSDHash, cfg.StorageType)
	assert.True(t, cfg.StorageType.HasHBM())
	assert.True(t, cfg.StorageType.HasSSD())
	assert.Equal(t, 3, cfg.StorageType.TierCount())
	assert.Equal(t, []int{16, 16}, cfg.ExtraSlots)
}

func TestValidateRejectsZeroValueLen(t *testing.T) {
	_, err := New(WithLayout(LayoutNormal, 0))
	require.Error(t, err)
}

func TestValidateRejectsSSDStorageWithoutDir(t *testing.T) {
	_, err := New(WithStorageType(DRAMSSDHash), WithSSD("", 0))
	require.Error(t, err)
}

func TestEnvOverridesIOScheme(t *testing.T) {
	t.Setenv("SSDHASH_IO_SCHEME", "mmap_and_madvise")
	cfg, err := New(WithSSD(t.TempDir(), 1<<20))
	require.NoError(t, err)
	assert.Equal(t, ssdlog.SchemeMmapAndMadvise, cfg.IOScheme)
}

func TestEnvOverridesAsyncCompaction(t *testing.T) {
	t.Setenv("SSDHASH_ASYNC_COMPACTION", "true")
	cfg, err := New()
	require.NoError(t, err)
	assert.True(t, cfg.AsyncCompaction)
}

func TestParseStorageTypeUnknown(t *testing.T) {
	_, err := ParseStorageType("BOGUS")
	require.Error(t, err)
}

func TestParseLayoutKindRoundTrip(t *testing.T) {
	for _, s := range []string{"normal", "light", "normal_contiguous"} {
		_, err := ParseLayoutKind(s)
		require.NoError(t, err)
	}
}
