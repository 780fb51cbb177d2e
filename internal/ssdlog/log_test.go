package ssdlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, dir string) Config {
	t.Helper()
	return Config{
		Dir:                 dir,
		TotalDims:           4,
		SegmentBytes:        4096,
		IOScheme:            SchemeDirectIO,
		AsyncCompaction:     false,
		CompactionThreshold: 0.5,
		MaxSealedSegments:   4,
	}
}

func makeRecord(key int64, val float32) Record {
	return Record{Key: key, Flags: 0, Version: key, Freq: 1, Payload: []float32{val, val, val, val}}
}

func TestFlushThenGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(testConfig(t, dir))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.FlushBatch([]Record{makeRecord(1, 3.0), makeRecord(2, 4.0)})
	require.NoError(t, err)

	rec, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 3, 3}, rec.Payload)

	rec2, err := l.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 4, 4, 4}, rec2.Payload)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(testConfig(t, dir))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Get(42)
	require.Error(t, err)
}

func TestOverwriteReturnsLatestValue(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(testConfig(t, dir))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.FlushBatch([]Record{makeRecord(1, 1.0)})
	require.NoError(t, err)
	_, err = l.FlushBatch([]Record{makeRecord(1, 2.0)})
	require.NoError(t, err)

	rec, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 2, 2}, rec.Payload)
	assert.Equal(t, 1, l.Len())
}

// TestRestartRebuildsManifest is spec.md Scenario F (simplified): after
// commits and a clean close, reopening the log on the same directory must
// expose every committed id.
func TestRestartRebuildsManifest(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	l, err := NewLog(cfg)
	require.NoError(t, err)

	var records []Record
	for i := int64(0); i < 50; i++ {
		records = append(records, makeRecord(i, float32(i)))
	}
	_, err = l.FlushBatch(records)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := NewLog(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 50, reopened.Len())
	for i := int64(0); i < 50; i++ {
		rec, err := reopened.Get(i)
		require.NoError(t, err)
		assert.Equal(t, float32(i), rec.Payload[0])
	}
}

// TestRestartTruncatesPartialTrailingRecord simulates a crash mid-write: a
// short trailing record must be discarded, not surfaced as corrupt data.
func TestRestartTruncatesPartialTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	l, err := NewLog(cfg)
	require.NoError(t, err)
	_, err = l.FlushBatch([]Record{makeRecord(1, 1.0)})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Append a short, bogus trailing record directly to the segment file.
	ids, err := existingSegmentIDs(dir)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	seg, err := openSegmentForScan(dir, ids[0], cfg.SegmentBytes)
	require.NoError(t, err)
	_, err = seg.f.WriteAt([]byte{1, 2, 3, 4}, seg.writeOff)
	require.NoError(t, err)
	require.NoError(t, seg.f.Close())

	reopened, err := NewLog(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Len())
	rec, err := reopened.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1}, rec.Payload)
}

func TestMmapAndDirectIOAgree(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	l, err := NewLog(cfg)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.FlushBatch([]Record{makeRecord(7, 9.0)})
	require.NoError(t, err)

	direct, err := l.Get(7)
	require.NoError(t, err)

	l.cfg.IOScheme = SchemeMmap
	mmapped, err := l.Get(7)
	require.NoError(t, err)
	assert.Equal(t, direct.Payload, mmapped.Payload)

	l.cfg.IOScheme = SchemeMmapAndMadvise
	madvised, err := l.Get(7)
	require.NoError(t, err)
	assert.Equal(t, direct.Payload, madvised.Payload)
}

// TestCompactionReclaimsOverwrittenSpace is a scaled-down version of
// spec.md Scenario E: commit many ids, overwrite a prefix, force a
// synchronous compaction sweep, and verify every id still reads back its
// most recent value.
func TestCompactionReclaimsOverwrittenSpace(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.SegmentBytes = 40 * int64(recordLen(4)) // small segments to force many of them
	cfg.CompactionThreshold = 0.9                // aggressive: compact almost anything sealed
	l, err := NewLog(cfg)
	require.NoError(t, err)
	defer l.Close()

	const total = 200
	var initial []Record
	for i := int64(0); i < total; i++ {
		initial = append(initial, makeRecord(i, float32(i)+3))
	}
	_, err = l.FlushBatch(initial)
	require.NoError(t, err)

	const overwritten = 100
	var update []Record
	for i := int64(0); i < overwritten; i++ {
		update = append(update, makeRecord(i, float32(i)+1))
	}
	_, err = l.FlushBatch(update) // synchronous compaction runs inline here
	require.NoError(t, err)

	for i := int64(0); i < total; i++ {
		rec, err := l.Get(i)
		require.NoError(t, err)
		if i < overwritten {
			assert.Equal(t, float32(i)+1, rec.Payload[0])
		} else {
			assert.Equal(t, float32(i)+3, rec.Payload[0])
		}
	}
}

func TestRemoveDropsFromManifest(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(testConfig(t, dir))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.FlushBatch([]Record{makeRecord(1, 1.0)})
	require.NoError(t, err)
	l.Remove(1)
	assert.False(t, l.Contains(1))
	_, err = l.Get(1)
	require.Error(t, err)
}
