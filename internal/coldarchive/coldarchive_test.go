package coldarchive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer a.Close()

	rec := Record{Version: 42, Freq: 7, Payload: []float32{1, 2, 3}}
	require.NoError(t, a.Put(1, rec))

	got, found, err := a.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)
}

func TestGetMissingNotFound(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer a.Close()

	_, found, err := a.Get(99)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutBatch(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer a.Close()

	ids := []int64{1, 2, 3}
	recs := []Record{
		{Version: 1, Freq: 1, Payload: []float32{1}},
		{Version: 2, Freq: 2, Payload: []float32{2}},
		{Version: 3, Freq: 3, Payload: []float32{3}},
	}
	require.NoError(t, a.PutBatch(ids, recs))

	for i, id := range ids {
		got, found, err := a.Get(id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, recs[i], got)
	}
}
