package cachepolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLRUEvictsInTouchOrder is Testable Property 4: after touching
// [1,2,3,...,N] with N distinct ids, get_evict_ids(_, k) returns [1,2,...,k].
func TestLRUEvictsInTouchOrder(t *testing.T) {
	p := New(LRU)
	const n = 10
	for i := int64(1); i <= n; i++ {
		p.Touch(i, 1)
	}
	out := make([]int64, 5)
	got := p.GetEvictIDs(out, 5)
	require.Equal(t, 5, got)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, out)
}

// TestLFUEvictsSmallestCumulativeCount is Testable Property 5.
func TestLFUEvictsSmallestCumulativeCount(t *testing.T) {
	p := New(LFU)
	p.Touch(1, 5)
	p.Touch(2, 1)
	p.Touch(3, 3)
	p.Touch(4, 1) // ties with id 2 on freq; id 2 touched first -> evicted first

	out := make([]int64, 2)
	got := p.GetEvictIDs(out, 2)
	require.Equal(t, 2, got)
	assert.Equal(t, []int64{2, 4}, out)
}

func TestPrefetchDoesNotCountTowardSize(t *testing.T) {
	p := New(LRU)
	p.Touch(1, 1)
	p.AddToPrefetchList([]int64{2, 3})
	assert.Equal(t, 1, p.Size())

	p.AddToCache([]int64{2})
	assert.Equal(t, 2, p.Size())
}

func TestPrefetchRanksHotterThanUntouchedColderThanSinceTouched(t *testing.T) {
	p := New(LRU)
	p.Touch(1, 1)          // old touch
	p.AddToPrefetchList([]int64{2}) // prefetched after id 1's touch
	p.Touch(3, 1)          // touched after the prefetch seed

	out := make([]int64, 3)
	got := p.GetEvictIDs(out, 3)
	require.Equal(t, 3, got)
	// Oldest (coldest) first: the original touch, then the prefetch seed,
	// then the most recent touch.
	assert.Equal(t, []int64{1, 2, 3}, out)
}

func TestGetCachedIDsExcludesPrefetchOnly(t *testing.T) {
	p := New(LRU)
	p.Touch(1, 1)
	p.AddToPrefetchList([]int64{2})

	out := make([]int64, 4)
	freqs := make([]uint64, 4)
	n := p.GetCachedIDs(out, 4, freqs)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(1), out[0])
	assert.Equal(t, uint64(1), freqs[0])
}

// TestLRUScenarioC is spec.md Scenario C: touch [0..29] round-robin enough
// times to total 100 touches, then evict all 30 and expect empty cache,
// with the returned order following the round-robin wrap point.
func TestLRUScenarioC(t *testing.T) {
	p := New(LRU)
	const n = 30
	const totalTouches = 100
	for i := 0; i < totalTouches; i++ {
		p.Touch(int64(i%n), 1)
	}
	out := make([]int64, 50)
	got := p.GetEvictIDs(out, 50)
	assert.Equal(t, n, got)
	assert.Equal(t, 0, p.Size())

	want := make([]int64, n)
	for i := 0; i < n; i++ {
		want[i] = int64((totalTouches%n + i) % n)
	}
	assert.Equal(t, want, out[:n])
}

func TestRemoveDropsMemberEntirely(t *testing.T) {
	p := New(LRU)
	p.Touch(1, 1)
	p.Remove(1)
	assert.Equal(t, 0, p.Size())
	out := make([]int64, 1)
	assert.Equal(t, 0, p.GetEvictIDs(out, 1))
}
