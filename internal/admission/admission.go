// Package admission implements the two AdmissionFilter policies spec.md
// §4.3 calls for: a counting bloom filter and a frequency-threshold filter.
// The frequency-threshold filter keeps its own per-id count; it does not
// read or update a slot's Frequency counter. Both satisfy the single
// correctness contract: once Observe(id) returns true, it returns true for
// every subsequent call ("monotonicity").
//
// The counting bloom's k hash functions are derived from one seeded
// xxhash.Sum64 via double hashing (h1 + i*h2), the same technique
// shaia-BloomFilter and PavelAgarkov-memory-storage use with
// murmur3/xxhash-family hashers, rather than computing k independent
// hashes.
//
// © 2025 embedstore authors. MIT License.
package admission

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PolicyKind selects which admission.Filter implementation LayeredStorage
// builds, spec §4.3's "either policy" choice.
type PolicyKind uint8

const (
	PolicyBloom PolicyKind = iota
	PolicyFrequencyThreshold
)

// CounterWidth is the configured bit width of one bloom cell.
type CounterWidth uint8

const (
	Width8 CounterWidth = iota
	Width16
	Width32
	Width64
)

func (w CounterWidth) max() uint64 {
	switch w {
	case Width8:
		return 1<<8 - 1
	case Width16:
		return 1<<16 - 1
	case Width32:
		return 1<<32 - 1
	default:
		return 1<<64 - 1
	}
}

// Filter is the interface shared by both admission policies.
type Filter interface {
	// Observe records a sighting of id and returns true iff id has crossed
	// the admission threshold and must now be stored.
	Observe(id int64) bool
}

// CountingBloom is the probabilistic admission filter: k hash functions
// over an m-cell counter array, saturating increments, admits once every
// touched cell is >= threshold. May over-admit (false positive) but never
// under-admits once truly seen enough times, and is monotone by
// construction: cells only increase.
type CountingBloom struct {
	mu        sync.Mutex
	cells     []uint64
	k         int
	threshold uint64
	width     CounterWidth
	seed      uint64
}

// NewCountingBloom constructs a counting bloom filter with m cells, k hash
// functions, the given counter bit width and admission threshold.
func NewCountingBloom(m, k int, width CounterWidth, threshold uint64) *CountingBloom {
	if m <= 0 {
		m = 1
	}
	if k <= 0 {
		k = 1
	}
	return &CountingBloom{
		cells:     make([]uint64, m),
		k:         k,
		threshold: threshold,
		width:     width,
		seed:      0x9e3779b97f4a7c15,
	}
}

// EstimateM returns the recommended cell count m for a target
// false_positive_probability and max_element_size, per the standard bloom
// filter sizing formula m = -n*ln(p)/(ln2)^2 (spec §6's
// false_positive_probability / max_element_size knobs).
func EstimateM(maxElements int, falsePositiveProbability float64) int {
	if maxElements <= 0 {
		maxElements = 1
	}
	if falsePositiveProbability <= 0 || falsePositiveProbability >= 1 {
		falsePositiveProbability = 0.01
	}
	const ln2Squared = 0.4804530139182014 // (ln 2)^2
	m := -float64(maxElements) * math.Log(falsePositiveProbability) / ln2Squared
	if m < 1 {
		m = 1
	}
	return int(m) + 1
}

// EstimateK returns the recommended hash count k = (m/n) * ln2.
func EstimateK(m, maxElements int) int {
	if maxElements <= 0 {
		maxElements = 1
	}
	k := int(float64(m) / float64(maxElements) * 0.6931471805599453)
	if k < 1 {
		k = 1
	}
	return k
}

func (c *CountingBloom) hashes(id int64) []uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(id))
	h1 := xxhash.Sum64(buf[0:8])
	// h2 is xxhash of the key salted with the filter's seed in the high
	// 8 bytes, the standard way to derive a second independent hash from
	// one hasher without a seeded-hash API (cespare/xxhash/v2 exposes none).
	binary.LittleEndian.PutUint64(buf[8:16], c.seed)
	h2 := xxhash.Sum64(buf[:])
	if h2 == 0 {
		h2 = 1 // avoid degenerate all-same-cell case when h2 is exactly zero
	}
	idxs := make([]uint64, c.k)
	m := uint64(len(c.cells))
	for i := 0; i < c.k; i++ {
		idxs[i] = (h1 + uint64(i)*h2) % m
	}
	return idxs
}

// Observe atomically increments (with saturation) every hashed cell for id,
// then returns true iff all k cells are >= threshold. Counters are updated
// under a mutex rather than per-cell atomics because the counter width is a
// runtime configuration (8/16/32/64 bits), which Go's atomic package cannot
// parametrize directly; the mutex plays the same role as the teacher's
// single lightweight exclusive lock on MemoryPool (spec §4.1/§4.3 both
// accept "relaxed" ordering, which a short mutex satisfies).
func (c *CountingBloom) Observe(id int64) bool {
	idxs := c.hashes(id)
	max := c.width.max()

	c.mu.Lock()
	defer c.mu.Unlock()

	allAdmitted := true
	for _, idx := range idxs {
		if c.cells[idx] < max {
			c.cells[idx]++
		}
		if c.cells[idx] < c.threshold {
			allAdmitted = false
		}
	}
	return allAdmitted
}

// FrequencyThreshold is the non-probabilistic admission policy: an exact
// per-id observation count, admitted once the count reaches threshold.
// Unlike CountingBloom it never false-positives, at the cost of memory that
// grows with the number of distinct ids observed rather than staying fixed
// at m cells -- the tradeoff spec §4.3 poses between the two policies.
type FrequencyThreshold struct {
	mu        sync.Mutex
	counts    map[int64]uint32
	threshold uint32
}

// NewFrequencyThreshold constructs a frequency-threshold filter.
func NewFrequencyThreshold(threshold uint32) *FrequencyThreshold {
	return &FrequencyThreshold{counts: make(map[int64]uint32), threshold: threshold}
}

// Observe records one sighting of id and returns true iff its observation
// count has reached threshold. Monotone by construction: counts only climb.
func (f *FrequencyThreshold) Observe(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counts[id]
	if c < math.MaxUint32 {
		c++
		f.counts[id] = c
	}
	return c >= f.threshold
}

// Peek reports whether id has already crossed the threshold, without
// recording a new observation. Used by shadow-id reads that need to check
// admission status without counting the check itself as a touch.
func (f *FrequencyThreshold) Peek(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id] >= f.threshold
}

// Threshold returns the configured admission threshold.
func (f *FrequencyThreshold) Threshold() uint32 { return f.threshold }

// ObserveN calls f.Observe(id) count times, for callers that need to record
// a batch_multiplicity (spec.md §4.7's "count = batch_multiplicity(id)")
// against a Filter whose Observe only records one sighting at a time. count
// < 1 is treated as 1.
func ObserveN(f Filter, id int64, count uint32) bool {
	if count < 1 {
		count = 1
	}
	admitted := false
	for i := uint32(0); i < count; i++ {
		admitted = f.Observe(id)
	}
	return admitted
}
