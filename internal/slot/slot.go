// Package slot defines ValueSlot, the fixed-length header-plus-payload
// representation of one stored id, and the Layout configuration that
// controls how co-located sub-embeddings (primary value, optimizer slots
// such as Adam's m/v) are packed inside one slot's payload.
//
// This is the generalization of the teacher's entry[K,V] struct
// (pkg/cache.go, internal/clockpro/clockpro.go): there the metadata was a
// fixed 48-byte struct tied to one Go value V; here the payload is an
// arbitrary-length float32 vector shared by several logical sub-embeddings,
// so header and payload are split and the layout is data, not code, per the
// redesign note in spec.md §9 ("do not hard-code per-optimizer logic").
//
// © 2025 embedstore authors. MIT License.
package slot

import (
	"math"
	"sync/atomic"

	"github.com/Voskan/embedstore/internal/unsafehelpers"
)

// EmptyKey is the reserved id value forbidden for callers (spec §3).
const EmptyKey int64 = math.MinInt64

// Alignment is the required byte alignment for sub-embedding offsets inside
// a slot's payload, so vectorized optimizer kernels read aligned memory.
const Alignment = 16

// TierTag identifies which tier currently owns a slot's payload bytes.
type TierTag uint8

const (
	TierHBM TierTag = iota
	TierDRAM
	TierSSD
)

// Flags is the compact bit field carried by every ValueSlot: per-sub-slot
// initialization bits, frozen/in-pool markers and the owning tier tag.
type Flags uint32

const (
	FlagFrozen      Flags = 1 << 0
	FlagInMemPool   Flags = 1 << 1
	flagTierShift         = 2
	flagTierMask    Flags = 0b11 << flagTierShift
	flagInitShift         = 4
	// up to 28 per-slot initialization bits remain above flagInitShift.
)

func (f Flags) Tier() TierTag { return TierTag((f & flagTierMask) >> flagTierShift) }

func (f Flags) WithTier(t TierTag) Flags {
	return (f &^ flagTierMask) | (Flags(t) << flagTierShift)
}

func (f Flags) Frozen() bool    { return f&FlagFrozen != 0 }
func (f Flags) InMemPool() bool { return f&FlagInMemPool != 0 }

// Initialized reports whether sub-embedding i has ever been written.
func (f Flags) Initialized(i int) bool {
	if i < 0 || i >= 28 {
		return false
	}
	return f&(1<<(flagInitShift+uint(i))) != 0
}

// WithInitialized sets the initialization bit for sub-embedding i.
func (f Flags) WithInitialized(i int) Flags {
	if i < 0 || i >= 28 {
		return f
	}
	return f | (1 << (flagInitShift + uint(i)))
}

// SubEmbedding describes one co-located vector inside a slot's payload: its
// offset (in float32 units, already aligned) and its length.
type SubEmbedding struct {
	Offset int
	Len    int
}

// Layout is the configuration object spec.md §9 calls for in place of
// per-optimizer branching: {sub_embeddings: [(offset, len), ...], alignment}.
// It is computed once per EmbeddingVariable and shared by every slot it
// allocates.
type Layout struct {
	SubEmbeddings []SubEmbedding
	Alignment     int
	// TotalDims is slot_count * aligned(value_len), the full payload width
	// in float32 elements.
	TotalDims int
}

// alignUp rounds x up to the nearest multiple of align, delegating to
// unsafehelpers.AlignUp's uintptr arithmetic.
func alignUp(x, align int) int {
	if align <= 0 {
		return x
	}
	return int(unsafehelpers.AlignUp(uintptr(x), uintptr(align)))
}

// NewNormalLayout lays out sub-embeddings as independently aligned blocks:
// each sub-embedding starts on a 16-byte (4-float32) boundary.
func NewNormalLayout(valueLen int, extraSlots ...int) Layout {
	floatsPerAlign := Alignment / 4
	if !unsafehelpers.IsPowerOfTwo(uintptr(floatsPerAlign)) {
		panic("slot: Alignment must be a multiple of 4 bytes that is itself a power of two")
	}
	subs := make([]SubEmbedding, 0, 1+len(extraSlots))
	offset := 0
	add := func(length int) {
		aligned := alignUp(offset, floatsPerAlign)
		subs = append(subs, SubEmbedding{Offset: aligned, Len: length})
		offset = aligned + alignUp(length, floatsPerAlign)
	}
	add(valueLen)
	for _, l := range extraSlots {
		add(l)
	}
	return Layout{SubEmbeddings: subs, Alignment: Alignment, TotalDims: offset}
}

// NewContiguousLayout packs sub-embeddings back-to-back with a single
// trailing alignment pad, minimizing total footprint ("normal_contiguous").
func NewContiguousLayout(valueLen int, extraSlots ...int) Layout {
	floatsPerAlign := Alignment / 4
	subs := make([]SubEmbedding, 0, 1+len(extraSlots))
	offset := 0
	add := func(length int) {
		subs = append(subs, SubEmbedding{Offset: offset, Len: length})
		offset += length
	}
	add(valueLen)
	for _, l := range extraSlots {
		add(l)
	}
	return Layout{SubEmbeddings: subs, Alignment: Alignment, TotalDims: alignUp(offset, floatsPerAlign)}
}

// NewLightLayout is a single-sub-embedding layout with no co-located
// optimizer slots, for read-mostly or inference-only variables.
func NewLightLayout(valueLen int) Layout {
	return NewContiguousLayout(valueLen)
}

// ValueSlot is the metadata-plus-payload unit for one stored id.
type ValueSlot struct {
	// Key is kept on the slot so eviction/compaction callbacks and Delete
	// can report the original id without a reverse index lookup.
	Key int64

	// Version is the last global step at which any sub-embedding was
	// written. Monotonically non-decreasing for a given id; the caller
	// updates it before the payload (slot.go never rewrites payload bytes
	// itself).
	Version atomic.Int64

	// Frequency is a saturating access counter, bumped with a relaxed
	// atomic add on every successful lookup.
	Frequency atomic.Uint32

	// flags packs tier tag, frozen/pool markers and per-slot init bits.
	// Stored atomically so concurrent promotions/Touch calls don't race on
	// read-modify-write.
	flags atomic.Uint32

	// Payload is the contiguous vector of TotalDims float32s. The pointer
	// identity of the backing array must stay stable until the slot is
	// destroyed or migrated: migration is copy-then-publish, never
	// in-place relocation (spec §3 invariant).
	Payload []float32

	// Layout is shared (by pointer) across every slot of one
	// EmbeddingVariable; kept here so a slot can locate its sub-embeddings
	// without threading the variable through every call.
	Layout *Layout
}

// NewValueSlot allocates slot metadata around a pre-allocated payload buffer
// (typically handed out by a MemoryPool) and marks it owned by tier t.
func NewValueSlot(key int64, payload []float32, layout *Layout, tier TierTag) *ValueSlot {
	s := &ValueSlot{Key: key, Payload: payload, Layout: layout}
	s.flags.Store(uint32(Flags(0).WithTier(tier)))
	return s
}

func (s *ValueSlot) Flags() Flags { return Flags(s.flags.Load()) }

// SetFlags overwrites the entire flags word, used when materializing a
// transient slot from a persisted record (SSD restore, tier rehydration)
// where the full bit pattern -- tier tag, frozen/pool markers, init bits --
// is already known rather than built up incrementally.
func (s *ValueSlot) SetFlags(f Flags) { s.flags.Store(uint32(f)) }
func (s *ValueSlot) Tier() TierTag      { return s.Flags().Tier() }
func (s *ValueSlot) SetTier(t TierTag)  { s.casFlags(func(f Flags) Flags { return f.WithTier(t) }) }
func (s *ValueSlot) SetFrozen(v bool) {
	s.casFlags(func(f Flags) Flags {
		if v {
			return f | FlagFrozen
		}
		return f &^ FlagFrozen
	})
}
func (s *ValueSlot) SetInPool(v bool) {
	s.casFlags(func(f Flags) Flags {
		if v {
			return f | FlagInMemPool
		}
		return f &^ FlagInMemPool
	})
}
func (s *ValueSlot) MarkInitialized(subIdx int) {
	s.casFlags(func(f Flags) Flags { return f.WithInitialized(subIdx) })
}

func (s *ValueSlot) casFlags(mutate func(Flags) Flags) {
	for {
		old := s.flags.Load()
		next := mutate(Flags(old))
		if s.flags.CompareAndSwap(old, uint32(next)) {
			return
		}
	}
}

// Sub returns the float32 slice for sub-embedding i (e.g. 0 = primary
// value, 1 = Adam's m, 2 = Adam's v), a view into Payload.
func (s *ValueSlot) Sub(i int) []float32 {
	if s.Layout == nil || i < 0 || i >= len(s.Layout.SubEmbeddings) {
		return nil
	}
	se := s.Layout.SubEmbeddings[i]
	return s.Payload[se.Offset : se.Offset+se.Len]
}

// L2Norm computes the true L2 norm of sub-embedding 0 (the primary value).
func (s *ValueSlot) L2Norm() float64 {
	return math.Sqrt(s.L2NormSquared())
}

// L2NormSquared computes the squared L2 norm (sum of squares) of
// sub-embedding 0, without the sqrt. Shrink's weight-threshold pruning
// (spec §4.8) compares against this, not L2Norm: Scenario A's threshold of
// 14 over [i,i,i] vectors only prunes ids 0-2 and keeps ids 3-4 when the
// comparison is sum-of-squares (27, 48) rather than the true norm (5.2,
// 6.9), so the threshold is defined in squared units.
func (s *ValueSlot) L2NormSquared() float64 {
	primary := s.Sub(0)
	var sum float64
	for _, v := range primary {
		sum += float64(v) * float64(v)
	}
	return sum
}

// CopyBackHint tells the caller of a lower-tier lookup whether (and how) to
// promote the slot to tier 0. Replaces the teacher-visible source's
// "steal pointer bits" trick (spec §9) with an explicit pair.
type CopyBackHint uint8

const (
	NoCopyBack CopyBackHint = iota
	CopyBack                // promote from DRAM: source slot stays live
	CopyBackAndDestroy       // promote from SSD: source was transient, destroy after copy
)

// Handle is a (slot, CopyBackHint) pair, an explicit alternative to the
// bit-stealing pointer encoding spec.md §9 flags as unacceptable to carry
// forward. No lookup path in this module returns a Handle or sets a hint:
// LayeredStorage.Get returns a bare *ValueSlot and always copies a
// lower-tier hit back to tier 0 itself.
type Handle struct {
	Slot *ValueSlot
	Hint CopyBackHint
}
