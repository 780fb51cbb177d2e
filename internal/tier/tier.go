// Package tier implements TierStorage, spec.md §4.6's uniform interface
// over one storage tier: a HashMap index over a MemoryPool (HBM/DRAM), or an
// SsdLog whose own manifest serves as the index (SSD-cached).
//
// This generalizes the teacher's pkg/shard.go, which bundled one
// map[uint64]*entry with one genring.Ring per shard; here the index is
// internal/hashmap's lock-free table and the backing is swappable per tier,
// matching spec.md's "uniform interface, per-variant specialization" shape.
//
// © 2025 embedstore authors. MIT License.
package tier

import (
	"github.com/Voskan/embedstore/errors"
	"github.com/Voskan/embedstore/internal/hashmap"
	"github.com/Voskan/embedstore/internal/memorypool"
	"github.com/Voskan/embedstore/internal/slot"
	"github.com/Voskan/embedstore/internal/ssdlog"
)

// Kind identifies which device/backing a tier instance wraps.
type Kind uint8

const (
	KindHBM Kind = iota
	KindDRAM
	KindSSD
)

// Storage is the operation set shared across HBM/DRAM/SSD variants.
type Storage interface {
	Get(id int64) (*slot.ValueSlot, error)
	Insert(id int64, s *slot.ValueSlot) error
	TryInsert(id int64, s *slot.ValueSlot) (winner *slot.ValueSlot, inserted bool)
	Remove(id int64) (*slot.ValueSlot, error)
	Contains(id int64) bool
	Size() int
	Iter(fn func(id int64, s *slot.ValueSlot))
	Commit(ids []int64, slots []*slot.ValueSlot) error
	BatchCommit(ids []int64, slots []*slot.ValueSlot) error
	Kind() Kind
	Close() error
}

// MemTier backs the HBM and DRAM variants: a HashMap index over a
// MemoryPool-allocated payload. Commit copies and publishes the slots it is
// given into this tier only; moving entries to the next tier down is
// orchestrated by LayeredStorage, which holds both tiers (it needs
// Pool/Layout, hence this is exported rather than hidden behind Storage
// alone).
type MemTier struct {
	kind   Kind
	index  *hashmap.HashMap
	pool   *memorypool.Pool
	layout *slot.Layout
}

// NewMemTier constructs an HBM or DRAM tier backed by a MemoryPool.
func NewMemTier(kind Kind, initialCapacity int, layout *slot.Layout, alloc memorypool.Allocator) *MemTier {
	return &MemTier{
		kind:   kind,
		index:  hashmap.New(initialCapacity),
		pool:   memorypool.New(layout.TotalDims, 1024, alloc),
		layout: layout,
	}
}

func (t *MemTier) Kind() Kind { return t.kind }

func (t *MemTier) Get(id int64) (*slot.ValueSlot, error) {
	if s := t.index.Lookup(id); s != nil {
		return s, nil
	}
	return nil, errors.ErrNotFound
}

func (t *MemTier) Contains(id int64) bool { return t.index.Lookup(id) != nil }

func (t *MemTier) Insert(id int64, s *slot.ValueSlot) error {
	if _, ok := t.index.InsertIfAbsent(id, s); !ok {
		return errors.New(errors.InvalidArgument, "id already present in tier")
	}
	return nil
}

func (t *MemTier) TryInsert(id int64, s *slot.ValueSlot) (*slot.ValueSlot, bool) {
	winner, ok := t.index.InsertIfAbsent(id, s)
	return winner, ok
}

// Remove tombstones id's HashMap entry and returns its payload to the pool.
func (t *MemTier) Remove(id int64) (*slot.ValueSlot, error) {
	s := t.index.Remove(id)
	if s == nil {
		return nil, errors.ErrNotFound
	}
	t.pool.Deallocate(s.Payload)
	return s, nil
}

func (t *MemTier) Size() int { return t.index.Len() }

func (t *MemTier) Iter(fn func(id int64, s *slot.ValueSlot)) { t.index.Iter(fn) }

// Commit receives demoted/promoted slots from a neighboring tier: each one
// is copied into a freshly allocated buffer from this tier's own pool and
// published into this tier's own HashMap. It is BatchCommit under the
// Storage interface's other name; LayeredStorage's demotion calls
// BatchCommit, and copy-back promotion into tier 0 uses TryInsert instead.
func (t *MemTier) Commit(ids []int64, slots []*slot.ValueSlot) error {
	return t.BatchCommit(ids, slots)
}

func (t *MemTier) BatchCommit(ids []int64, slots []*slot.ValueSlot) error {
	if len(ids) != len(slots) {
		return errors.New(errors.InvalidArgument, "ids/slots length mismatch")
	}
	for i, id := range ids {
		src := slots[i]
		buf := t.pool.Allocate()
		copy(buf, src.Payload)
		ns := slot.NewValueSlot(id, buf, t.layout, t.kind)
		ns.Version.Store(src.Version.Load())
		ns.Frequency.Store(src.Frequency.Load())
		if _, ok := t.index.InsertIfAbsent(id, ns); !ok {
			// Already present (raced with a concurrent promoter); the copy we
			// just made is redundant.
			t.pool.Deallocate(buf)
		}
	}
	return nil
}

func (t *MemTier) Close() error { return nil }

// Allocate hands out a fresh payload buffer from this tier's pool, sized for
// its layout.
func (t *MemTier) Allocate() []float32 { return t.pool.Allocate() }

// Pool exposes the underlying MemoryPool so LayeredStorage can move
// payloads between tiers without a type switch on every call.
func (t *MemTier) Pool() *memorypool.Pool { return t.pool }

// Layout exposes the slot layout this tier's pool was sized for.
func (t *MemTier) Layout() *slot.Layout { return t.layout }
