// Package memorypool implements the fixed-size slab allocator that backs
// ValueSlot payloads for one tier (HBM, DRAM). It generalizes the teacher's
// internal/arena + internal/genring pair: instead of an experimental
// bump-allocated arena freed wholesale on generation rotation, this pool
// keeps a single free list of fixed-width buffers and grows it in blocks,
// which matches spec.md §4.1's allocate()/deallocate() contract directly
// (individual buffers are returned to the pool on eviction/demotion, not
// freed in bulk).
//
// The experimental `arena` stdlib package the teacher wraps
// (internal/arena/arena.go, goexperiment.arenas) is not carried forward:
// spec.md §4.1 needs individual deallocate(), which a bump arena cannot do,
// and the goexperiment build tag is not guaranteed available in any given
// toolchain. See DESIGN.md for the full justification.
//
// © 2025 embedstore authors. MIT License.
package memorypool

import (
	"sync"
)

// Allocator is the constructor-injected backing allocator for a pool's
// blocks: CPU heap (the default, via make), a pinned-HBM allocator, or a
// jemalloc-style arena, per spec.md §9's "no process-wide state" note.
type Allocator func(totalFloats int) []float32

// DefaultAllocator is the plain Go-heap allocator used unless the caller
// injects a device-specific one (e.g. for the HBM tier).
func DefaultAllocator(totalFloats int) []float32 {
	return make([]float32, totalFloats)
}

// Pool hands out fixed-width []float32 buffers without fragmentation. One
// Pool instance backs exactly one tier; the owning ValueSlot metadata lives
// in the slot object itself, never in the pool (spec §4.1).
type Pool struct {
	mu sync.Mutex

	slotWidth int // total_dims: every buffer handed out has this length
	blockSize int // buffers allocated per underlying block

	free  [][]float32
	alloc Allocator

	// blocksAllocated is an approximate counter surfaced to metrics; it is
	// not used for correctness.
	blocksAllocated int64
}

// New constructs a Pool serving buffers of slotWidth float32s, growing the
// free list blockSize buffers at a time.
func New(slotWidth, blockSize int, alloc Allocator) *Pool {
	if slotWidth <= 0 {
		slotWidth = 1
	}
	if blockSize <= 0 {
		blockSize = 1024
	}
	if alloc == nil {
		alloc = DefaultAllocator
	}
	return &Pool{slotWidth: slotWidth, blockSize: blockSize, alloc: alloc}
}

// Allocate returns a buffer of slotWidth float32s, O(1) amortized. If the
// free list is empty, a new block of blockSize buffers is carved from one
// underlying allocation and pushed onto the free list.
func (p *Pool) Allocate() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.growLocked()
	}
	n := len(p.free)
	buf := p.free[n-1]
	p.free = p.free[:n-1]
	return buf
}

// growLocked must be called with mu held. It allocates one contiguous block
// from the underlying allocator and slices it into blockSize buffers so the
// block is one Go allocation, not blockSize of them.
func (p *Pool) growLocked() {
	block := p.alloc(p.slotWidth * p.blockSize)
	for i := 0; i < p.blockSize; i++ {
		start := i * p.slotWidth
		p.free = append(p.free, block[start:start+p.slotWidth:start+p.slotWidth])
	}
	p.blocksAllocated++
}

// Deallocate returns buf to the free list. The underlying memory is never
// returned to the allocator during the process lifetime (spec §4.1).
func (p *Pool) Deallocate(buf []float32) {
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

// DeallocateMany returns a batch of buffers under a single lock acquisition,
// used by the eviction path when demoting many slots at once.
func (p *Pool) DeallocateMany(bufs [][]float32) {
	if len(bufs) == 0 {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, bufs...)
	p.mu.Unlock()
}

// FreeListLen reports the number of immediately-available buffers; useful
// for metrics and tests, not for correctness decisions.
func (p *Pool) FreeListLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// BlocksAllocated reports how many underlying blocks have been carved since
// construction; a monotonically increasing counter surfaced to metrics.
func (p *Pool) BlocksAllocated() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocksAllocated
}

// SlotWidth returns the fixed buffer width this pool serves.
func (p *Pool) SlotWidth() int { return p.slotWidth }
