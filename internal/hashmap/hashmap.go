// Package hashmap implements the lock-free, open-addressed id -> slot
// handle index used by each in-memory tier (HBM/DRAM). It generalizes the
// teacher's per-shard `map[uint64]*entry` guarded by a sync.RWMutex
// (pkg/cache.go's shard.index) into the CAS-published, resizable table
// spec.md §4.2 calls for: many concurrent readers, wait-free lookup, and a
// resize copy that republishes cells into a doubled table while other
// writers park until it is published. The copy is not a background task: it
// runs inline in the goroutine whose insert crossed the load factor.
//
// © 2025 embedstore authors. MIT License.
package hashmap

import (
	"runtime"
	"sync/atomic"

	"github.com/Voskan/embedstore/internal/slot"
)

type cellState uint32

const (
	stateEmpty cellState = iota
	stateLive
	stateTombstone
)

type cell struct {
	state atomic.Uint32
	key   atomic.Int64
	hdl   atomic.Pointer[slot.ValueSlot]
}

type table struct {
	cells []cell
	mask  uint64
}

func newTable(capacity uint64) *table {
	capacity = nextPow2(capacity)
	t := &table{cells: make([]cell, capacity), mask: capacity - 1}
	for i := range t.cells {
		t.cells[i].key.Store(slot.EmptyKey)
	}
	return t
}

func nextPow2(n uint64) uint64 {
	if n < 8 {
		n = 8
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// mix is a stable fast mixer of the key bits (splitmix64 finalizer), chosen
// because the hashmap needs exactly one fast, well-distributed hash of a
// scalar int64 -- no third-party mixer in the pack specializes in that, so
// plain bit math is the appropriate tool (see DESIGN.md).
func mix(key int64) uint64 {
	x := uint64(key)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// HashMap is the id -> *slot.ValueSlot index for one in-memory tier.
type HashMap struct {
	tbl      atomic.Pointer[table]
	nextTbl  atomic.Pointer[table]
	resizing atomic.Bool
	count    atomic.Int64

	// loadFactor is the fraction of cells holding live entries that triggers
	// a resize; tombstoned cells are not counted.
	loadFactor float64
}

const defaultLoadFactor = 0.7

// New constructs an empty HashMap sized for at least initialCapacity ids.
func New(initialCapacity int) *HashMap {
	m := &HashMap{loadFactor: defaultLoadFactor}
	m.tbl.Store(newTable(uint64(initialCapacity)))
	return m
}

// currentTable returns the table writers/readers should operate against,
// parking (briefly spinning) on an in-progress resize until the new table
// is published, per spec.md §4.2's "insert parks on a resize condition".
func (m *HashMap) currentTable() *table {
	for {
		if m.resizing.Load() {
			if nt := m.nextTbl.Load(); nt != nil {
				return nt
			}
			runtime.Gosched()
			continue
		}
		return m.tbl.Load()
	}
}

// Lookup is wait-free: it returns the handle currently published for id, or
// nil if absent.
func (m *HashMap) Lookup(id int64) *slot.ValueSlot {
	t := m.tbl.Load() // never parks: the old table stays intact while a resize copies it
	idx := mix(id) & t.mask
	for {
		c := &t.cells[idx]
		st := cellState(c.state.Load())
		if st == stateEmpty {
			return nil
		}
		if st == stateLive && c.key.Load() == id {
			return c.hdl.Load()
		}
		idx = (idx + 1) & t.mask
	}
}

// InsertIfAbsent CAS-inserts (id, h). On success ok is true. On collision
// with a live entry, ok is false and winner is the handle already published.
func (m *HashMap) InsertIfAbsent(id int64, h *slot.ValueSlot) (winner *slot.ValueSlot, ok bool) {
	if id == slot.EmptyKey {
		panic("hashmap: EMPTY_KEY is reserved")
	}
	for {
		t := m.currentTable()
		idx := mix(id) & t.mask
		for probes := uint64(0); probes <= t.mask; probes++ {
			c := &t.cells[idx]
			st := cellState(c.state.Load())
			switch st {
			case stateEmpty:
				if c.key.CompareAndSwap(slot.EmptyKey, id) {
					c.hdl.Store(h)
					c.state.Store(uint32(stateLive))
					m.count.Add(1)
					m.maybeResize()
					return h, true
				}
				// Lost the race for this cell; re-read what landed there.
				if c.key.Load() == id && cellState(c.state.Load()) == stateLive {
					return c.hdl.Load(), false
				}
				// A different key claimed it underneath us; keep probing.
			case stateLive:
				if c.key.Load() == id {
					return c.hdl.Load(), false
				}
			case stateTombstone:
				// Reclaimed only on resize (spec §4.2); skip and keep probing.
			}
			idx = (idx + 1) & t.mask
		}
		// Table full without finding a slot: force a resize and retry.
		m.forceResize()
	}
}

// Remove logically tombstones id's cell and returns the handle the caller
// must deallocate, or nil if absent.
func (m *HashMap) Remove(id int64) *slot.ValueSlot {
	t := m.currentTable()
	idx := mix(id) & t.mask
	for probes := uint64(0); probes <= t.mask; probes++ {
		c := &t.cells[idx]
		st := cellState(c.state.Load())
		if st == stateEmpty {
			return nil
		}
		if st == stateLive && c.key.Load() == id {
			if c.state.CompareAndSwap(uint32(stateLive), uint32(stateTombstone)) {
				m.count.Add(-1)
				return c.hdl.Load()
			}
			return nil // concurrently removed by someone else
		}
		idx = (idx + 1) & t.mask
	}
	return nil
}

// Len returns the exact count of live cells, maintained by an atomic
// counter rather than a table walk.
func (m *HashMap) Len() int { return int(m.count.Load()) }

// Iter calls fn for an unordered snapshot of live entries. It does not block
// writers but may miss inserts concurrent with the walk and may observe a
// handle that was concurrently removed (fn receives a best-effort view).
func (m *HashMap) Iter(fn func(id int64, h *slot.ValueSlot)) {
	t := m.currentTable()
	for i := range t.cells {
		c := &t.cells[i]
		if cellState(c.state.Load()) == stateLive {
			if hdl := c.hdl.Load(); hdl != nil {
				fn(c.key.Load(), hdl)
			}
		}
	}
}

func (m *HashMap) maybeResize() {
	t := m.currentTable()
	if float64(m.count.Load()) > float64(len(t.cells))*m.loadFactor {
		m.forceResize()
	}
}

// forceResize doubles the table. Only one goroutine performs the copy;
// others observe resizing==true and park via currentTable() until nextTbl
// is published. Tombstones are dropped (reclaimed) during the copy.
func (m *HashMap) forceResize() {
	if !m.resizing.CompareAndSwap(false, true) {
		// Someone else is already resizing; wait for it to finish.
		for m.resizing.Load() {
			runtime.Gosched()
		}
		return
	}
	old := m.tbl.Load()
	fresh := newTable(uint64(len(old.cells)) * 2)

	for i := range old.cells {
		c := &old.cells[i]
		if cellState(c.state.Load()) != stateLive {
			continue
		}
		id := c.key.Load()
		h := c.hdl.Load()
		if h == nil {
			continue
		}
		idx := mix(id) & fresh.mask
		for {
			fc := &fresh.cells[idx]
			if fc.key.CompareAndSwap(slot.EmptyKey, id) {
				fc.hdl.Store(h)
				fc.state.Store(uint32(stateLive))
				break
			}
			idx = (idx + 1) & fresh.mask
		}
	}

	m.nextTbl.Store(fresh)
	m.tbl.Store(fresh)
	m.nextTbl.Store(nil)
	m.resizing.Store(false)
}

// Capacity reports the current table's cell count, for tests and metrics.
func (m *HashMap) Capacity() int {
	return len(m.currentTable().cells)
}
