// Package cachepolicy implements the CachePolicy spec.md §4.4 describes:
// LRU or LFU ranking over ids, augmented with a prefetch list whose members
// are ranked hotter than anything untouched but colder than anything
// recently touched, and which do not count toward Size() until committed
// via AddToCache.
//
// Both strategies share one bookkeeping structure (a map of members plus a
// monotonic touch sequence) and differ only in their eviction comparator,
// mirroring how the teacher folds CLOCK-Pro's hot/cold/test states into one
// byte in internal/clockpro/clockpro.go rather than writing two unrelated
// data structures. Unlike the teacher, eviction ranking here is computed by
// sorting a snapshot rather than walking a circular list -- CachePolicy is
// "only consulted on batch boundaries" per spec §4.4/§5, so an O(n log n)
// sort on eviction sweeps is the right trade against a fully-maintained
// linked ordering structure's complexity.
//
// © 2025 embedstore authors. MIT License.
package cachepolicy

import (
	"sort"
	"sync"
)

// Strategy selects the eviction comparator.
type Strategy uint8

const (
	LRU Strategy = iota
	LFU
)

type member struct {
	id         int64
	freq       uint64
	lastTouch  uint64
	inCache    bool
	inPrefetch bool
}

// Policy is a CachePolicy instance for one tier. All methods are safe for
// concurrent use; a single mutex guards the instance since calls are
// batched (lookup returns, eviction sweeps), so contention is low (spec
// §4.4/§5).
type Policy struct {
	mu       sync.Mutex
	strategy Strategy
	members  map[int64]*member
	seq      uint64
	size     int // count of members with inCache == true
}

// New constructs an empty CachePolicy using the given eviction strategy.
func New(strategy Strategy) *Policy {
	return &Policy{strategy: strategy, members: make(map[int64]*member)}
}

// Touch records a successful lookup: inserts id if absent, promotes it in
// the ordering, and adds count to its accumulated frequency. count >= 1
// enables batched updates from a single caller.
func (p *Policy) Touch(id int64, count uint32) {
	if count == 0 {
		count = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	m, ok := p.members[id]
	if !ok {
		m = &member{id: id}
		p.members[id] = m
	}
	if !m.inCache {
		p.size++
	}
	m.inCache = true
	m.freq += uint64(count)
	m.lastTouch = p.seq
}

// AddToPrefetchList records ids expected to be hot soon. They are kept
// "recently touched" for eviction ranking but do not contribute to Size()
// until AddToCache commits them.
func (p *Policy) AddToPrefetchList(ids []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		p.seq++
		m, ok := p.members[id]
		if !ok {
			m = &member{id: id}
			p.members[id] = m
		}
		m.inPrefetch = true
		// Prefetch seeds rank hotter than any untouched id (they get a
		// lastTouch stamp) but the comparator below keeps them colder than
		// anything committed-and-touched afterward because this stamp is
		// taken now, before any such future touch's larger seq value.
		if m.lastTouch == 0 {
			m.lastTouch = p.seq
		}
	}
}

// AddToCache converts prefetch-tagged ids into committed cache members,
// incrementing Size() for each one not already committed.
func (p *Policy) AddToCache(ids []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		m, ok := p.members[id]
		if !ok {
			p.seq++
			m = &member{id: id, lastTouch: p.seq}
			p.members[id] = m
		}
		if !m.inCache {
			p.size++
		}
		m.inCache = true
		m.inPrefetch = false
	}
}

// less reports whether a should be evicted before b under the configured
// strategy: LRU orders by ascending lastTouch; LFU orders by ascending
// accumulated freq, ties broken by ascending (oldest) lastTouch.
func (p *Policy) less(a, b *member) bool {
	if p.strategy == LFU {
		if a.freq != b.freq {
			return a.freq < b.freq
		}
		return a.lastTouch < b.lastTouch
	}
	return a.lastTouch < b.lastTouch
}

// GetEvictIDs fills out with up to k victims (coldest under LRU, least
// frequent under LFU, ties broken by oldest last touch) and removes them
// from the policy entirely, returning the actual number written.
func (p *Policy) GetEvictIDs(out []int64, k int) int {
	if k <= 0 || len(out) == 0 {
		return 0
	}
	if k > len(out) {
		k = len(out)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		candidates = append(candidates, m)
	}
	sort.Slice(candidates, func(i, j int) bool { return p.less(candidates[i], candidates[j]) })

	n := k
	if n > len(candidates) {
		n = len(candidates)
	}
	for i := 0; i < n; i++ {
		out[i] = candidates[i].id
		if candidates[i].inCache {
			p.size--
		}
		delete(p.members, candidates[i].id)
	}
	return n
}

// GetCachedIDs enumerates up to max committed cache members (prefetch-only
// entries are excluded) for checkpoint restore scenarios. If freqs is
// non-nil it is filled with the corresponding accumulated frequency for
// each returned id. CachePolicy does not own the `version` field (that
// lives on ValueSlot), so unlike spec.md's optional_versions parameter,
// version reconstruction happens one layer up in LayeredStorage/
// EmbeddingVariable, which already holds the slot to read it from.
func (p *Policy) GetCachedIDs(out []int64, max int, freqs []uint64) int {
	if max <= 0 || len(out) == 0 {
		return 0
	}
	if max > len(out) {
		max = len(out)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, m := range p.members {
		if !m.inCache {
			continue
		}
		if n >= max {
			break
		}
		out[n] = m.id
		if freqs != nil && n < len(freqs) {
			freqs[n] = m.freq
		}
		n++
	}
	return n
}

// Size returns the number of committed cache members (prefetch-only
// entries do not count).
func (p *Policy) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Remove evicts id from the policy without reporting it as a victim (used
// when the id is removed explicitly rather than through eviction).
func (p *Policy) Remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[id]; ok {
		if m.inCache {
			p.size--
		}
		delete(p.members, id)
	}
}
