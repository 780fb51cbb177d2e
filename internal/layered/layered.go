// Package layered implements LayeredStorage, spec.md §4.7: composes 1-3
// TierStorage instances (HBM/DRAM/SSD), routes lookups top to bottom with
// copy-back promotion, creates on miss through an AdmissionFilter, and runs
// background eviction tasks moving cold ids one tier down.
//
// The background task pair (one evictor goroutine per tier boundary) is
// coordinated with golang.org/x/sync/errgroup, the same join-and-propagate
// pattern the teacher's Cache.Close uses for its single rotator goroutine
// (pkg/cache.go), generalized here to N independently ticking tasks that
// all need to drain cleanly on Stop. CreateOnMiss de-duplicates concurrent
// first-touch admissions for the same id with golang.org/x/sync/singleflight,
// the same role it plays in the teacher's pkg/loader.go.
//
// © 2025 embedstore authors. MIT License.
package layered

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/embedstore/errors"
	"github.com/Voskan/embedstore/internal/admission"
	"github.com/Voskan/embedstore/internal/cachepolicy"
	"github.com/Voskan/embedstore/internal/config"
	"github.com/Voskan/embedstore/internal/memorypool"
	"github.com/Voskan/embedstore/internal/metrics"
	"github.com/Voskan/embedstore/internal/slot"
	"github.com/Voskan/embedstore/internal/ssdlog"
	"github.com/Voskan/embedstore/internal/tier"
)

func tierLabel(k tier.Kind) string {
	switch k {
	case tier.KindHBM:
		return "hbm"
	case tier.KindDRAM:
		return "dram"
	default:
		return "ssd"
	}
}

func buildLayout(cfg *config.Config) *slot.Layout {
	var l slot.Layout
	switch cfg.Layout {
	case config.LayoutLight:
		l = slot.NewLightLayout(cfg.ValueLen)
	case config.LayoutNormalContiguous:
		l = slot.NewContiguousLayout(cfg.ValueLen, cfg.ExtraSlots...)
	default:
		l = slot.NewNormalLayout(cfg.ValueLen, cfg.ExtraSlots...)
	}
	return &l
}

func buildAdmissionFilter(cfg *config.Config) admission.Filter {
	if cfg.AdmissionPolicy == admission.PolicyFrequencyThreshold {
		return admission.NewFrequencyThreshold(uint32(cfg.FilterFreq))
	}
	m := admission.EstimateM(cfg.MaxElementSize, cfg.FalsePositiveProbability)
	k := admission.EstimateK(m, cfg.MaxElementSize)
	return admission.NewCountingBloom(m, k, cfg.CounterType, cfg.FilterFreq)
}

// LayeredStorage is one EmbeddingVariable's tier stack.
type LayeredStorage struct {
	cfg    *config.Config
	layout *slot.Layout

	tiers    []tier.Storage  // top (index 0) to bottom
	memTiers []*tier.MemTier // the prefix of tiers that are mem-backed

	policies      []*cachepolicy.Policy // one per memTiers entry
	capacitySlots []int                 // matching policies

	admissionFilter admission.Filter
	metrics         metrics.Sink
	logger          *zap.Logger

	// createGroup collapses concurrent CreateOnMiss calls racing on the same
	// id into one allocation; TryInsert already resolves the race correctly
	// without it, but under a thundering herd (many goroutines touching a
	// cold id at once) it avoids allocating and immediately discarding N-1
	// pool buffers. The same de-duplication role the teacher's GetOrLoad
	// gave singleflight in pkg/loader.go.
	createGroup singleflight.Group

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New builds a LayeredStorage for cfg.StorageType, allocating an SSD log if
// the stack includes one.
func New(cfg *config.Config, sink metrics.Sink) (*LayeredStorage, error) {
	if sink == nil {
		sink = metrics.Noop()
	}
	layout := buildLayout(cfg)

	var tiers []tier.Storage
	var memTiers []*tier.MemTier

	if cfg.StorageType.HasHBM() {
		mt := tier.NewMemTier(tier.KindHBM, 4096, layout, memorypool.DefaultAllocator)
		tiers = append(tiers, mt)
		memTiers = append(memTiers, mt)
	}
	dramTier := tier.NewMemTier(tier.KindDRAM, 4096, layout, memorypool.DefaultAllocator)
	tiers = append(tiers, dramTier)
	memTiers = append(memTiers, dramTier)

	if cfg.StorageType.HasSSD() {
		log, err := ssdlog.NewLog(ssdlog.Config{
			Dir:             cfg.SSDDir,
			TotalDims:       layout.TotalDims,
			SegmentBytes:    cfg.SSDSegmentBytes,
			IOScheme:        cfg.IOScheme,
			AsyncCompaction: cfg.AsyncCompaction,
			Logger:          cfg.Logger,
			Metrics:         sink,
		})
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier.NewSSDTier(log, layout))
	}

	policies := make([]*cachepolicy.Policy, len(memTiers))
	capacitySlots := make([]int, len(memTiers))
	slotBytes := int64(layout.TotalDims) * 4
	for i := range memTiers {
		policies[i] = cachepolicy.New(cfg.CacheStrategy)
		sizeIdx := i
		if !cfg.StorageType.HasHBM() {
			sizeIdx++ // SizeBytes is indexed HBM, DRAM, SSD
		}
		if slotBytes <= 0 || cfg.SizeBytes[sizeIdx] <= 0 {
			capacitySlots[i] = 1<<31 - 1
			continue
		}
		n := int(cfg.SizeBytes[sizeIdx] / slotBytes)
		if n <= 0 {
			n = 1
		}
		capacitySlots[i] = n
	}

	return &LayeredStorage{
		cfg:             cfg,
		layout:          layout,
		tiers:           tiers,
		memTiers:        memTiers,
		policies:        policies,
		capacitySlots:   capacitySlots,
		admissionFilter: buildAdmissionFilter(cfg),
		metrics:         sink,
		logger:          cfg.Logger,
	}, nil
}

// Layout returns the slot layout shared by every tier in this stack.
func (ls *LayeredStorage) Layout() *slot.Layout { return ls.layout }

// Get walks tiers top to bottom. A hit below tier 0 is copied back up
// (spec.md §4.7's COPYBACK/COPYBACK_AND_DESTROY), publishing into tier 0 via
// TryInsert so a concurrent winner is respected.
func (ls *LayeredStorage) Get(id int64) (*slot.ValueSlot, error) {
	for i, t := range ls.tiers {
		s, err := t.Get(id)
		if err != nil {
			ls.metrics.IncMiss(tierLabel(t.Kind()))
			continue
		}
		ls.metrics.IncHit(tierLabel(t.Kind()))
		if s.Frequency.Load() < ls.cfg.MaxFreq {
			s.Frequency.Add(1)
		}
		if i < len(ls.policies) {
			ls.policies[i].Touch(id, 1)
		}
		if i == 0 {
			return s, nil
		}
		return ls.copyBack(id, s), nil
	}
	return nil, errors.ErrNotFound
}

// copyBack promotes s (read from a lower tier) into tier 0.
func (ls *LayeredStorage) copyBack(id int64, s *slot.ValueSlot) *slot.ValueSlot {
	top := ls.memTiers[0]
	buf := top.Allocate()
	copy(buf, s.Payload)
	ns := slot.NewValueSlot(id, buf, ls.layout, top.Kind())
	ns.Version.Store(s.Version.Load())
	ns.Frequency.Store(s.Frequency.Load())

	winner, ok := top.TryInsert(id, ns)
	if !ok {
		top.Pool().Deallocate(buf)
		return winner
	}
	ls.metrics.IncPromotion(tierLabel(top.Kind()))
	ls.policies[0].Touch(id, 1)
	return ns
}

// CreateOnMiss consults the AdmissionFilter with the given batch
// multiplicity and, if admitted, allocates and publishes a fresh slot at
// tier 0. inserted reports whether this call's slot won the publish race.
func (ls *LayeredStorage) CreateOnMiss(id int64, multiplicity uint32) (s *slot.ValueSlot, inserted bool, err error) {
	type result struct {
		s        *slot.ValueSlot
		inserted bool
	}
	v, err, _ := ls.createGroup.Do(strconv.FormatInt(id, 10), func() (any, error) {
		if !admission.ObserveN(ls.admissionFilter, id, multiplicity) {
			return result{}, nil
		}
		ls.metrics.IncAdmission()

		top := ls.memTiers[0]
		buf := top.Allocate()
		candidate := slot.NewValueSlot(id, buf, ls.layout, top.Kind())

		winner, ok := top.TryInsert(id, candidate)
		if !ok {
			top.Pool().Deallocate(buf)
			ls.policies[0].Touch(id, multiplicity)
			return result{s: winner, inserted: false}, nil
		}
		ls.policies[0].Touch(id, multiplicity)
		return result{s: candidate, inserted: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	return r.s, r.inserted, nil
}

// Restore force-publishes id at tier 0 with the given payload/version/freq,
// bypassing the AdmissionFilter entirely. Used by checkpoint Import, which
// is restoring ids already known-admitted rather than observing them fresh.
func (ls *LayeredStorage) Restore(id int64, payload []float32, version int64, freq uint32) (*slot.ValueSlot, error) {
	top := ls.memTiers[0]
	buf := top.Allocate()
	copy(buf, payload)
	s := slot.NewValueSlot(id, buf, ls.layout, top.Kind())
	s.Version.Store(version)
	s.Frequency.Store(freq)

	winner, ok := top.TryInsert(id, s)
	if !ok {
		top.Pool().Deallocate(buf)
		return winner, nil
	}
	ls.policies[0].Touch(id, 1)
	return s, nil
}

// Contains reports whether id is present in any tier.
func (ls *LayeredStorage) Contains(id int64) bool {
	for _, t := range ls.tiers {
		if t.Contains(id) {
			return true
		}
	}
	return false
}

// Remove deletes id from whichever tier currently holds it.
func (ls *LayeredStorage) Remove(id int64) error {
	for i, t := range ls.tiers {
		if s, err := t.Remove(id); err == nil {
			_ = s
			if i < len(ls.policies) {
				ls.policies[i].Remove(id)
			}
			return nil
		}
	}
	return errors.ErrNotFound
}

// Iter walks every tier's live entries; an id present in more than one tier
// (a brief in-flight promotion window) may be visited more than once.
func (ls *LayeredStorage) Iter(fn func(id int64, s *slot.ValueSlot)) {
	for _, t := range ls.tiers {
		t.Iter(fn)
	}
}

// Size returns the total number of ids currently resident across every
// tier.
func (ls *LayeredStorage) Size() int {
	n := 0
	for _, t := range ls.tiers {
		n += t.Size()
	}
	return n
}

// Start launches one background evictor goroutine per tier boundary
// (tier i -> tier i+1, for every i with a tier below it), coordinated by an
// errgroup bound to ctx's cancellation.
func (ls *LayeredStorage) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ls.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	ls.eg = eg

	for i := range ls.memTiers {
		if i+1 >= len(ls.tiers) {
			continue // bottom tier: nothing further down to demote into
		}
		idx := i
		eg.Go(func() error {
			ls.evictLoop(egCtx, idx)
			return nil
		})
	}
}

// Stop cancels every background task and waits for them to drain.
func (ls *LayeredStorage) Stop() error {
	if ls.cancel != nil {
		ls.cancel()
	}
	if ls.eg != nil {
		return ls.eg.Wait()
	}
	return nil
}

// Close stops background tasks and closes every tier (flushing/closing the
// SSD log if present).
func (ls *LayeredStorage) Close() error {
	_ = ls.Stop()
	var firstErr error
	for _, t := range ls.tiers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (ls *LayeredStorage) evictLoop(ctx context.Context, tierIdx int) {
	interval := ls.cfg.EvictionInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ls.evictOnce(tierIdx)
		}
	}
}

// evictOnce runs one eviction sweep at tierIdx, per spec.md §4.7: triggered
// when the tier's cache policy size exceeds its slot budget, up to
// eviction_batch_size victims are moved down via batch commit, their
// payloads returned to this tier's pool, and their HashMap entries
// tombstoned.
func (ls *LayeredStorage) evictOnce(tierIdx int) {
	srcPool := ls.memTiers[tierIdx]
	ls.metrics.SetPoolBlocks(tierLabel(srcPool.Kind()), srcPool.Pool().BlocksAllocated())

	policy := ls.policies[tierIdx]
	if policy.Size() <= ls.capacitySlots[tierIdx] {
		return
	}

	batch := ls.cfg.EvictionBatchSize
	victimIDs := make([]int64, batch)
	n := policy.GetEvictIDs(victimIDs, batch)
	if n == 0 {
		return
	}
	victimIDs = victimIDs[:n]

	src := ls.tiers[tierIdx]
	dst := ls.tiers[tierIdx+1]

	ids := make([]int64, 0, n)
	snapshots := make([]*slot.ValueSlot, 0, n)
	for _, id := range victimIDs {
		s, err := src.Get(id)
		if err != nil {
			continue
		}
		payload := make([]float32, len(s.Payload))
		copy(payload, s.Payload)
		snap := &slot.ValueSlot{Key: id, Payload: payload, Layout: s.Layout}
		snap.Version.Store(s.Version.Load())
		snap.Frequency.Store(s.Frequency.Load())
		snap.SetFlags(s.Flags())
		ids = append(ids, id)
		snapshots = append(snapshots, snap)
	}
	if len(ids) == 0 {
		return
	}

	if err := dst.BatchCommit(ids, snapshots); err != nil {
		ls.logger.Error("evictor: batch commit to next tier failed", zap.Error(err), zap.Int("tier", tierIdx))
		return
	}
	for _, id := range ids {
		if _, err := src.Remove(id); err != nil {
			continue
		}
		ls.metrics.IncEviction(tierLabel(src.Kind()))
	}
}
