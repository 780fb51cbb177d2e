// Package embedstore is the EmbeddingVariable façade spec.md §4.8 describes:
// the operation set optimizer kernels and checkpoint I/O call against one
// sparse variable backed by a LayeredStorage tier stack.
//
// This generalizes the teacher's top-level Cache[K,V] (pkg/cache.go): where
// Cache exposed Put/GetOrLoad/Len/Close over a generic sharded map,
// EmbeddingVariable exposes the fixed vocabulary LookupOrCreate/
// LookupOrCreateKey/UpdateVersion/GetSnapshot/Shrink/Import over one
// id -> ValueSlot tiered store, constructed the same way (New applies
// functional options, validates once, then wires the background tasks and
// returns a ready-to-use handle).
//
// © 2025 embedstore authors. MIT License.
package embedstore

import (
	"context"
	"sort"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Voskan/embedstore/errors"
	"github.com/Voskan/embedstore/internal/config"
	"github.com/Voskan/embedstore/internal/layered"
	"github.com/Voskan/embedstore/internal/metrics"
	"github.com/Voskan/embedstore/internal/slot"
)

// tracer is the package-wide root tracer. Only Shrink and GetSnapshot are
// traced: they are the two operations long enough (full tier walks) to be
// worth the span overhead, unlike LookupOrCreate's hot path, which stays
// untraced. A nil TracerProvider (the default until a caller installs one)
// makes every span a no-op, so this has no cost when tracing isn't wired up.
var tracer = otel.Tracer("github.com/Voskan/embedstore")

// Option configures an EmbeddingVariable at construction; re-exported so
// callers never need to import internal/config directly.
type Option = config.Option

var (
	WithStorageType        = config.WithStorageType
	WithLayout             = config.WithLayout
	WithSizes              = config.WithSizes
	WithStepsToLive        = config.WithStepsToLive
	WithAdmissionFilter    = config.WithAdmissionFilter
	WithFrequencyAdmission = config.WithFrequencyAdmission
	WithL2WeightThreshold  = config.WithL2WeightThreshold
	WithCacheStrategy      = config.WithCacheStrategy
	WithEviction           = config.WithEviction
	WithSSD                = config.WithSSD
	WithMetrics            = config.WithMetrics
	WithLogger             = config.WithLogger
)

// EmbeddingVariable is one sparse, tiered-storage variable.
type EmbeddingVariable struct {
	name string
	cfg  *config.Config

	storage *layered.LayeredStorage

	globalStep atomic.Int64

	cancel context.CancelFunc
}

// New constructs an EmbeddingVariable named name, building its tier stack
// per opts (spec.md §6's storage_type/size[0..3]/layout/... knobs).
func New(name string, opts ...Option) (*EmbeddingVariable, error) {
	cfg, err := config.New(opts...)
	if err != nil {
		return nil, err
	}

	var sink metrics.Sink = metrics.Noop()
	if cfg.Registry != nil {
		sink = metrics.New(cfg.Registry)
	}

	storage, err := layered.New(cfg, sink)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	storage.Start(ctx)

	return &EmbeddingVariable{name: name, cfg: cfg, storage: storage, cancel: cancel}, nil
}

// Name returns the variable's name, used to derive checkpoint tensor names.
func (ev *EmbeddingVariable) Name() string { return ev.name }

// Close stops background tasks and releases every tier.
func (ev *EmbeddingVariable) Close() error {
	ev.cancel()
	return ev.storage.Close()
}

// LookupOrCreate is the fast path: it returns the handle for id, creating
// and admitting it if absent and defaultValue is non-nil. defaultValue ==
// nil is "filter-only" access: ErrNotFound is returned rather than creating
// anything. A below-threshold id (spec §4.3's "shadow" read) is never
// inserted into the tier stack; instead it returns a transient, frozen slot
// carrying defaultValue, so the caller is never fooled into thinking the id
// is actually stored.
func (ev *EmbeddingVariable) LookupOrCreate(id int64, defaultValue []float32) (*slot.ValueSlot, error) {
	if s, err := ev.storage.Get(id); err == nil {
		return s, nil
	}
	if defaultValue == nil {
		return nil, errors.ErrNotFound
	}
	s, inserted, err := ev.storage.CreateOnMiss(id, 1)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return ev.shadowSlot(id, defaultValue), nil
	}
	if inserted {
		copy(s.Sub(0), defaultValue)
		s.MarkInitialized(0)
	}
	return s, nil
}

// LookupOrCreateKey returns (handle, is_admitted) without writing a default
// value, for optimizer variants that interleave their own header updates
// before touching the payload. A below-threshold id returns isAdmitted ==
// false along with a transient, frozen shadow slot rather than nil, so
// callers can still read a zero-valued handle without risking a write.
func (ev *EmbeddingVariable) LookupOrCreateKey(id int64) (s *slot.ValueSlot, isAdmitted bool, err error) {
	if s, err := ev.storage.Get(id); err == nil {
		return s, true, nil
	}
	s, _, err = ev.storage.CreateOnMiss(id, 1)
	if err != nil {
		return nil, false, err
	}
	if s == nil {
		return ev.shadowSlot(id, nil), false, nil
	}
	return s, true, nil
}

// shadowSlot builds the transient, frozen handle returned for a
// below-threshold id: its observation was already recorded by
// storage.CreateOnMiss's admission filter call, but the id itself is never
// published into any tier. FlagFrozen marks it read-only -- optimizer
// kernels must check Frozen() and skip UpdateVersion/mutation for it, the
// same convention ValueSlot already uses for pool-owned, in-flight slots.
func (ev *EmbeddingVariable) shadowSlot(id int64, defaultValue []float32) *slot.ValueSlot {
	layout := ev.storage.Layout()
	buf := make([]float32, layout.TotalDims)
	s := slot.NewValueSlot(id, buf, layout, slot.TierDRAM)
	s.SetFrozen(true)
	if defaultValue != nil {
		copy(s.Sub(0), defaultValue)
		s.MarkInitialized(0)
	}
	return s
}

// UpdateVersion records step as the global training step at which s's
// sub-embeddings were last written, and advances the variable's global step
// watermark used by Shrink's steps_to_live rule.
func (ev *EmbeddingVariable) UpdateVersion(s *slot.ValueSlot, step int64) {
	s.Version.Store(step)
	for {
		cur := ev.globalStep.Load()
		if step <= cur {
			return
		}
		if ev.globalStep.CompareAndSwap(cur, step) {
			return
		}
	}
}

// GlobalStep returns the highest step observed via UpdateVersion so far.
func (ev *EmbeddingVariable) GlobalStep() int64 { return ev.globalStep.Load() }

// Snapshot is the dump GetSnapshot assembles: every id currently resident
// across every tier, ordered ascending by key (spec.md §6's "alphabetical
// ordering... is mandatory" requirement, applied to the numeric id space).
type Snapshot struct {
	Keys     []int64
	Values   [][]float32
	Versions []int64
	Freqs    []uint32
}

// GetSnapshot assembles a dump of every id across every tier. Ids observed
// more than once (an in-flight promotion can briefly appear in two tiers)
// are deduplicated, keeping the first-seen slot.
func (ev *EmbeddingVariable) GetSnapshot() *Snapshot {
	_, span := tracer.Start(context.Background(), "embedstore.GetSnapshot",
		trace.WithAttributes(attribute.String("embedstore.variable", ev.name)))
	defer span.End()

	seen := make(map[int64]*slot.ValueSlot)
	ev.storage.Iter(func(id int64, s *slot.ValueSlot) {
		if _, ok := seen[id]; !ok {
			seen[id] = s
		}
	})

	keys := make([]int64, 0, len(seen))
	for id := range seen {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	snap := &Snapshot{
		Keys:     keys,
		Values:   make([][]float32, len(keys)),
		Versions: make([]int64, len(keys)),
		Freqs:    make([]uint32, len(keys)),
	}
	for i, id := range keys {
		s := seen[id]
		v := make([]float32, len(s.Sub(0)))
		copy(v, s.Sub(0))
		snap.Values[i] = v
		snap.Versions[i] = s.Version.Load()
		snap.Freqs[i] = s.Frequency.Load()
	}
	span.SetAttributes(attribute.Int("embedstore.snapshot_size", len(keys)))
	return snap
}

// ShrinkArgs selects which pruning rules Shrink applies.
type ShrinkArgs struct {
	// GlobalStep is the caller's current training step; ids with
	// version <= GlobalStep - StepsToLive are pruned (StepsToLive == 0
	// disables this rule regardless of GlobalStep).
	GlobalStep int64
	// Archive, if non-nil, receives every pruned id's last known payload
	// before it is dropped from the tier stack.
	Archive ColdArchiver
}

// ColdArchiver is the subset of internal/coldarchive.Archive's surface
// Shrink needs, kept as an interface here so pkg/embedstore does not import
// badger directly -- callers decide whether pruning is archived at all.
type ColdArchiver interface {
	PutBatch(ids []int64, records []ArchivedRecord) error
}

// ArchivedRecord is what Shrink hands to a ColdArchiver for each pruned id.
type ArchivedRecord struct {
	Version int64
	Freq    uint32
	Payload []float32
}

// Shrink prunes ids by steps_to_live and/or L2-weight threshold (spec.md
// §4.8), archiving each pruned id's last known value first if args.Archive
// is set. Survival rule: an id survives the steps_to_live test iff
// version > global_step - steps_to_live (strict); the L2 test is evaluated
// independently and either rule alone is sufficient to prune.
func (ev *EmbeddingVariable) Shrink(args ShrinkArgs) (removed int, err error) {
	_, span := tracer.Start(context.Background(), "embedstore.Shrink",
		trace.WithAttributes(
			attribute.String("embedstore.variable", ev.name),
			attribute.Int64("embedstore.global_step", args.GlobalStep),
		))
	defer func() {
		span.SetAttributes(attribute.Int("embedstore.removed", removed))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if ev.cfg.StepsToLive <= 0 && ev.cfg.L2WeightThreshold < 0 {
		return 0, nil
	}

	type victim struct {
		id  int64
		rec ArchivedRecord
	}
	var victims []victim

	ev.storage.Iter(func(id int64, s *slot.ValueSlot) {
		prune := false
		if ev.cfg.StepsToLive > 0 {
			threshold := args.GlobalStep - ev.cfg.StepsToLive
			if s.Version.Load() <= threshold {
				prune = true
			}
		}
		if !prune && ev.cfg.L2WeightThreshold >= 0 && s.L2NormSquared() < ev.cfg.L2WeightThreshold {
			prune = true
		}
		if !prune {
			return
		}
		payload := make([]float32, len(s.Payload))
		copy(payload, s.Payload)
		victims = append(victims, victim{id: id, rec: ArchivedRecord{
			Version: s.Version.Load(),
			Freq:    s.Frequency.Load(),
			Payload: payload,
		}})
	})

	if len(victims) == 0 {
		return 0, nil
	}

	if args.Archive != nil {
		ids := make([]int64, len(victims))
		recs := make([]ArchivedRecord, len(victims))
		for i, v := range victims {
			ids[i] = v.id
			recs[i] = v.rec
		}
		if err := args.Archive.PutBatch(ids, recs); err != nil {
			return 0, err
		}
	}

	for _, v := range victims {
		if err := ev.storage.Remove(v.id); err == nil {
			removed++
		}
	}
	return removed, nil
}

// ImportRecord is one restored id from a checkpoint buffer.
type ImportRecord struct {
	Key     int64
	Value   []float32
	Version int64
	Freq    uint32
}

// Import restores records into the variable, honoring partition sharding:
// a record is applied only if Key % partitionNum == partitionID.
// partitionNum <= 0 disables sharding (every record is applied).
func (ev *EmbeddingVariable) Import(records []ImportRecord, partitionID, partitionNum int) error {
	for _, r := range records {
		if partitionNum > 0 && r.Key%int64(partitionNum) != int64(partitionID) {
			continue
		}
		if _, err := ev.storage.Restore(r.Key, r.Value, r.Version, r.Freq); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether id is present in any tier without affecting cache
// ranking (unlike LookupOrCreate/LookupOrCreateKey, this never touches the
// cache policy).
func (ev *EmbeddingVariable) Exists(id int64) bool { return ev.storage.Contains(id) }
