// Package config defines the functional-options configuration object for
// one EmbeddingVariable, generalizing the teacher's pkg/config.go pattern
// (one struct, defaults filled in by defaultConfig, options mutate it,
// applyOptions validates once) from a generic cache config to the tiered
// store's knobs enumerated in spec.md §6.
//
// © 2025 embedstore authors. MIT License.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/embedstore/errors"
	"github.com/Voskan/embedstore/internal/admission"
	"github.com/Voskan/embedstore/internal/cachepolicy"
	"github.com/Voskan/embedstore/internal/ssdlog"
)

// StorageType selects which tier stack LayeredStorage builds, spec.md §6.
type StorageType uint8

const (
	DRAM StorageType = iota
	DRAMSSDHash
	HBMDRAM
	HBMDRAMSSDHash
)

// ParseStorageType parses the storage_type configuration string.
func ParseStorageType(s string) (StorageType, error) {
	switch s {
	case "DRAM":
		return DRAM, nil
	case "DRAM_SSDHASH":
		return DRAMSSDHash, nil
	case "HBM_DRAM":
		return HBMDRAM, nil
	case "HBM_DRAM_SSDHASH":
		return HBMDRAMSSDHash, nil
	default:
		return 0, errors.New(errors.InvalidArgument, "unknown storage_type: "+s)
	}
}

// HasHBM reports whether this storage type includes an HBM tier.
func (t StorageType) HasHBM() bool { return t == HBMDRAM || t == HBMDRAMSSDHash }

// HasSSD reports whether this storage type includes an SSD tier.
func (t StorageType) HasSSD() bool { return t == DRAMSSDHash || t == HBMDRAMSSDHash }

// TierCount returns how many tiers this storage type composes (1-3).
func (t StorageType) TierCount() int {
	n := 1
	if t.HasHBM() {
		n++
	}
	if t.HasSSD() {
		n++
	}
	return n
}

// LayoutKind selects how sub-embeddings are packed inside one slot.
type LayoutKind uint8

const (
	LayoutNormal LayoutKind = iota
	LayoutLight
	LayoutNormalContiguous
)

// ParseLayoutKind parses the layout configuration string.
func ParseLayoutKind(s string) (LayoutKind, error) {
	switch s {
	case "normal":
		return LayoutNormal, nil
	case "light":
		return LayoutLight, nil
	case "normal_contiguous":
		return LayoutNormalContiguous, nil
	default:
		return 0, errors.New(errors.InvalidArgument, "unknown layout: "+s)
	}
}

// Config bundles every knob spec.md §6 enumerates for one EmbeddingVariable.
// Constructed only via New; fields are not meant to be mutated after
// construction (mirrors the teacher's immutable-after-New config object).
type Config struct {
	StorageType StorageType
	SizeBytes   [4]int64 // size[0..3]: per-tier byte capacities, index order HBM,DRAM,SSD,(reserved)

	Layout     LayoutKind
	ValueLen   int
	ExtraSlots []int // co-located optimizer sub-embedding lengths (e.g. Adam m, v)

	StepsToLive int64 // 0 disables step-based TTL

	AdmissionPolicy          admission.PolicyKind
	FilterFreq               uint64 // admission threshold (bloom cell / frequency threshold)
	MaxFreq                  uint32 // frequency counter saturation ceiling
	CounterType              admission.CounterWidth
	MaxElementSize           int
	FalsePositiveProbability float64

	L2WeightThreshold float64 // negative disables L2 shrink

	CacheStrategy     cachepolicy.Strategy
	EvictionBatchSize int
	EvictionInterval  time.Duration

	AsyncCompaction bool // SSDHASH_ASYNC_COMPACTION
	IOScheme        ssdlog.IOScheme // SSDHASH_IO_SCHEME
	SSDDir          string
	SSDSegmentBytes int64

	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Option mutates a Config under construction.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		StorageType:              DRAM,
		SizeBytes:                [4]int64{0, 1 << 30, 0, 0},
		Layout:                   LayoutNormal,
		ValueLen:                 8,
		StepsToLive:              0,
		AdmissionPolicy:          admission.PolicyBloom,
		FilterFreq:               2,
		MaxFreq:                  1 << 20,
		CounterType:              admission.Width16,
		MaxElementSize:           1 << 20,
		FalsePositiveProbability: 0.01,
		L2WeightThreshold:        -1,
		CacheStrategy:            cachepolicy.LRU,
		EvictionBatchSize:        256,
		EvictionInterval:         50 * time.Millisecond,
		AsyncCompaction:          true,
		IOScheme:                 ssdlog.SchemeDirectIO,
		SSDDir:                   "embedstore-data",
		SSDSegmentBytes:          64 << 20,
		Logger:                   zap.NewNop(),
	}
}

// New builds a validated Config from opts, applying environment overrides
// after explicit options (env wins, matching spec.md §6's description of
// SSDHASH_* as process-wide environment variables rather than per-call
// options).
func New(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SSDHASH_ASYNC_COMPACTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AsyncCompaction = b
		}
	}
	if v := os.Getenv("SSDHASH_IO_SCHEME"); v != "" {
		if scheme, err := ssdlog.ParseIOScheme(v); err == nil {
			cfg.IOScheme = scheme
		}
	}
}

func validate(cfg *Config) error {
	if cfg.ValueLen <= 0 {
		return errors.New(errors.InvalidArgument, "value_len must be > 0")
	}
	if cfg.StorageType.HasSSD() && cfg.SSDDir == "" {
		return errors.New(errors.InvalidArgument, "ssd-backed storage_type requires a directory")
	}
	if cfg.EvictionBatchSize <= 0 {
		return errors.New(errors.InvalidArgument, "eviction_batch_size must be > 0")
	}
	return nil
}

// WithStorageType selects the tier stack.
func WithStorageType(t StorageType) Option { return func(c *Config) { c.StorageType = t } }

// WithSizes sets the per-tier byte capacities (size[0..3]).
func WithSizes(sizes [4]int64) Option { return func(c *Config) { c.SizeBytes = sizes } }

// WithLayout sets the slot layout kind and the primary value length plus any
// co-located optimizer sub-embedding lengths.
func WithLayout(kind LayoutKind, valueLen int, extraSlots ...int) Option {
	return func(c *Config) {
		c.Layout = kind
		c.ValueLen = valueLen
		c.ExtraSlots = extraSlots
	}
}

// WithStepsToLive sets the step-based TTL; 0 disables it.
func WithStepsToLive(steps int64) Option { return func(c *Config) { c.StepsToLive = steps } }

// WithAdmissionFilter sets every admission-filter knob at once, mirroring
// spec.md §6's grouping of filter_freq/max_freq/counter_type/
// max_element_size/false_positive_probability.
func WithAdmissionFilter(filterFreq uint64, maxFreq uint32, counterType admission.CounterWidth, maxElementSize int, falsePositiveProbability float64) Option {
	return func(c *Config) {
		c.FilterFreq = filterFreq
		c.MaxFreq = maxFreq
		c.CounterType = counterType
		c.MaxElementSize = maxElementSize
		c.FalsePositiveProbability = falsePositiveProbability
	}
}

// WithFrequencyAdmission selects the non-probabilistic, exact-count
// admission policy in place of the default counting bloom filter, admitting
// an id once it has been observed threshold times.
func WithFrequencyAdmission(threshold uint32) Option {
	return func(c *Config) {
		c.AdmissionPolicy = admission.PolicyFrequencyThreshold
		c.FilterFreq = uint64(threshold)
	}
}

// WithL2WeightThreshold sets the Shrink pruning threshold, compared against
// the squared L2 norm (sum of squares, not sqrt) of a slot's primary value;
// negative disables it.
func WithL2WeightThreshold(threshold float64) Option {
	return func(c *Config) { c.L2WeightThreshold = threshold }
}

// WithCacheStrategy selects LRU or LFU eviction ranking.
func WithCacheStrategy(s cachepolicy.Strategy) Option {
	return func(c *Config) { c.CacheStrategy = s }
}

// WithEviction sets the background evictor's batch size and polling
// interval.
func WithEviction(batchSize int, interval time.Duration) Option {
	return func(c *Config) { c.EvictionBatchSize = batchSize; c.EvictionInterval = interval }
}

// WithSSD sets the SSD log's directory and segment size (ignored unless
// StorageType.HasSSD()).
func WithSSD(dir string, segmentBytes int64) Option {
	return func(c *Config) { c.SSDDir = dir; c.SSDSegmentBytes = segmentBytes }
}

// WithMetrics enables Prometheus metrics collection, registered against reg.
func WithMetrics(reg *prometheus.Registry) Option { return func(c *Config) { c.Registry = reg } }

// WithLogger plugs an external zap.Logger; the store only logs slow-path
// events (compaction, restart scans, background task errors).
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
