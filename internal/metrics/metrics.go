// Package metrics is a thin Prometheus abstraction generalizing the
// teacher's pkg/metrics.go: there metrics were shard-labeled counters/gauges
// behind a metricsSink interface so the hot path pays nothing when
// monitoring is disabled. Here the label is "tier" (hbm/dram/ssd) instead of
// shard, and the metric set matches spec.md §4.7's tier-transition events
// plus SSD log/compaction and pool activity.
//
// © 2025 embedstore authors. MIT License.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the interface LayeredStorage and ssdlog report through. All methods are safe for concurrent use.
type Sink interface {
	IncHit(tier string)
	IncMiss(tier string)
	IncEviction(tier string)
	IncPromotion(tier string)
	IncAdmission()
	IncCompaction(tier string)
	AddSSDBytes(tier string, delta int64)
	SetPoolBlocks(tier string, blocks int64)
}

// noop discards every observation; used when no *prometheus.Registry is
// supplied, so the hot path does not pay for label lookups.
type noop struct{}

func (noop) IncHit(string)             {}
func (noop) IncMiss(string)            {}
func (noop) IncEviction(string)         {}
func (noop) IncPromotion(string)        {}
func (noop) IncAdmission()              {}
func (noop) IncCompaction(string)       {}
func (noop) AddSSDBytes(string, int64)  {}
func (noop) SetPoolBlocks(string, int64) {}

// Noop returns a Sink that discards every observation.
func Noop() Sink { return noop{} }

type promSink struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	promotions  *prometheus.CounterVec
	admissions  prometheus.Counter
	compactions *prometheus.CounterVec
	ssdBytes    *prometheus.GaugeVec
	poolBlocks  *prometheus.GaugeVec
}

// New constructs a Prometheus-backed Sink registered against reg. Panics via
// MustRegister if called twice against the same registry, matching the
// teacher's factory contract (caller owns the registry's lifetime).
func New(reg *prometheus.Registry) Sink {
	tierLabel := []string{"tier"}
	s := &promSink{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedstore", Name: "hits_total", Help: "Lookups served from this tier.",
		}, tierLabel),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedstore", Name: "misses_total", Help: "Lookups that fell through this tier.",
		}, tierLabel),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedstore", Name: "evictions_total", Help: "Ids evicted out of this tier.",
		}, tierLabel),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedstore", Name: "promotions_total", Help: "Ids copied back up into this tier.",
		}, tierLabel),
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "embedstore", Name: "admissions_total", Help: "Ids admitted by the filter.",
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedstore", Name: "compactions_total", Help: "SSD segment compaction passes.",
		}, tierLabel),
		ssdBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "embedstore", Name: "ssd_live_bytes", Help: "Live bytes tracked in the SSD log.",
		}, tierLabel),
		poolBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "embedstore", Name: "pool_blocks", Help: "Underlying blocks allocated by a tier's MemoryPool.",
		}, tierLabel),
	}
	reg.MustRegister(s.hits, s.misses, s.evictions, s.promotions, s.admissions, s.compactions, s.ssdBytes, s.poolBlocks)
	return s
}

func (s *promSink) IncHit(tier string)       { s.hits.WithLabelValues(tier).Inc() }
func (s *promSink) IncMiss(tier string)      { s.misses.WithLabelValues(tier).Inc() }
func (s *promSink) IncEviction(tier string)  { s.evictions.WithLabelValues(tier).Inc() }
func (s *promSink) IncPromotion(tier string) { s.promotions.WithLabelValues(tier).Inc() }
func (s *promSink) IncAdmission()            { s.admissions.Inc() }
func (s *promSink) IncCompaction(tier string) { s.compactions.WithLabelValues(tier).Inc() }
func (s *promSink) AddSSDBytes(tier string, delta int64) {
	s.ssdBytes.WithLabelValues(tier).Add(float64(delta))
}
func (s *promSink) SetPoolBlocks(tier string, blocks int64) {
	s.poolBlocks.WithLabelValues(tier).Set(float64(blocks))
}
