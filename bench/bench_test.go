// Package bench provides reproducible micro-benchmarks for embedstore.
// Run via: go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks use one fixed value shape so results are comparable
// across versions: value_len=8 float32s, normal layout, DRAM-only storage
// (no SSD tier, so disk latency never dominates what's being measured).
//
// We measure:
//  1. LookupOrCreate        — write-then-read-back, admission on the hot path
//  2. Get                   — read-only workload after warm-up
//  3. GetParallel            — concurrent reads (b.RunParallel)
//  4. LookupOrCreateMixed    — 90% hits, 10% first-touch admissions
//
// © 2025 embedstore authors. MIT License.
package bench

import (
	"math/rand"
	"runtime"
	"testing"

	"github.com/Voskan/embedstore/internal/admission"
	"github.com/Voskan/embedstore/pkg/embedstore"
)

const (
	valueLen = 8
	numIDs   = 1 << 20 // 1M ids for dataset
)

func newTestVariable() *embedstore.EmbeddingVariable {
	ev, err := embedstore.New("bench-var",
		embedstore.WithLayout(0, valueLen),
		embedstore.WithAdmissionFilter(1, 1<<20, admission.Width16, numIDs, 0.01),
	)
	if err != nil {
		panic(err)
	}
	return ev
}

var ds = func() []int64 {
	r := rand.New(rand.NewSource(42))
	arr := make([]int64, numIDs)
	for i := range arr {
		arr[i] = r.Int63()
	}
	return arr
}()

var val = make([]float32, valueLen)

func BenchmarkLookupOrCreate(b *testing.B) {
	ev := newTestVariable()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := ds[i&(numIDs-1)]
		_, _ = ev.LookupOrCreate(id, val)
	}
	ev.Close()
}

func BenchmarkGet(b *testing.B) {
	ev := newTestVariable()
	for _, id := range ds {
		_, _ = ev.LookupOrCreate(id, val)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := ds[i&(numIDs-1)]
		_, _ = ev.LookupOrCreate(id, val)
	}
	ev.Close()
}

func BenchmarkGetParallel(b *testing.B) {
	ev := newTestVariable()
	for _, id := range ds {
		_, _ = ev.LookupOrCreate(id, val)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(numIDs)
		for pb.Next() {
			idx = (idx + 1) & (numIDs - 1)
			_, _ = ev.LookupOrCreate(ds[idx], val)
		}
	})
	ev.Close()
}

func BenchmarkLookupOrCreateMixed(b *testing.B) {
	ev := newTestVariable()
	for i, id := range ds {
		if i%10 != 0 { // 90% pre-admitted
			_, _ = ev.LookupOrCreate(id, val)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	var misses int
	for i := 0; i < b.N; i++ {
		id := ds[i&(numIDs-1)]
		s, admitted, _ := ev.LookupOrCreateKey(id)
		if s != nil && !admitted {
			misses++
		}
	}
	ev.Close()
	b.ReportMetric(float64(misses)/float64(b.N)*100, "miss-%")
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}
