package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopDoesNotPanic(t *testing.T) {
	s := Noop()
	assert.NotPanics(t, func() {
		s.IncHit("dram")
		s.IncMiss("dram")
		s.IncEviction("hbm")
		s.IncPromotion("hbm")
		s.IncAdmission()
		s.IncCompaction("ssd")
		s.AddSSDBytes("ssd", 128)
		s.SetPoolBlocks("dram", 4)
	})
}

func TestPromSinkRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)
	require.NotNil(t, s)

	assert.NotPanics(t, func() {
		s.IncHit("hbm")
		s.IncMiss("dram")
		s.IncEviction("hbm")
		s.IncPromotion("dram")
		s.IncAdmission()
		s.IncCompaction("ssd")
		s.AddSSDBytes("ssd", 4096)
		s.SetPoolBlocks("hbm", 2)
	})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
