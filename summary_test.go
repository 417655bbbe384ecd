package scopeacq_test

import (
	"math"
	"testing"

	"github.com/pulseox/scopeacq"
	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	s := scopeacq.Summarize(2, 7, []float64{1, -3, 3, -1})
	assert.Equal(t, 2, s.Channel)
	assert.Equal(t, 7, s.Cycle)
	assert.Equal(t, 4, s.N)
	assert.Equal(t, -3.0, s.Min)
	assert.Equal(t, 3.0, s.Max)
	assert.InDelta(t, 0.0, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(5), s.RMS, 1e-12)

	empty := scopeacq.Summarize(1, 1, nil)
	assert.Equal(t, scopeacq.BatchSummary{Channel: 1, Cycle: 1}, empty)
}
