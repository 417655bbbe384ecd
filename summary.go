package scopeacq

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BatchSummary describes the range of one sample batch, so that a plot can
// choose its vertical scale without receiving the samples.
type BatchSummary struct {
	Channel int
	Cycle   int
	N       int
	Min     float64
	Max     float64
	Mean    float64
	RMS     float64
}

// Summarize computes the BatchSummary of samples. An empty batch has N=0 and zero statistics.
func Summarize(ch InputChannel, cycle int, samples []float64) BatchSummary {
	s := BatchSummary{Channel: int(ch), Cycle: cycle, N: len(samples)}
	if len(samples) == 0 {
		return s
	}
	s.Min = floats.Min(samples)
	s.Max = floats.Max(samples)
	s.Mean = stat.Mean(samples, nil)
	s.RMS = floats.Norm(samples, 2) / math.Sqrt(float64(len(samples)))
	return s
}
