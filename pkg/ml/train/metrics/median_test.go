// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamingMedian(t *testing.T) {
	metric := NewMedianMetric("median", "med", LogPosteriorMetricType, Mean, nil).
		WithSampleSize(10_000).
		WithRand(rand.New(rand.NewPCG(1, 1)))
	require.True(t, math.IsNaN(metric.Read()))

	// Sample from 0.01 < r < 1.0 randomly, and feed the metric 1/r.
	rng := rand.New(rand.NewPCG(2, 3))
	const numExamples = 100_001
	values := make([]float64, 0, numExamples)
	for range numExamples {
		r := 1 / (rng.Float64()*0.99 + 0.01)
		values = append(values, r)
		metric.add(r)
	}
	median := metric.Read()
	slices.Sort(values)
	require.InDelta(t, values[numExamples/2], median, 0.1)
	require.Len(t, metric.samples, 10_000)

	metric.Reset()
	require.Equal(t, 5.0, metric.Update([]float64{4, 6}))
}
