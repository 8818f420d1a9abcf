// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
)

// StreamingMedianMetric keeps an approximate median of stepFn over all steps since the last Reset,
// using reservoir sampling.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewMedianMetric creates a streaming median metric of stepFn.
//
// prettyPrintFn can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, stepFn StepFn, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			stepFn:     stepFn,
			pPrintFn:   prettyPrintFn,
		},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// WithRand sets the random number generator used to select the samples kept.
func (m *StreamingMedianMetric) WithRand(rng *rand.Rand) *StreamingMedianMetric {
	m.rng = rng
	return m
}

// Update implements Interface.
func (m *StreamingMedianMetric) Update(logPosteriors []float64) float64 {
	m.add(m.stepFn(logPosteriors))
	return m.Read()
}

func (m *StreamingMedianMetric) add(x float64) {
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m.samplesSeen++
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}
	// Keep x with probability maxNumSamples/samplesSeen, replacing a random sample.
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Read returns the current median estimate, or NaN if no samples were seen.
func (m *StreamingMedianMetric) Read() float64 {
	if len(m.samples) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Reset implements Interface.
func (m *StreamingMedianMetric) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
