// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the metrics tracked by the training loop. They are computed in Go from the
// per-particle log-posteriors evaluated by the sampler at each step.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.: the batch and the
	// moving-average log-posterior both have the LogPosteriorMetricType.
	MetricType() string

	// Update the metric with the per-particle log-posteriors of one training step, and return the current value.
	Update(logPosteriors []float64) float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal state when starting a new run.
	Reset()
}

const (
	// LogPosteriorMetricType is the type of metrics measuring the log-posterior of the particles.
	LogPosteriorMetricType = "log_posterior"

	// SpreadMetricType is the type of metrics measuring how spread the particles are.
	SpreadMetricType = "spread"
)

// StepFn reduces the per-particle log-posteriors of one step to a scalar.
type StepFn func(logPosteriors []float64) float64

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// Mean of the values. NaN if empty.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return stat.Mean(values, nil)
}

// Max of the values. NaN if empty.
func Max(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return floats.Max(values)
}

// StdDev of the values. 0 if there are fewer than two values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}

// baseMetric implements a stateless metric.Interface: the value is the one of the last step.
type baseMetric struct {
	name, shortName, metricType string
	stepFn                      StepFn
	pPrintFn                    PrettyPrintFn // if nil will display default.
}

// Name implements Interface.
func (m *baseMetric) Name() string { return m.name }

// ShortName implements Interface.
func (m *baseMetric) ShortName() string { return m.shortName }

// MetricType implements Interface.
func (m *baseMetric) MetricType() string { return m.metricType }

// Update implements Interface.
func (m *baseMetric) Update(logPosteriors []float64) float64 { return m.stepFn(logPosteriors) }

// PrettyPrint implements Interface.
func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn != nil {
		return m.pPrintFn(value)
	}
	return fmt.Sprintf("%.3f", value)
}

// Reset implements Interface.
func (m *baseMetric) Reset() {}

// NewBaseMetric creates a stateless metric: its value is stepFn of the last step.
//
// prettyPrintFn can be left nil, and a default will be used.
func NewBaseMetric(name, shortName, metricType string, stepFn StepFn, prettyPrintFn PrettyPrintFn) Interface {
	return &baseMetric{name: name, shortName: shortName, metricType: metricType, stepFn: stepFn, pPrintFn: prettyPrintFn}
}

// NewBatchLogPosterior returns the metric with the mean log-posterior of the particles in the last step.
func NewBatchLogPosterior() Interface {
	return NewBaseMetric("Batch Log-Posterior", "logp", LogPosteriorMetricType, Mean, nil)
}

// MeanMetric is the mean of stepFn over all steps since the last Reset.
type MeanMetric struct {
	baseMetric
	sum   float64
	count int
}

// NewMeanMetric creates a metric with the running mean of stepFn over the steps.
func NewMeanMetric(name, shortName, metricType string, stepFn StepFn, prettyPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{baseMetric: baseMetric{
		name: name, shortName: shortName, metricType: metricType, stepFn: stepFn, pPrintFn: prettyPrintFn}}
}

// Update implements Interface.
func (m *MeanMetric) Update(logPosteriors []float64) float64 {
	m.sum += m.stepFn(logPosteriors)
	m.count++
	return m.sum / float64(m.count)
}

// Reset implements Interface.
func (m *MeanMetric) Reset() {
	m.sum, m.count = 0, 0
}

// movingAverageMetric is an exponential moving average of stepFn.
type movingAverageMetric struct {
	baseMetric
	newExampleWeight float64
	value            float64
	count            int
}

// NewExponentialMovingAverageMetric creates a metric with the exponential moving average of stepFn.
//
// newExampleWeight is the weight of each new step. For the first steps the weight is larger (1/count),
// so the average is not biased towards 0.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, stepFn StepFn,
	prettyPrintFn PrettyPrintFn, newExampleWeight float64) Interface {
	return &movingAverageMetric{
		baseMetric: baseMetric{
			name: name, shortName: shortName, metricType: metricType, stepFn: stepFn, pPrintFn: prettyPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

// NewMovingAverageLogPosterior returns the metric with the moving average of the mean log-posterior.
func NewMovingAverageLogPosterior(newExampleWeight float64) Interface {
	return NewExponentialMovingAverageMetric("Moving Average Log-Posterior", "~logp", LogPosteriorMetricType,
		Mean, nil, newExampleWeight)
}

// Update implements Interface.
func (m *movingAverageMetric) Update(logPosteriors []float64) float64 {
	x := m.stepFn(logPosteriors)
	m.count++
	weight := max(m.newExampleWeight, 1/float64(m.count))
	m.value = weight*x + (1-weight)*m.value
	return m.value
}

// Reset implements Interface.
func (m *movingAverageMetric) Reset() {
	m.value, m.count = 0, 0
}
