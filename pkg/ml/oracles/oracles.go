// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package oracles provides gradient oracles for the samplers: functions returning the log-posterior of a
// model and its gradient with respect to every parameter slot, for one particle.
//
// All of them implement sampler.Oracle:
//
//   - Func: adapts a plain function.
//   - FiniteDifference: derives the gradient numerically from a log-density.
//   - Gaussian: a multivariate normal target, mostly for testing.
//   - LinearRegression: Bayesian linear regression with a standard normal prior on the weights.
package oracles

import (
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
)

// Func adapts a function to the oracle interface.
type Func func(params particles.Params, batch datasets.Batch) (float64, particles.Params, error)

// LogPosterior calls f.
func (f Func) LogPosterior(params particles.Params, batch datasets.Batch) (float64, particles.Params, error) {
	return f(params, batch)
}

// LogDensity returns the log-density (up to an additive constant) of one particle's parameters.
type LogDensity func(params particles.Params, batch datasets.Batch) (float64, error)
