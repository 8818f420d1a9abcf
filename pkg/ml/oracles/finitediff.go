// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package oracles

import (
	"slices"

	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
)

// FiniteDifference is an oracle that approximates the gradient of a LogDensity numerically.
//
// It costs 2·numParams evaluations of the log-density per particle (central differences), so it
// is meant for small models and for validating analytic oracles.
type FiniteDifference struct {
	logDensity LogDensity
	settings   fd.Settings
}

// NewFiniteDifference creates a finite-difference oracle for the log-density, using central differences.
func NewFiniteDifference(logDensity LogDensity) *FiniteDifference {
	return &FiniteDifference{
		logDensity: logDensity,
		settings:   fd.Settings{Formula: fd.Central},
	}
}

// Step sets the step size of the finite differences. If 0, the default of the formula is used.
func (o *FiniteDifference) Step(step float64) *FiniteDifference {
	o.settings.Step = step
	return o
}

// LogPosterior implements sampler.Oracle.
func (o *FiniteDifference) LogPosterior(params particles.Params, batch datasets.Batch) (float64, particles.Params, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)
	slots := make([]particles.Slot, len(names))
	for i, name := range names {
		if len(params[name]) == 0 {
			return 0, nil, errs.Shapef("parameter %q has no values", name)
		}
		slots[i] = particles.Slot{Name: name, Shape: []int{len(params[name])}}
	}
	layout := particles.NewLayout(slots)
	x := make([]float64, layout.Width())
	if err := layout.Flatten(params, x); err != nil {
		return 0, nil, err
	}

	logp, err := o.logDensity(params, batch)
	if err != nil {
		return 0, nil, err
	}
	var firstErr error
	f := func(x []float64) float64 {
		if firstErr != nil {
			return 0
		}
		p, err := layout.Params(x)
		if err == nil {
			var value float64
			value, err = o.logDensity(p, batch)
			if err == nil {
				return value
			}
		}
		firstErr = err
		return 0
	}
	settings := o.settings
	settings.OriginKnown = true
	settings.OriginValue = logp
	gradient := fd.Gradient(nil, f, x, &settings)
	if firstErr != nil {
		return 0, nil, errors.WithMessage(firstErr, "log-density failed during finite differences")
	}
	grads, err := layout.Params(gradient)
	if err != nil {
		return 0, nil, err
	}
	return logp, grads, nil
}
