// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package oracles

import (
	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Gaussian is an oracle for a multivariate normal distribution over one parameter slot. The batch is ignored.
type Gaussian struct {
	slot   string
	normal *distmv.Normal
}

// NewGaussian returns the oracle of the normal distribution N(mu, sigma) over the parameter slot.
// sigma must be positive definite.
func NewGaussian(slot string, mu []float64, sigma mat.Symmetric) (*Gaussian, error) {
	if sigma.SymmetricDim() != len(mu) {
		return nil, errs.Shapef("covariance of dimension %d for a mean of dimension %d", sigma.SymmetricDim(), len(mu))
	}
	normal, ok := distmv.NewNormal(mu, sigma, nil)
	if !ok {
		return nil, errs.Inputf("covariance matrix for %q is not positive definite", slot)
	}
	return &Gaussian{slot: slot, normal: normal}, nil
}

// NewStandardGaussian returns the oracle of a normal distribution with mean mu and identity covariance.
func NewStandardGaussian(slot string, mu ...float64) (*Gaussian, error) {
	sigma := mat.NewSymDense(len(mu), nil)
	for i := range mu {
		sigma.SetSym(i, i, 1)
	}
	return NewGaussian(slot, mu, sigma)
}

// Slot returns the parameter slot of the distribution, with its shape.
func (g *Gaussian) Slot() particles.Slot {
	return particles.Slot{Name: g.slot, Shape: []int{g.normal.Dim()}}
}

// Mean of the distribution.
func (g *Gaussian) Mean() []float64 {
	return g.normal.Mean(nil)
}

// LogPosterior implements sampler.Oracle.
func (g *Gaussian) LogPosterior(params particles.Params, _ datasets.Batch) (float64, particles.Params, error) {
	x, found := params[g.slot]
	if !found {
		return 0, nil, errs.Shapef("missing parameter %q", g.slot)
	}
	if len(x) != g.normal.Dim() {
		return 0, nil, errs.Shapef("parameter %q has %d values, wanted %d", g.slot, len(x), g.normal.Dim())
	}
	logp := g.normal.LogProb(x)
	grad := g.normal.ScoreInput(nil, x)
	return logp, particles.Params{g.slot: grad}, nil
}
