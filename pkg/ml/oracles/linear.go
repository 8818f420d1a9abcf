// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package oracles

import (
	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// FeaturesKey is the batch key of the features matrix, shaped [numExamples, numFeatures].
	FeaturesKey = "x"

	// TargetsKey is the batch key of the targets, shaped [numExamples, 1].
	TargetsKey = "y"

	// WeightsSlot is the parameter slot of the linear regression weights, shaped [numFeatures, 1].
	WeightsSlot = "w"
)

// LinearRegression is the analytic oracle of a Bayesian linear regression:
//
//	log p(w | x, y) = -0.5 · Σ (x·w - y)² + Σ log N(w_i; 0, 1) + const
//
// with the weights in the WeightsSlot parameter and the data in the FeaturesKey and TargetsKey batch entries.
type LinearRegression struct {
	numFeatures int
	prior       distuv.Normal
}

// NewLinearRegression returns the oracle for a regression with the given number of features.
func NewLinearRegression(numFeatures int) *LinearRegression {
	return &LinearRegression{numFeatures: numFeatures, prior: distuv.UnitNormal}
}

// Slot returns the parameter slot of the weights.
func (o *LinearRegression) Slot() particles.Slot {
	return particles.Slot{Name: WeightsSlot, Shape: []int{o.numFeatures, 1}}
}

// LogPosterior implements sampler.Oracle.
func (o *LinearRegression) LogPosterior(params particles.Params, batch datasets.Batch) (float64, particles.Params, error) {
	w, found := params[WeightsSlot]
	if !found || len(w) != o.numFeatures {
		return 0, nil, errs.Shapef("linear regression requires parameter %q with %d values", WeightsSlot, o.numFeatures)
	}
	x, y := batch[FeaturesKey], batch[TargetsKey]
	if x == nil || y == nil {
		return 0, nil, errs.Inputf("linear regression requires batch entries %q and %q, got %s",
			FeaturesKey, TargetsKey, batch)
	}
	numExamples, numFeatures := x.Dims()
	yRows, yCols := y.Dims()
	if numFeatures != o.numFeatures || yRows != numExamples || yCols != 1 {
		return 0, nil, errs.Shapef("linear regression with %d features got x shaped (%d, %d) and y shaped (%d, %d)",
			o.numFeatures, numExamples, numFeatures, yRows, yCols)
	}

	// residual = y - x·w
	weights := mat.NewVecDense(o.numFeatures, w)
	residual := mat.NewVecDense(numExamples, nil)
	residual.MulVec(x, weights)
	residual.SubVec(y.ColView(0), residual)

	logp := -0.5 * mat.Dot(residual, residual)
	for _, wi := range w {
		logp += o.prior.LogProb(wi)
	}

	// grad = xᵀ·residual - w
	grad := mat.NewVecDense(o.numFeatures, nil)
	grad.MulVec(x.T(), residual)
	gradData := grad.RawVector().Data
	floats.Sub(gradData, w)
	return logp, particles.Params{WeightsSlot: gradData}, nil
}
