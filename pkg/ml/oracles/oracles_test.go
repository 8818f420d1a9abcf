// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package oracles_test

import (
	"math"
	"testing"

	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/gomlx/stein/pkg/ml/oracles"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func regressionBatch() datasets.Batch {
	return datasets.Batch{
		oracles.FeaturesKey: mat.NewDense(4, 2, []float64{1, 0, 0, 1, 1, 1, 2, -1}),
		oracles.TargetsKey:  datasets.Column(1, -1, 0, 3),
	}
}

func TestLinearRegression(t *testing.T) {
	oracle := oracles.NewLinearRegression(2)
	assert.Equal(t, particles.Slot{Name: "w", Shape: []int{2, 1}}, oracle.Slot())
	batch := regressionBatch()

	t.Run("zero weights", func(t *testing.T) {
		logp, grads, err := oracle.LogPosterior(particles.Params{"w": {0, 0}}, batch)
		require.NoError(t, err)
		// -0.5·(1+1+0+9) + 2·log N(0; 0, 1)
		want := -0.5*11 - math.Log(2*math.Pi)
		assert.InDelta(t, want, logp, 1e-12)
		// xᵀ·y = [1+0+2·3, -1+0-3] = [7, -4]
		assert.InDeltaSlice(t, []float64{7, -4}, grads["w"], 1e-12)
	})

	t.Run("matches finite differences", func(t *testing.T) {
		numeric := oracles.NewFiniteDifference(func(p particles.Params, batch datasets.Batch) (float64, error) {
			logp, _, err := oracle.LogPosterior(p, batch)
			return logp, err
		})
		for _, w := range [][]float64{{0.5, -0.3}, {2, 1}, {-1, 4}} {
			logp, grads, err := oracle.LogPosterior(particles.Params{"w": w}, batch)
			require.NoError(t, err)
			logpFD, gradsFD, err := numeric.LogPosterior(particles.Params{"w": w}, batch)
			require.NoError(t, err)
			assert.InDelta(t, logp, logpFD, 1e-12)
			assert.InDeltaSlice(t, grads["w"], gradsFD["w"], 1e-5)
		}
	})

	t.Run("errors", func(t *testing.T) {
		_, _, err := oracle.LogPosterior(particles.Params{"w": {0}}, batch)
		require.ErrorIs(t, err, errs.ErrShape)
		_, _, err = oracle.LogPosterior(particles.Params{"w": {0, 0}}, datasets.Batch{})
		require.ErrorIs(t, err, errs.ErrInput)
		_, _, err = oracle.LogPosterior(particles.Params{"w": {0, 0}}, datasets.Batch{
			oracles.FeaturesKey: mat.NewDense(2, 2, nil), oracles.TargetsKey: datasets.Column(1, 2, 3)})
		require.ErrorIs(t, err, errs.ErrShape)
	})
}

func TestGaussian(t *testing.T) {
	sigma := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	oracle, err := oracles.NewGaussian("theta", []float64{1, -2}, sigma)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, oracle.Slot().Shape)
	assert.Equal(t, []float64{1, -2}, oracle.Mean())

	_, grads, err := oracle.LogPosterior(particles.Params{"theta": {1, -2}}, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0}, grads["theta"], 1e-12, "gradient vanishes at the mean")

	numeric := oracles.NewFiniteDifference(func(p particles.Params, batch datasets.Batch) (float64, error) {
		logp, _, err := oracle.LogPosterior(p, batch)
		return logp, err
	})
	x := particles.Params{"theta": {0.3, 0.7}}
	logp, grads, err := oracle.LogPosterior(x, nil)
	require.NoError(t, err)
	logpFD, gradsFD, err := numeric.LogPosterior(x, nil)
	require.NoError(t, err)
	assert.Equal(t, logp, logpFD)
	assert.InDeltaSlice(t, grads["theta"], gradsFD["theta"], 1e-5)

	_, _, err = oracle.LogPosterior(particles.Params{"other": {0, 0}}, nil)
	require.ErrorIs(t, err, errs.ErrShape)

	_, err = oracles.NewGaussian("theta", []float64{0, 0}, mat.NewSymDense(2, []float64{1, 2, 2, 1}))
	require.ErrorIs(t, err, errs.ErrInput)
	_, err = oracles.NewStandardGaussian("theta", 1, 2, 3)
	require.NoError(t, err)
}

func TestFiniteDifferenceMultipleSlots(t *testing.T) {
	// log p = -a² - 3·b₀·b₁
	oracle := oracles.NewFiniteDifference(func(p particles.Params, _ datasets.Batch) (float64, error) {
		a, b := p["a"], p["b"]
		return -a[0]*a[0] - 3*b[0]*b[1], nil
	}).Step(1e-4)
	logp, grads, err := oracle.LogPosterior(particles.Params{"a": {2}, "b": {1, -1}}, nil)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, logp, 1e-12)
	assert.InDeltaSlice(t, []float64{-4}, grads["a"], 1e-6)
	assert.InDeltaSlice(t, []float64{3, -3}, grads["b"], 1e-6)

	failing := oracles.NewFiniteDifference(func(particles.Params, datasets.Batch) (float64, error) {
		return 0, errors.New("boom")
	})
	_, _, err = failing.LogPosterior(particles.Params{"a": {1}}, nil)
	require.Error(t, err)
}

func TestFunc(t *testing.T) {
	var oracle oracles.Func = func(p particles.Params, _ datasets.Batch) (float64, particles.Params, error) {
		return -p["x"][0], particles.Params{"x": {-1}}, nil
	}
	logp, grads, err := oracle.LogPosterior(particles.Params{"x": {3}}, nil)
	require.NoError(t, err)
	assert.Equal(t, -3.0, logp)
	assert.Equal(t, []float64{-1}, grads["x"])
}
