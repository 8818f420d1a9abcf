// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train_test

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/gomlx/stein/pkg/ml/train"
	"github.com/gomlx/stein/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrainer counts its steps, and reports the log-posteriors [-steps, -2·steps].
type fakeTrainer struct {
	steps   int
	batches []datasets.Batch
	failAt  int
	panicAt int
	nanAt   int
}

func (f *fakeTrainer) TrainOnBatch(batch datasets.Batch) error {
	f.steps++
	f.batches = append(f.batches, batch)
	if f.steps == f.failAt {
		return errors.New("step failed")
	}
	if f.steps == f.panicAt {
		exceptions.Panicf("oracle exploded")
	}
	return nil
}

func (f *fakeTrainer) LastLogPosteriors() []float64 {
	if f.steps == f.nanAt {
		return []float64{math.NaN()}
	}
	return []float64{-float64(f.steps), -2 * float64(f.steps)}
}

func constantDataset() datasets.Dataset {
	return datasets.NewConstant("const", datasets.Batch{"x": datasets.Column(1)})
}

func TestLoopRunSteps(t *testing.T) {
	trainer := &fakeTrainer{}
	loop := train.NewLoop(trainer)
	require.Len(t, loop.Metrics(), 2)

	var calls []string
	loop.OnStart("start", 0, func(loop *train.Loop, ds datasets.Dataset) error {
		calls = append(calls, "start:"+ds.Name())
		return nil
	})
	loop.OnStep("second", 10, func(loop *train.Loop, values []float64) error {
		calls = append(calls, "second")
		return nil
	})
	loop.OnStep("first", -1, func(loop *train.Loop, values []float64) error {
		calls = append(calls, "first")
		// Batch metric is the mean of the log-posteriors of this step.
		assert.Equal(t, -1.5*float64(loop.LoopStep+1), values[0])
		return nil
	})
	var endValues []float64
	loop.OnEnd("end", 0, func(loop *train.Loop, values []float64) error {
		calls = append(calls, "end")
		endValues = values
		return nil
	})

	values, err := loop.RunSteps(constantDataset(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"start:const", "first", "second", "first", "second", "end"}, calls)
	assert.Equal(t, values, endValues)
	assert.Equal(t, -3.0, values[0])
	assert.Equal(t, 2, trainer.steps)
	assert.Equal(t, 2, loop.LoopStep)
	assert.Len(t, loop.TrainStepDurations, 2)

	// Runs are chained.
	_, err = loop.RunSteps(constantDataset(), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, loop.StartStep)
	assert.Equal(t, 5, loop.EndStep)
	assert.Equal(t, 5, loop.LoopStep)
}

func TestLoopErrors(t *testing.T) {
	t.Run("trainer error", func(t *testing.T) {
		_, err := train.NewLoop(&fakeTrainer{failAt: 2}).RunSteps(constantDataset(), 5)
		require.ErrorContains(t, err, "step failed")
	})
	t.Run("trainer panic", func(t *testing.T) {
		_, err := train.NewLoop(&fakeTrainer{panicAt: 1}).RunSteps(constantDataset(), 5)
		require.ErrorContains(t, err, "oracle exploded")
	})
	t.Run("NaN", func(t *testing.T) {
		_, err := train.NewLoop(&fakeTrainer{nanAt: 3}).RunSteps(constantDataset(), 5)
		require.ErrorContains(t, err, "NaN")
	})
	t.Run("end of dataset", func(t *testing.T) {
		_, err := train.NewLoop(&fakeTrainer{}).RunSteps(datasets.Take(constantDataset(), 2), 5)
		require.ErrorContains(t, err, "reached Dataset end after 2 steps")
	})
	t.Run("hook error", func(t *testing.T) {
		loop := train.NewLoop(&fakeTrainer{})
		loop.OnStep("bad", 0, func(*train.Loop, []float64) error { return errors.New("bad hook") })
		_, err := loop.RunSteps(constantDataset(), 1)
		require.ErrorContains(t, err, `OnStep(hook "bad")`)
	})
}

func TestLoopRunEpochs(t *testing.T) {
	ds, err := datasets.InMemory("data", datasets.Batch{"x": datasets.Column(1, 2, 3, 4, 5)})
	require.NoError(t, err)
	ds.BatchSize(2, false)
	trainer := &fakeTrainer{}
	loop := train.NewLoop(trainer, metrics.NewMeanMetric("mean", "mean", metrics.LogPosteriorMetricType, metrics.Max, nil))
	var epochs []int
	loop.OnStep("epochs", 0, func(loop *train.Loop, _ []float64) error {
		epochs = append(epochs, loop.Epoch)
		return nil
	})
	values, err := loop.RunEpochs(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, epochs)
	assert.Equal(t, 6, trainer.steps)
	assert.Equal(t, 6, loop.EndStep)
	// Mean over the steps of max(-step, -2·step) = -step: -(1+...+6)/6.
	assert.Equal(t, -3.5, values[0])
	rows, _ := trainer.batches[2]["x"].Dims()
	assert.Equal(t, 1, rows)
}

func TestLoopCallbacks(t *testing.T) {
	loop := train.NewLoop(&fakeTrainer{})
	var every, nTimes, exponential []int
	train.EveryNSteps(loop, 3, "every", 0, func(loop *train.Loop, _ []float64) error {
		every = append(every, loop.LoopStep)
		return nil
	})
	train.NTimesDuringLoop(loop, 4, "ntimes", 0, func(loop *train.Loop, _ []float64) error {
		nTimes = append(nTimes, loop.LoopStep)
		return nil
	})
	train.ExponentialCallback(loop, 2, 2, false, "exp", 0, func(loop *train.Loop, _ []float64) error {
		exponential = append(exponential, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(constantDataset(), 20)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8, 11, 14, 17}, every)
	assert.LessOrEqual(t, len(nTimes), 5)
	assert.Equal(t, 19, nTimes[len(nTimes)-1], "last step is always included")
	assert.Equal(t, []int{2, 6, 14}, exponential)

	require.Panics(t, func() { train.EveryNSteps(loop, 0, "bad", 0, nil) })
}
