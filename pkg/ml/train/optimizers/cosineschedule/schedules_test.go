// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cosineschedule_test

import (
	"testing"

	"github.com/gomlx/stein/pkg/ml/train/optimizers"
	"github.com/gomlx/stein/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/stein/pkg/support/params"
	"github.com/stretchr/testify/assert"
)

func TestCosineAnnealingSchedule(t *testing.T) {
	const periodInSteps = 100
	const minLearningRate = 0.001
	const baseLearningRate = 1.0

	t.Run("periodSteps", func(t *testing.T) {
		schedule := cosineschedule.New().
			PeriodInSteps(periodInSteps).
			LearningRate(baseLearningRate).
			MinLearningRate(minLearningRate).
			Done()
		assert.InDelta(t, baseLearningRate, schedule(0), 1e-9)
		assert.InDelta(t, (baseLearningRate+minLearningRate)/2, schedule(periodInSteps/2), 1e-9)
		assert.Less(t, schedule(periodInSteps-1), 0.01)
		// Restarts after one period.
		assert.InDelta(t, baseLearningRate, schedule(periodInSteps), 1e-9)
		for step := range 2 * periodInSteps {
			lr := schedule(step)
			assert.GreaterOrEqual(t, lr, minLearningRate)
			assert.LessOrEqual(t, lr, baseLearningRate)
		}
	})

	t.Run("warmUp", func(t *testing.T) {
		schedule := cosineschedule.New().PeriodInSteps(periodInSteps).LearningRate(1).WarmUpSteps(10).Done()
		assert.InDelta(t, 0.1, schedule(0), 1e-9)
		assert.InDelta(t, 1.0, schedule(9), 1e-9)
		assert.InDelta(t, 1.0, schedule(10), 1e-9)
	})

	t.Run("fromParams", func(t *testing.T) {
		p := params.New(map[string]any{
			optimizers.ParamLearningRate:       0.5,
			cosineschedule.ParamPeriodSteps:    0,
			cosineschedule.ParamMinLearningRate: 0.1,
		})
		schedule := cosineschedule.New().FromParams(p).Done()
		assert.Equal(t, 0.5, schedule(0))
		assert.Equal(t, 0.5, schedule(1000))
	})
}
