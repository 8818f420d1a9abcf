// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/stein/pkg/support/params"
	"gonum.org/v1/gonum/mat"
)

// SgdDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SgdDefaultLearningRate = 0.1

// StochasticGradientDescent returns the configuration of a plain gradient step: increment = lr·direction.
func StochasticGradientDescent() *SgdConfig {
	return &SgdConfig{learningRate: SgdDefaultLearningRate}
}

// SgdConfig is the configuration of StochasticGradientDescent. Call Done to create the optimizer.
type SgdConfig struct {
	learningRate float64
	schedule     Schedule
}

// FromParams configures the learning rate from ParamLearningRate.
func (c *SgdConfig) FromParams(p *params.Params) *SgdConfig {
	c.learningRate = params.GetParamOr(p, ParamLearningRate, c.learningRate)
	return c
}

// LearningRate sets the constant learning rate.
func (c *SgdConfig) LearningRate(value float64) *SgdConfig {
	c.learningRate = value
	return c
}

// Schedule sets a learning rate schedule, which takes precedence over LearningRate.
func (c *SgdConfig) Schedule(schedule Schedule) *SgdConfig {
	c.schedule = schedule
	return c
}

// Done returns the configured optimizer.
func (c *SgdConfig) Done() Interface {
	schedule := c.schedule
	if schedule == nil {
		schedule = Constant(c.learningRate)
	}
	return &sgd{schedule: schedule}
}

type sgd struct {
	stepState
	schedule Schedule
}

// Update implements optimizers.Interface.
func (o *sgd) Update(direction *mat.Dense) (*mat.Dense, error) {
	if _, err := o.checkShape(direction); err != nil {
		return nil, err
	}
	increment := mat.NewDense(o.rows, o.cols, nil)
	increment.Scale(o.schedule(o.iterations), direction)
	o.iterations++
	return increment, nil
}
