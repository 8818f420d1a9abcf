// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/stein/pkg/support/params"
	"gonum.org/v1/gonum/mat"
)

const (
	// AdaGradDefaultLearningRate is used by AdaGrad if no learning rate is set.
	AdaGradDefaultLearningRate = 1e-3

	// ParamAdaGradAlpha is the auto-correlation of the historical squared directions. Default is 0.9.
	ParamAdaGradAlpha = "adagrad_alpha"
)

// AdaGrad returns the configuration for the adaptive step used by the reference SVGD implementation:
// the historical squared directions are accumulated with an exponential decay alpha (the first
// iteration takes the squared direction as is), and the step is lr·φ/(fudge + sqrt(historical)).
func AdaGrad() *AdaGradConfig {
	return &AdaGradConfig{
		learningRate: AdaGradDefaultLearningRate,
		alpha:        0.9,
		fudgeFactor:  1e-6,
	}
}

// AdaGradConfig is the configuration for AdaGrad. Call Done to create the optimizer.
type AdaGradConfig struct {
	learningRate float64
	schedule     Schedule
	alpha        float64
	fudgeFactor  float64
}

// FromParams configures AdaGrad from ParamLearningRate and ParamAdaGradAlpha.
func (c *AdaGradConfig) FromParams(p *params.Params) *AdaGradConfig {
	c.learningRate = params.GetParamOr(p, ParamLearningRate, c.learningRate)
	c.alpha = params.GetParamOr(p, ParamAdaGradAlpha, c.alpha)
	return c
}

// LearningRate sets the constant learning rate.
func (c *AdaGradConfig) LearningRate(value float64) *AdaGradConfig {
	c.learningRate = value
	return c
}

// Schedule sets a learning rate schedule, which takes precedence over LearningRate.
func (c *AdaGradConfig) Schedule(schedule Schedule) *AdaGradConfig {
	c.schedule = schedule
	return c
}

// Alpha sets the auto-correlation of the historical squared directions.
func (c *AdaGradConfig) Alpha(alpha float64) *AdaGradConfig {
	c.alpha = alpha
	return c
}

// Done returns the configured optimizer.
func (c *AdaGradConfig) Done() Interface {
	config := *c
	if config.schedule == nil {
		config.schedule = Constant(config.learningRate)
	}
	return &adaGrad{config: config}
}

type adaGrad struct {
	stepState
	config     AdaGradConfig
	historical *mat.Dense
}

// Update implements optimizers.Interface.
func (o *adaGrad) Update(direction *mat.Dense) (*mat.Dense, error) {
	first, err := o.checkShape(direction)
	if err != nil {
		return nil, err
	}
	if first {
		o.historical = mat.NewDense(o.rows, o.cols, nil)
	}
	squared := mat.NewDense(o.rows, o.cols, nil)
	squared.MulElem(direction, direction)
	if o.iterations == 0 {
		o.historical.Add(o.historical, squared)
	} else {
		o.historical.Scale(o.config.alpha, o.historical)
		squared.Scale(1-o.config.alpha, squared)
		o.historical.Add(o.historical, squared)
	}
	learningRate := o.config.schedule(o.iterations)
	increment := mat.NewDense(o.rows, o.cols, nil)
	increment.Apply(func(i, j int, v float64) float64 {
		return learningRate * v / (o.config.fudgeFactor + math.Sqrt(o.historical.At(i, j)))
	}, direction)
	o.iterations++
	return increment, nil
}
