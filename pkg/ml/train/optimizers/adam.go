// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/stein/pkg/support/params"
	"gonum.org/v1/gonum/mat"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamBeta1 is the moving average coefficient for the direction (momentum), the numerator.
	// The default value is 0.9
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999
	ParamAdamBeta2 = "adam_beta2"
)

// Adam is a stochastic gradient method based on an adaptive estimation of first-order and
// second-order moments, see [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters. Once configured, call
// AdamConfig.Done, and it will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// RMSProp divides the learning rate for each parameter by a running average of the recent magnitudes
// (L2) of its direction. It is implemented as an Adam without the first moment.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// AdamConfig holds the configuration for Adam, create it with Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	schedule     Schedule
	beta1, beta2 float64
	epsilon      float64
	rmsProp      bool
}

// FromParams configures Adam with the hyperparameters set in p: ParamLearningRate, ParamAdamEpsilon,
// ParamAdamBeta1 and ParamAdamBeta2. Parameters not set keep their current value.
func (c *AdamConfig) FromParams(p *params.Params) *AdamConfig {
	c.learningRate = params.GetParamOr(p, ParamLearningRate, c.learningRate)
	c.epsilon = params.GetParamOr(p, ParamAdamEpsilon, c.epsilon)
	c.beta1 = params.GetParamOr(p, ParamAdamBeta1, c.beta1)
	c.beta2 = params.GetParamOr(p, ParamAdamBeta2, c.beta2)
	return c
}

// LearningRate sets the constant learning rate. Default is 0.001.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Schedule sets a learning rate schedule, which takes precedence over LearningRate.
func (c *AdamConfig) Schedule(schedule Schedule) *AdamConfig {
	c.schedule = schedule
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability. Default is 1e-8.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam.
func (c *AdamConfig) Done() Interface {
	config := *c
	if config.schedule == nil {
		config.schedule = Constant(config.learningRate)
	}
	return &adam{config: config}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	stepState
	config           AdamConfig
	moment1, moment2 *mat.Dense
}

// Update implements optimizers.Interface.
func (o *adam) Update(direction *mat.Dense) (*mat.Dense, error) {
	first, err := o.checkShape(direction)
	if err != nil {
		return nil, err
	}
	if first {
		o.moment1 = mat.NewDense(o.rows, o.cols, nil)
		o.moment2 = mat.NewDense(o.rows, o.cols, nil)
	}
	step := float64(o.iterations + 1)
	learningRate := o.config.schedule(o.iterations)
	beta1, beta2 := o.config.beta1, o.config.beta2
	debias1 := 1 / (1 - math.Pow(beta1, step))
	debias2 := 1 / (1 - math.Pow(beta2, step))

	increment := mat.NewDense(o.rows, o.cols, nil)
	dir, m1, m2, inc := direction.RawMatrix(), o.moment1.RawMatrix(), o.moment2.RawMatrix(), increment.RawMatrix()
	for row := 0; row < o.rows; row++ {
		for col := 0; col < o.cols; col++ {
			d := dir.Data[row*dir.Stride+col]
			idx := row*m1.Stride + col
			m2.Data[idx] = beta2*m2.Data[idx] + (1-beta2)*d*d
			denominator := math.Sqrt(m2.Data[idx]*debias2) + o.config.epsilon
			if o.config.rmsProp {
				inc.Data[row*inc.Stride+col] = learningRate * d / denominator
				continue
			}
			m1.Data[idx] = beta1*m1.Data[idx] + (1-beta1)*d
			inc.Data[row*inc.Stride+col] = learningRate * m1.Data[idx] * debias1 / denominator
		}
	}
	o.iterations++
	return increment, nil
}
