// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing schedule for the learning rate of the optimizers.
//
// Long SVGD runs benefit from large steps early on (to move the particles towards the posterior mass)
// and small steps later (so the repulsion and attraction settle).
package cosineschedule

import (
	"math"

	"github.com/gomlx/stein/pkg/ml/train/optimizers"
	"github.com/gomlx/stein/pkg/support/params"
)

var (
	// ParamPeriodSteps is the name of the parameter with the number of steps of one cosine cycle.
	// If set to 0 the schedule is disabled and the learning rate is constant.
	ParamPeriodSteps = "cosine_schedule_steps"

	// ParamWarmUpSteps is the name of the parameter with the number of linear warm-up steps.
	ParamWarmUpSteps = "cosine_schedule_warmup_steps"

	// ParamMinLearningRate is the name of the parameter with the minimum learning rate reached at the end
	// of each cycle.
	ParamMinLearningRate = "cosine_schedule_min_learning_rate"
)

// Config for a cosine schedule, create it with New.
type Config struct {
	learningRate, minLearningRate float64
	periodNumSteps                int
	warmUpSteps                   int
}

// New returns the configuration of a cosine annealing schedule. Once configured call Done to get the
// optimizers.Schedule.
func New() *Config {
	return &Config{}
}

// FromParams configures the schedule from ParamPeriodSteps, ParamWarmUpSteps, ParamMinLearningRate and
// optimizers.ParamLearningRate.
func (opt *Config) FromParams(p *params.Params) *Config {
	opt.periodNumSteps = params.GetParamOr(p, ParamPeriodSteps, opt.periodNumSteps)
	opt.learningRate = params.GetParamOr(p, optimizers.ParamLearningRate, opt.learningRate)
	opt.minLearningRate = params.GetParamOr(p, ParamMinLearningRate, opt.minLearningRate)
	opt.warmUpSteps = params.GetParamOr(p, ParamWarmUpSteps, opt.warmUpSteps)
	return opt
}

// PeriodInSteps sets the number of steps of one cosine cycle.
func (opt *Config) PeriodInSteps(periodSteps int) *Config {
	opt.periodNumSteps = periodSteps
	return opt
}

// MinLearningRate at the end of each cycle. Default is 0.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// WarmUpSteps sets the number of initial steps where the learning rate grows linearly up to the base value.
func (opt *Config) WarmUpSteps(warmUpSteps int) *Config {
	opt.warmUpSteps = warmUpSteps
	return opt
}

// LearningRate sets the base (maximum) learning rate.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// Done returns the schedule. If the period is 0, the schedule is constant.
func (opt *Config) Done() optimizers.Schedule {
	lrValue, lrMinValue := opt.learningRate, opt.minLearningRate
	period, warmUp := opt.periodNumSteps, opt.warmUpSteps
	if period <= 0 {
		return optimizers.Constant(lrValue)
	}
	return func(step int) float64 {
		if step < warmUp {
			return lrValue * float64(step+1) / float64(warmUp)
		}
		cycle := float64(step-warmUp) / float64(period)
		cycle -= math.Floor(cycle) // Fraction of a half-circle, in [0, 1).
		cosine := math.Cos(cycle * math.Pi)
		return (1+cosine)/2*(lrValue-lrMinValue) + lrMinValue
	}
}
