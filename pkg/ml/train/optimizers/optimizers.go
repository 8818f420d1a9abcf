// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the step strategies used to turn the Stein variational perturbation
// direction into an increment of the particles. They all implement optimizers.Interface.
//
// Each optimizer instance owns its state (moment estimates, iteration counter): it is never shared
// or merged across samplers or workers.
package optimizers

import (
	"sort"

	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/support/params"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Interface implemented by the step strategies.
type Interface interface {
	// Update takes the perturbation direction (shaped [numParticles, numParams]) and returns the increment to
	// add to the particles, with the same shape. It increments Iterations by one on success.
	//
	// The direction points towards higher posterior density, so increments are added, not subtracted.
	Update(direction *mat.Dense) (*mat.Dense, error)

	// Iterations returns the number of successful calls to Update.
	Iterations() int
}

// Schedule returns the learning rate to use for the given iteration (starting at 0).
type Schedule func(iteration int) float64

// Constant learning rate schedule.
func Constant(learningRate float64) Schedule {
	return func(int) float64 { return learningRate }
}

var (
	// KnownOptimizers maps optimizer names to constructors configured from Params.
	KnownOptimizers = map[string]func(p *params.Params) Interface{
		"sgd":     func(p *params.Params) Interface { return StochasticGradientDescent().FromParams(p).Done() },
		"adam":    func(p *params.Params) Interface { return Adam().FromParams(p).Done() },
		"rmsprop": func(p *params.Params) Interface { return RMSProp().FromParams(p).Done() },
		"adagrad": func(p *params.Params) Interface { return AdaGrad().FromParams(p).Done() },
	}

	// ParamOptimizer is the name of the parameter with the optimizer to use. It defaults to "adam".
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the name of the parameter with the base learning rate, used by all optimizers.
	ParamLearningRate = "learning_rate"
)

// FromParams creates the optimizer named by ParamOptimizer ("adam" if not set), configured from p.
func FromParams(p *params.Params) (Interface, error) {
	name := params.GetParamOr(p, ParamOptimizer, "adam")
	ctor, found := KnownOptimizers[name]
	if !found {
		names := make([]string, 0, len(KnownOptimizers))
		for n := range KnownOptimizers {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errors.Errorf("unknown optimizer %q, known optimizers are %q", name, names)
	}
	return ctor(p), nil
}

// stepState keeps the iteration counter and the shape of the state, common to all optimizers.
type stepState struct {
	iterations int
	rows, cols int
}

// checkShape validates direction against the shape of the first direction seen. It returns true if this
// is the first call and the state must be initialized.
func (s *stepState) checkShape(direction *mat.Dense) (first bool, err error) {
	if direction == nil || direction.IsEmpty() {
		return false, errs.Inputf("optimizer direction cannot be empty")
	}
	rows, cols := direction.Dims()
	if s.rows == 0 {
		s.rows, s.cols = rows, cols
		return true, nil
	}
	if rows != s.rows || cols != s.cols {
		return false, errs.Shapef("optimizer direction shaped (%d, %d), but its state is shaped (%d, %d)",
			rows, cols, s.rows, s.cols)
	}
	return false, nil
}

// Iterations implements Interface.
func (s *stepState) Iterations() int {
	return s.iterations
}
