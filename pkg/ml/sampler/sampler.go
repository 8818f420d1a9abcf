// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampler implements the Stein Variational Gradient Descent (SVGD) sampler of one worker.
//
// A Sampler owns a population of particles, and on every TrainOnBatch call:
//
//  1. Evaluates the gradient Oracle once per particle, with the particle's parameters bound into the batch.
//  2. Computes the perturbation phi = (K·grads + dK)/n, where K and dK come from the kernel.
//  3. Clips phi to a Frobenius norm of at most MaxPhiNorm.
//  4. Asks the optimizer for an increment and adds it to the particles.
//
// The empirical distribution of the particles converges to the posterior defined by the oracle.
// See package parallel for the distributed version.
package sampler

import (
	"math/rand/v2"

	"github.com/gomlx/stein/internal/workerspool"
	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/kernels"
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/gomlx/stein/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// MaxPhiNorm is the maximum Frobenius norm of the perturbation passed to the optimizer.
const MaxPhiNorm = 10.0

// Oracle returns the log-posterior (up to an additive constant) of the model with the given parameters,
// and its gradient with respect to every parameter slot.
//
// It is called once per particle, and it may be called concurrently if the sampler is configured
// with WithParallelism.
type Oracle interface {
	LogPosterior(params particles.Params, batch datasets.Batch) (logPosterior float64, grads particles.Params, err error)
}

// Trainer is implemented by every sampler: one training step on the given batch.
type Trainer interface {
	TrainOnBatch(batch datasets.Batch) error
}

// ScalarFunc is a function of one particle, evaluated by FunctionPosteriorDistribution.
type ScalarFunc func(params particles.Params, batch datasets.Batch) (float64, error)

// Sampler is the SVGD sampler of one worker. It is not safe for concurrent use.
type Sampler struct {
	numParticles int
	oracle       Oracle
	optimizer    optimizers.Interface
	kernel       kernels.Kernel
	pool         *workerspool.Pool
	set          *particles.Set

	lastLogPosteriors []float64

	// Options.
	initial     *particles.Set
	slots       []particles.Slot
	rng         *rand.Rand
	parallelism int
}

// Option configures a Sampler in New.
type Option func(s *Sampler)

// WithParticles sets the initial particles. The sampler takes ownership of the set.
func WithParticles(set *particles.Set) Option {
	return func(s *Sampler) { s.initial = set }
}

// WithSlots sets the parameter slots of freshly initialized particles, drawn from a standard normal.
// It is ignored if WithParticles is given.
func WithSlots(slots ...particles.Slot) Option {
	return func(s *Sampler) { s.slots = slots }
}

// WithKernel sets the kernel. The default is kernels.NewSquaredExponential().
func WithKernel(kernel kernels.Kernel) Option {
	return func(s *Sampler) { s.kernel = kernel }
}

// WithRand sets the random number generator used to initialize the particles.
func WithRand(rng *rand.Rand) Option {
	return func(s *Sampler) { s.rng = rng }
}

// WithParallelism sets how many particles have their oracle evaluated concurrently.
// The default is 0: evaluate them sequentially in the caller's goroutine. -1 means unlimited.
func WithParallelism(parallelism int) Option {
	return func(s *Sampler) { s.parallelism = parallelism }
}

// New creates a Sampler with numParticles particles.
//
// Either WithParticles or WithSlots must be given.
func New(numParticles int, oracle Oracle, optimizer optimizers.Interface, options ...Option) (*Sampler, error) {
	s := &Sampler{
		numParticles: numParticles,
		oracle:       oracle,
		optimizer:    optimizer,
	}
	for _, option := range options {
		option(s)
	}
	if numParticles < 1 {
		return nil, errs.Configurationf("sampler requires at least one particle, got %d", numParticles)
	}
	if oracle == nil {
		return nil, errs.Configurationf("sampler requires a gradient oracle")
	}
	if optimizer == nil {
		return nil, errs.Configurationf("sampler requires an optimizer")
	}
	if s.kernel == nil {
		s.kernel = kernels.NewSquaredExponential()
	}
	s.pool = workerspool.NewWithParallelism(s.parallelism)

	switch {
	case s.initial != nil:
		if s.initial.NumParticles() != numParticles {
			return nil, errs.Configurationf("initial particles %s don't match the number of particles %d",
				s.initial, numParticles)
		}
		s.set = s.initial
	case len(s.slots) > 0:
		var src rand.Source
		if s.rng != nil {
			src = s.rng
		}
		var err error
		s.set, err = particles.NewStandardNormal(numParticles, s.slots, src)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to initialize particles")
		}
	default:
		return nil, errs.Configurationf("sampler requires either the initial particles or the parameter slots")
	}
	s.initial, s.slots, s.rng = nil, nil, nil
	klog.V(1).Infof("sampler: created with %s", s.set)
	return s, nil
}

// NumParticles owned by the sampler.
func (s *Sampler) NumParticles() int { return s.numParticles }

// Particles returns the current particles. They are owned by the sampler and updated in place.
func (s *Sampler) Particles() *particles.Set { return s.set }

// Optimizer used by the sampler.
func (s *Sampler) Optimizer() optimizers.Interface { return s.optimizer }

// Oracle used by the sampler.
func (s *Sampler) Oracle() Oracle { return s.oracle }

// ComputePhi returns the SVGD perturbation (K·grads + dK)/n for the flat particles and their gradients,
// both shaped [numParticles, numParams].
func (s *Sampler) ComputePhi(flat, grads *mat.Dense) (*mat.Dense, error) {
	n, numParams := flat.Dims()
	gRows, gCols := grads.Dims()
	if gRows != n || gCols != numParams {
		return nil, errs.Shapef("gradients shaped (%d, %d), but particles are shaped (%d, %d)",
			gRows, gCols, n, numParams)
	}
	k, dk, err := s.kernel.KernelAndGrad(flat)
	if err != nil {
		return nil, err
	}
	phi := mat.NewDense(n, numParams, nil)
	phi.Mul(k, grads)
	phi.Add(phi, dk)
	phi.Scale(1/float64(n), phi)
	return phi, nil
}

// ClipNorm scales m in place so its Frobenius norm is at most maxNorm. It returns the scale factor used.
func ClipNorm(m *mat.Dense, maxNorm float64) float64 {
	norm := mat.Norm(m, 2)
	if norm <= maxNorm {
		return 1
	}
	scale := maxNorm / norm
	m.Scale(scale, m)
	return scale
}

// UpdateParticles moves the particles one SVGD step, given the log-posterior gradients of each particle,
// shaped [numParticles, numParams] following the layout of particles.Encode.
//
// It advances the optimizer by one iteration.
func (s *Sampler) UpdateParticles(grads *mat.Dense) error {
	flat, layout, err := particles.Encode(s.set)
	if err != nil {
		return err
	}
	if grads == nil {
		return errs.Shapef("missing gradients")
	}
	rows, cols := flat.Dims()
	gRows, gCols := grads.Dims()
	if gRows != rows || gCols != cols {
		return errs.Shapef("gradients shaped (%d, %d), but particles are shaped (%d, %d) with layout %s",
			gRows, gCols, rows, cols, layout)
	}
	if err := kernels.CheckFinite(grads, "gradients"); err != nil {
		return err
	}
	phi, err := s.ComputePhi(flat, grads)
	if err != nil {
		return err
	}
	if scale := ClipNorm(phi, MaxPhiNorm); scale < 1 {
		klog.V(2).Infof("sampler: perturbation clipped by a factor of %g", scale)
	}
	increment, err := s.optimizer.Update(phi)
	if err != nil {
		return errors.WithMessage(err, "optimizer failed")
	}
	flat.Add(flat, increment)
	updated, err := layout.Decode(flat)
	if err != nil {
		return err
	}
	return s.set.Assign(updated)
}

// Gradients evaluates the oracle once per particle and returns the gradient matrix, shaped
// [numParticles, numParams], and the log-posterior of each particle.
func (s *Sampler) Gradients(batch datasets.Batch) (*mat.Dense, []float64, error) {
	layout := particles.NewLayout(s.set.Slots())
	grads := mat.NewDense(s.numParticles, layout.Width(), nil)
	logPosteriors := make([]float64, s.numParticles)
	err := s.pool.ForEach(s.numParticles, func(i int) error {
		logp, g, err := s.oracle.LogPosterior(s.set.Params(i), batch)
		if err != nil {
			return errors.WithMessagef(err, "oracle failed for particle %d", i)
		}
		if err = layout.Flatten(g, grads.RawRowView(i)); err != nil {
			return errors.WithMessagef(err, "invalid gradients for particle %d", i)
		}
		logPosteriors[i] = logp
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return grads, logPosteriors, nil
}

// TrainOnBatch implements Trainer: it evaluates the oracle for each particle and updates the particles.
func (s *Sampler) TrainOnBatch(batch datasets.Batch) error {
	grads, logPosteriors, err := s.Gradients(batch)
	if err != nil {
		return err
	}
	if err = s.UpdateParticles(grads); err != nil {
		return err
	}
	s.lastLogPosteriors = logPosteriors
	if klog.V(2).Enabled() {
		klog.Infof("sampler: iteration %d, log-posteriors %v", s.optimizer.Iterations(), logPosteriors)
	}
	return nil
}

// LastLogPosteriors returns the log-posterior of each particle as evaluated in the last TrainOnBatch,
// before the particles were updated. It returns nil if no training step happened yet.
func (s *Sampler) LastLogPosteriors() []float64 {
	if s.lastLogPosteriors == nil {
		return nil
	}
	return append([]float64(nil), s.lastLogPosteriors...)
}

// LogPosteriors evaluates the oracle's log-posterior of every particle on the batch, without updating them.
func (s *Sampler) LogPosteriors(batch datasets.Batch) ([]float64, error) {
	return s.FunctionPosteriorDistribution(func(p particles.Params, batch datasets.Batch) (float64, error) {
		logp, _, err := s.oracle.LogPosterior(p, batch)
		return logp, err
	}, batch)
}

// FunctionPosteriorDistribution evaluates fn once per particle, with the particle's parameters bound
// into the batch, and returns one value per particle: samples of the posterior distribution of fn.
func (s *Sampler) FunctionPosteriorDistribution(fn ScalarFunc, batch datasets.Batch) ([]float64, error) {
	return Evaluate(s.set, fn, batch)
}

// Evaluate fn sequentially for each particle of the set.
func Evaluate(set *particles.Set, fn ScalarFunc, batch datasets.Batch) ([]float64, error) {
	values := make([]float64, set.NumParticles())
	for i := range values {
		var err error
		values[i], err = fn(set.Params(i), batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "function failed for particle %d", i)
		}
	}
	return values, nil
}

var _ Trainer = (*Sampler)(nil)
