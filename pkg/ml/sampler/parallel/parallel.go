// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package parallel implements the distributed SVGD sampler: the particles are partitioned across the
// workers of a distributed.World, each worker trains its own block with a local sampler.Sampler, and
// periodically all particles are gathered by the coordinator (rank 0), randomly reassigned and scattered
// back. The shuffle keeps the particles of one worker from collapsing onto the same mode.
//
// Every method that communicates (New, TrainOnBatch, Merge, Shuffle, FunctionPosteriorDistribution) is
// collective: all workers must call it, in the same order.
//
// Failure model: fail-stop. A worker that fails or crashes between collective calls makes the others
// block forever on their next receive. There are no timeouts: callers must treat an error on any worker
// as a failure of the whole run.
package parallel

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/stein/pkg/core/distributed"
	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/gomlx/stein/pkg/ml/sampler"
	"github.com/gomlx/stein/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the distributed sampler.
type State int

const (
	// Training is the state between collective operations.
	Training State = iota

	// Shuffling while the particles are being reassigned across workers.
	Shuffling

	// Merging while the particles are being gathered by the coordinator.
	Merging
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Training:
		return "Training"
	case Shuffling:
		return "Shuffling"
	case Merging:
		return "Merging"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sampler is the distributed SVGD sampler of one worker.
type Sampler struct {
	world         *distributed.World
	role          role
	local         *sampler.Sampler
	numParticles  int
	shufflePeriod int
	state         State
}

type config struct {
	initial        *particles.Set
	samplerOptions []sampler.Option
	rng            *rand.Rand
}

// Option configures the distributed Sampler in New.
type Option func(c *config)

// WithParticles sets the global initial particles: each worker takes its contiguous block of
// numParticles/numWorkers particles, by rank. All workers should be given the same set.
func WithParticles(global *particles.Set) Option {
	return func(c *config) { c.initial = global }
}

// WithSamplerOptions are passed on to the local sampler.New, for instance sampler.WithSlots
// or sampler.WithKernel. Use different random generators (sampler.WithRand) on each worker,
// otherwise all workers start with the same particles.
func WithSamplerOptions(options ...sampler.Option) Option {
	return func(c *config) { c.samplerOptions = append(c.samplerOptions, options...) }
}

// WithRand sets the random number generator the coordinator uses to draw the shuffles.
func WithRand(rng *rand.Rand) Option {
	return func(c *config) { c.rng = rng }
}

// New creates the distributed sampler of the worker in world, holding numParticles/world.Size() of the
// numParticles global particles. The particles are shuffled across workers every shufflePeriod
// training steps.
//
// It is collective: the coordinator validates the configuration and the verdict is broadcast to every
// worker, so on failure all workers return an error wrapping errs.ErrConfiguration.
func New(world *distributed.World, numParticles, shufflePeriod int, oracle sampler.Oracle,
	optimizer optimizers.Interface, options ...Option) (*Sampler, error) {
	if world == nil {
		return nil, errs.Configurationf("distributed sampler requires a World")
	}
	var cfg config
	for _, option := range options {
		option(&cfg)
	}
	s := &Sampler{
		world:         world,
		numParticles:  numParticles,
		shufflePeriod: shufflePeriod,
	}
	if world.IsCoordinator() {
		rng := cfg.rng
		if rng == nil {
			rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		s.role = &coordinator{world: world, rng: rng}
	} else {
		s.role = &follower{world: world}
	}

	localErr := s.validate(&cfg)
	if localErr == nil {
		localErr = s.createLocal(&cfg, oracle, optimizer)
	}
	if err := s.role.agree(localErr); err != nil {
		return nil, err
	}
	klog.V(1).Infof("parallel: worker %d (%s) owns %d of %d particles, shuffling every %d steps",
		world.Rank(), world.Role(), s.local.NumParticles(), numParticles, shufflePeriod)
	return s, nil
}

// validate the configuration. Only the coordinator's checks decide, but all workers run them.
func (s *Sampler) validate(cfg *config) error {
	numWorkers := s.world.Size()
	if s.numParticles < 1 || s.numParticles%numWorkers != 0 {
		return errs.Configurationf("number of particles %d must be a positive multiple of the number of workers %d",
			s.numParticles, numWorkers)
	}
	if s.shufflePeriod < 1 {
		return errs.Configurationf("shuffle period must be >= 1, got %d", s.shufflePeriod)
	}
	if cfg.initial != nil && cfg.initial.NumParticles() != s.numParticles {
		return errs.Configurationf("initial particles %s don't match the number of particles %d",
			cfg.initial, s.numParticles)
	}
	return nil
}

// createLocal creates the local sampler with this worker's block of particles.
func (s *Sampler) createLocal(cfg *config, oracle sampler.Oracle, optimizer optimizers.Interface) error {
	numLocal := s.numParticles / s.world.Size()
	options := cfg.samplerOptions
	if cfg.initial != nil {
		from := s.world.Rank() * numLocal
		block, err := cfg.initial.Slice(from, from+numLocal)
		if err != nil {
			return err
		}
		options = append(options[:len(options):len(options)], sampler.WithParticles(block))
	}
	var err error
	s.local, err = sampler.New(numLocal, oracle, optimizer, options...)
	return err
}

// World of the sampler.
func (s *Sampler) World() *distributed.World { return s.world }

// Role of this worker.
func (s *Sampler) Role() distributed.Role { return s.world.Role() }

// State of the sampler. It is Training except while a collective operation is in progress.
func (s *Sampler) State() State { return s.state }

// Local sampler of this worker.
func (s *Sampler) Local() *sampler.Sampler { return s.local }

// NumParticles is the global number of particles, across all workers.
func (s *Sampler) NumParticles() int { return s.numParticles }

// ShufflePeriod is the number of training steps between shuffles.
func (s *Sampler) ShufflePeriod() int { return s.shufflePeriod }

// LastLogPosteriors of the local particles, evaluated on the last training batch.
func (s *Sampler) LastLogPosteriors() []float64 { return s.local.LastLogPosteriors() }

// TrainOnBatch implements sampler.Trainer: it trains the local particles on the batch, and shuffles the
// particles across workers whenever the optimizer's iteration count is a multiple of the shuffle period.
//
// It is collective when a shuffle is due.
func (s *Sampler) TrainOnBatch(batch datasets.Batch) error {
	if s.state != Training {
		return errors.Errorf("TrainOnBatch called while in state %s", s.state)
	}
	if err := s.local.TrainOnBatch(batch); err != nil {
		return errors.WithMessagef(err, "worker %d", s.world.Rank())
	}
	if s.local.Optimizer().Iterations()%s.shufflePeriod == 0 {
		return s.Shuffle()
	}
	return nil
}

// merge gathers all particles in the coordinator. It returns the merged block on the coordinator
// and nil on followers.
func (s *Sampler) merge() (*particlesBlock, error) {
	flat, layout, err := particles.Encode(s.local.Particles())
	if err != nil {
		return nil, err
	}
	local := &particlesBlock{flat: flat, layout: layout}
	s.state = Merging
	merged, err := s.role.merge(local)
	s.state = Training
	return merged, err
}

// Merge gathers the particles of all workers in the coordinator, which gets a set with all the global
// particles (in an arbitrary order). Followers get nil.
//
// It is collective.
func (s *Sampler) Merge() (*particles.Set, error) {
	merged, err := s.merge()
	if err != nil || merged == nil {
		return nil, err
	}
	return merged.layout.Decode(merged.flat)
}

// Shuffle gathers the particles of all workers, draws a random permutation in the coordinator and gives
// each worker a new block of particles. The multiset of particles is preserved, and each worker keeps
// the same number of particles.
//
// It is collective.
func (s *Sampler) Shuffle() error {
	merged, mergeErr := s.merge()
	layout := particles.NewLayout(s.local.Particles().Slots())
	s.state = Shuffling
	defer func() { s.state = Training }()
	block, err := s.role.scatter(merged, mergeErr, layout, s.local.NumParticles())
	if err != nil {
		return err
	}
	assigned, err := layout.Decode(block)
	if err != nil {
		return err
	}
	if err = s.local.Particles().Assign(assigned); err != nil {
		return err
	}
	klog.V(1).Infof("parallel: worker %d received its shuffled block at iteration %d",
		s.world.Rank(), s.local.Optimizer().Iterations())
	return nil
}

// FunctionPosteriorDistribution merges the particles in the coordinator and evaluates fn once for each of
// the global particles. The coordinator returns the numParticles values; followers always return nil.
//
// It is collective.
func (s *Sampler) FunctionPosteriorDistribution(fn sampler.ScalarFunc, batch datasets.Batch) ([]float64, error) {
	set, err := s.Merge()
	if err != nil || set == nil {
		return nil, err
	}
	return sampler.Evaluate(set, fn, batch)
}

var _ sampler.Trainer = (*Sampler)(nil)
