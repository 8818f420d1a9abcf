// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel_test

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/gomlx/stein/pkg/core/distributed"
	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/gomlx/stein/pkg/ml/oracles"
	"github.com/gomlx/stein/pkg/ml/sampler"
	"github.com/gomlx/stein/pkg/ml/sampler/parallel"
	"github.com/gomlx/stein/pkg/ml/train/optimizers"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// zeroOracle has a flat posterior.
var zeroOracle oracles.Func = func(p particles.Params, _ datasets.Batch) (float64, particles.Params, error) {
	grads := make(particles.Params, len(p))
	for name, values := range p {
		grads[name] = make([]float64, len(values))
	}
	return 0, grads, nil
}

// frozen returns an optimizer whose increments are always zero, so training doesn't move the particles.
func frozen() optimizers.Interface {
	return optimizers.StochasticGradientDescent().LearningRate(0).Done()
}

// runWorkers runs fn on numWorkers workers connected by an in-process cluster, one goroutine each,
// and returns the error of each worker.
func runWorkers(t *testing.T, numWorkers int, fn func(world *distributed.World) error) []error {
	transports, err := distributed.NewLocalCluster(numWorkers)
	require.NoError(t, err)
	workerErrs := make([]error, numWorkers)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg conc.WaitGroup
		for rank, transport := range transports {
			wg.Go(func() {
				world, err := distributed.NewWorld(transport)
				if err != nil {
					workerErrs[rank] = err
					return
				}
				defer func() { _ = world.Close() }()
				workerErrs[rank] = fn(world)
			})
		}
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("workers deadlocked")
	}
	return workerErrs
}

// distinctParticles returns a set of numParticles particles with two slots, where the first value of
// each particle is its index.
func distinctParticles(t *testing.T, numParticles int) *particles.Set {
	w := mat.NewDense(numParticles, 2, nil)
	b := mat.NewDense(numParticles, 1, nil)
	for i := range numParticles {
		w.SetRow(i, []float64{float64(i), float64(10 * i)})
		b.Set(i, 0, float64(-i))
	}
	set, err := particles.NewSet([]particles.Slot{{Name: "w", Shape: []int{2}}, {Name: "b"}}, []*mat.Dense{w, b})
	require.NoError(t, err)
	return set
}

// ids returns the sorted ids (first value) of the particles in the set.
func ids(set *particles.Set) []float64 {
	got := mat.Col(nil, 0, set.Values("w"))
	slices.Sort(got)
	return got
}

func rangeIDs(n int) []float64 {
	want := make([]float64, n)
	for i := range want {
		want[i] = float64(i)
	}
	return want
}

func TestNewPartitionsParticles(t *testing.T) {
	// N=6, W=2, particles freshly initialized.
	const numParticles, numWorkers = 6, 2
	var merged *particles.Set
	errList := runWorkers(t, numWorkers, func(world *distributed.World) error {
		s, err := parallel.New(world, numParticles, 100, zeroOracle, frozen(),
			parallel.WithSamplerOptions(
				sampler.WithSlots(particles.Slot{Name: "theta", Shape: []int{3}}),
				sampler.WithRand(rand.New(rand.NewPCG(uint64(world.Rank()), 1)))))
		if err != nil {
			return err
		}
		assert.Equal(t, 3, s.Local().NumParticles())
		assert.Equal(t, numParticles, s.NumParticles())
		assert.Equal(t, parallel.Training, s.State())
		set, err := s.Merge()
		if err != nil {
			return err
		}
		if world.IsCoordinator() {
			merged = set
		} else {
			assert.Nil(t, set)
		}
		return nil
	})
	for _, err := range errList {
		require.NoError(t, err)
	}
	require.NotNil(t, merged)
	assert.Equal(t, numParticles, merged.NumParticles())
}

func TestNewConfigurationErrors(t *testing.T) {
	for _, tc := range []struct{ numParticles, numWorkers, shufflePeriod int }{
		{5, 2, 1},
		{7, 3, 1},
		{3, 2, 1},
		{1, 2, 1},
		{10, 4, 1},
		{0, 1, 1},
		{4, 2, 0},
	} {
		t.Run(fmt.Sprintf("N=%d,W=%d,period=%d", tc.numParticles, tc.numWorkers, tc.shufflePeriod), func(t *testing.T) {
			errList := runWorkers(t, tc.numWorkers, func(world *distributed.World) error {
				_, err := parallel.New(world, tc.numParticles, tc.shufflePeriod, zeroOracle, frozen(),
					parallel.WithSamplerOptions(sampler.WithSlots(particles.Slot{Name: "x"})))
				return err
			})
			for rank, err := range errList {
				require.ErrorIsf(t, err, errs.ErrConfiguration, "worker %d", rank)
			}
		})
	}
}

func TestNewFollowerFailure(t *testing.T) {
	// Only worker 2 is misconfigured (no slots): everyone fails instead of blocking.
	errList := runWorkers(t, 3, func(world *distributed.World) error {
		var options []parallel.Option
		if world.Rank() != 2 {
			options = append(options, parallel.WithSamplerOptions(sampler.WithSlots(particles.Slot{Name: "x"})))
		}
		_, err := parallel.New(world, 6, 1, zeroOracle, frozen(), options...)
		return err
	})
	for rank, err := range errList {
		require.ErrorIsf(t, err, errs.ErrConfiguration, "worker %d", rank)
		assert.Contains(t, err.Error(), "worker 2")
	}
}

func TestMergeAndShuffle(t *testing.T) {
	for _, numWorkers := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("W=%d", numWorkers), func(t *testing.T) {
			const numParticles = 8
			numLocal := numParticles / numWorkers
			global := distinctParticles(t, numParticles)
			locals := make([]*particles.Set, numWorkers)
			var merged *particles.Set
			var values []float64
			errList := runWorkers(t, numWorkers, func(world *distributed.World) error {
				s, err := parallel.New(world, numParticles, 1000, zeroOracle, frozen(),
					parallel.WithParticles(global), parallel.WithRand(rand.New(rand.NewPCG(7, 7))))
				if err != nil {
					return err
				}
				// Contiguous block by rank.
				assert.Equal(t, rangeIDs(numParticles)[world.Rank()*numLocal:(world.Rank()+1)*numLocal],
					ids(s.Local().Particles()))

				set, err := s.Merge()
				if err != nil {
					return err
				}
				if world.IsCoordinator() {
					merged = set
				}
				for range 3 {
					if err = s.Shuffle(); err != nil {
						return err
					}
				}
				assert.Equal(t, parallel.Training, s.State())
				assert.Equal(t, numLocal, s.Local().NumParticles())
				locals[world.Rank()] = s.Local().Particles().Clone()

				got, err := s.FunctionPosteriorDistribution(func(p particles.Params, _ datasets.Batch) (float64, error) {
					return p["w"][0], nil
				}, nil)
				if err != nil {
					return err
				}
				if world.IsCoordinator() {
					values = got
				} else {
					assert.Nil(t, got)
				}
				return nil
			})
			for _, err := range errList {
				require.NoError(t, err)
			}

			// Merge: all particles, any order.
			require.NotNil(t, merged)
			assert.Equal(t, rangeIDs(numParticles), ids(merged))

			// Shuffle: multiset preserved, each particle intact.
			var all []float64
			for _, local := range locals {
				require.Equal(t, numLocal, local.NumParticles())
				for i := range numLocal {
					p := local.Params(i)
					assert.Equal(t, 10*p["w"][0], p["w"][1])
					assert.Equal(t, -p["w"][0], p["b"][0])
					all = append(all, p["w"][0])
				}
			}
			slices.Sort(all)
			assert.Equal(t, rangeIDs(numParticles), all)

			slices.Sort(values)
			assert.Equal(t, rangeIDs(numParticles), values)
		})
	}
}

func TestMergeWithSlowFollower(t *testing.T) {
	// Worker 1 sends its blocks for both merges before worker 2 sends its first one.
	const numParticles, numWorkers = 6, 3
	global := distinctParticles(t, numParticles)
	var merges [][]float64
	locals := make([][]float64, numWorkers)
	errList := runWorkers(t, numWorkers, func(world *distributed.World) error {
		s, err := parallel.New(world, numParticles, 1000, zeroOracle, frozen(),
			parallel.WithParticles(global), parallel.WithRand(rand.New(rand.NewPCG(3, 3))))
		if err != nil {
			return err
		}
		if world.Rank() == 2 {
			time.Sleep(200 * time.Millisecond)
		}
		for range 2 {
			set, err := s.Merge()
			if err != nil {
				return err
			}
			if world.IsCoordinator() {
				merges = append(merges, ids(set))
			}
		}
		if err = s.Shuffle(); err != nil {
			return err
		}
		locals[world.Rank()] = ids(s.Local().Particles())
		return nil
	})
	for _, err := range errList {
		require.NoError(t, err)
	}
	require.Len(t, merges, 2)
	for _, got := range merges {
		assert.Equal(t, rangeIDs(numParticles), got)
	}
	all := slices.Concat(locals...)
	slices.Sort(all)
	assert.Equal(t, rangeIDs(numParticles), all)
}

func TestShuffleChangesAssignment(t *testing.T) {
	const numParticles, numWorkers = 8, 4
	global := distinctParticles(t, numParticles)
	locals := make([][]float64, numWorkers)
	errList := runWorkers(t, numWorkers, func(world *distributed.World) error {
		s, err := parallel.New(world, numParticles, 1, zeroOracle, frozen(),
			parallel.WithParticles(global), parallel.WithRand(rand.New(rand.NewPCG(1, 2))))
		if err != nil {
			return err
		}
		if err = s.Shuffle(); err != nil {
			return err
		}
		locals[world.Rank()] = ids(s.Local().Particles())
		return nil
	})
	for _, err := range errList {
		require.NoError(t, err)
	}
	changed := false
	for rank, local := range locals {
		if !slices.Equal(local, rangeIDs(numParticles)[rank*2:(rank+1)*2]) {
			changed = true
		}
	}
	assert.True(t, changed, "shuffle should reassign particles across workers")
}

func TestTrainOnBatchShufflesPeriodically(t *testing.T) {
	const numParticles, numWorkers, period = 6, 3, 2
	global := distinctParticles(t, numParticles)
	errList := runWorkers(t, numWorkers, func(world *distributed.World) error {
		s, err := parallel.New(world, numParticles, period, zeroOracle, frozen(),
			parallel.WithParticles(global), parallel.WithRand(rand.New(rand.NewPCG(3, 3))))
		if err != nil {
			return err
		}
		own := rangeIDs(numParticles)[world.Rank()*2 : (world.Rank()+1)*2]
		// First step: no shuffle, and the frozen optimizer doesn't move the particles.
		if err = s.TrainOnBatch(nil); err != nil {
			return err
		}
		assert.Equal(t, own, ids(s.Local().Particles()))
		assert.Equal(t, 1, s.Local().Optimizer().Iterations())
		// Second step shuffles: collectively, the merge must still hold every particle.
		if err = s.TrainOnBatch(nil); err != nil {
			return err
		}
		assert.Equal(t, 2, s.Local().Optimizer().Iterations())
		set, err := s.Merge()
		if err != nil {
			return err
		}
		if world.IsCoordinator() {
			assert.Equal(t, rangeIDs(numParticles), ids(set))
		}
		return nil
	})
	for _, err := range errList {
		require.NoError(t, err)
	}
}

func TestTrainOnBatchConverges(t *testing.T) {
	const numParticles, numWorkers = 12, 3
	target, err := oracles.NewStandardGaussian("theta", 2)
	require.NoError(t, err)
	var values []float64
	errList := runWorkers(t, numWorkers, func(world *distributed.World) error {
		s, err := parallel.New(world, numParticles, 10, target, optimizers.Adam().LearningRate(0.1).Done(),
			parallel.WithSamplerOptions(
				sampler.WithSlots(target.Slot()),
				sampler.WithRand(rand.New(rand.NewPCG(uint64(world.Rank()), 42)))))
		if err != nil {
			return err
		}
		for range 300 {
			if err = s.TrainOnBatch(nil); err != nil {
				return err
			}
		}
		got, err := s.FunctionPosteriorDistribution(func(p particles.Params, _ datasets.Batch) (float64, error) {
			return p["theta"][0], nil
		}, nil)
		if world.IsCoordinator() {
			values = got
		}
		return err
	})
	for _, err := range errList {
		require.NoError(t, err)
	}
	require.Len(t, values, numParticles)
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	assert.InDelta(t, 2, mean/numParticles, 0.3)
}

func TestLayoutMismatch(t *testing.T) {
	errList := runWorkers(t, 2, func(world *distributed.World) error {
		slot := particles.Slot{Name: "x", Shape: []int{2}}
		if world.Rank() == 1 {
			slot.Shape = []int{3}
		}
		s, err := parallel.New(world, 4, 100, zeroOracle, frozen(),
			parallel.WithSamplerOptions(sampler.WithSlots(slot)))
		if err != nil {
			return err
		}
		return s.Shuffle()
	})
	require.ErrorIs(t, errList[0], errs.ErrShape)
	require.Error(t, errList[1])
}
