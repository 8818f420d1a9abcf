// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/particles"
	"gonum.org/v1/gonum/mat"
)

// InMemoryDataset holds named matrices that share the number of rows (examples), and yields batches of
// rows of all of them.
//
// Configure it with the cascading methods (Shuffle, BatchSize, Infinite, ...) before use.
type InMemoryDataset struct {
	name        string
	data        Batch
	numExamples int

	muSampling          sync.Mutex
	rng                 *rand.Rand
	shuffle             []int
	next                int
	batchSize           int
	dropIncompleteBatch bool
	infinite            bool
}

// InMemory creates a dataset from the named data matrices, all with the same number of rows.
func InMemory(name string, data Batch) (*InMemoryDataset, error) {
	if len(data) == 0 {
		return nil, errs.Inputf("InMemory(%q) requires at least one data matrix", name)
	}
	numExamples := -1
	for key, m := range data {
		if m == nil || m.IsEmpty() {
			return nil, errs.Inputf("InMemory(%q): data %q is empty", name, key)
		}
		rows, _ := m.Dims()
		if numExamples < 0 {
			numExamples = rows
		} else if rows != numExamples {
			return nil, errs.Shapef("InMemory(%q): data %q has %d examples, others have %d", name, key, rows, numExamples)
		}
	}
	return &InMemoryDataset{
		name:        name,
		data:        data,
		numExamples: numExamples,
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Name implements Dataset.
func (mds *InMemoryDataset) Name() string { return mds.name }

// NumExamples in the dataset.
func (mds *InMemoryDataset) NumExamples() int { return mds.numExamples }

// Reset implements Dataset.
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.resetLocked()
}

func (mds *InMemoryDataset) resetLocked() {
	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

// Shuffle configures the dataset to yield examples in random order, reshuffled at every Reset (or loop,
// if Infinite).
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.shuffleLocked()
	return mds
}

func (mds *InMemoryDataset) shuffleLocked() {
	mds.shuffle = mds.rng.Perm(mds.numExamples)
}

// BatchSize configures the number of examples per batch. If dropIncompleteBatch is true, a last batch with fewer
// examples is dropped. If n <= 0 the whole dataset is yielded in one batch.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = n
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// Infinite sets whether the dataset loops indefinitely. Otherwise, it returns io.EOF after one epoch.
func (mds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.infinite = infinite
	return mds
}

// WithRand sets the random number generator used for shuffling, for reproducible runs.
func (mds *InMemoryDataset) WithRand(rng *rand.Rand) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = rng
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
	return mds
}

// indicesNextYield returns the example indices of the next batch, or nil if the epoch is over.
func (mds *InMemoryDataset) indicesNextYield() []int {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	n := mds.batchSize
	if n <= 0 {
		n = mds.numExamples
	}
	for attempt := 0; attempt < 2; attempt++ {
		if mds.next >= mds.numExamples {
			if !mds.infinite {
				return nil
			}
			mds.resetLocked()
		}
		indices := make([]int, 0, n)
		for mds.next < mds.numExamples && len(indices) < n {
			if mds.shuffle != nil {
				indices = append(indices, mds.shuffle[mds.next])
			} else {
				indices = append(indices, mds.next)
			}
			mds.next++
		}
		if len(indices) == n || !mds.dropIncompleteBatch {
			return indices
		}
		// Incomplete batch dropped: with infinite datasets, try once more from a new epoch.
		mds.next = mds.numExamples
	}
	return nil
}

// Yield implements Dataset.
func (mds *InMemoryDataset) Yield() (Batch, error) {
	indices := mds.indicesNextYield()
	if len(indices) == 0 {
		return nil, io.EOF
	}
	batch := make(Batch, len(mds.data))
	for key, m := range mds.data {
		_, cols := m.Dims()
		batch[key] = particles.SelectRows(m, cols, indices)
	}
	return batch, nil
}

var _ Dataset = (*InMemoryDataset)(nil)

// Column returns an n×1 matrix from the values. A helper for building batches.
func Column(values ...float64) *mat.Dense {
	return mat.NewDense(len(values), 1, values)
}
