// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides the batch feeds passed to the samplers on every training step, and some
// Dataset implementations to generate them.
package datasets

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Batch maps named inputs (e.g. "x" and "y") to the data of one training step.
//
// A gradient oracle receives the batch unchanged for every particle: it must not modify it.
type Batch map[string]*mat.Dense

// String implements fmt.Stringer.
func (b Batch) String() string {
	keys := make([]string, 0, len(b))
	for key := range b {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		r, c := b[key].Dims()
		parts[i] = fmt.Sprintf("%s:(%d, %d)", key, r, c)
	}
	return fmt.Sprintf("Batch{%s}", strings.Join(parts, ", "))
}

// Dataset yields batches for a training loop.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached.
	Reset()

	// Yield one batch, or io.EOF when the dataset is exhausted.
	Yield() (Batch, error)
}

// takeDataset wraps a dataset and yields only the first n batches.
type takeDataset struct {
	ds       Dataset
	count, n int
}

// Take returns a wrapper to ds, a Dataset that only yields n batches.
func Take(ds Dataset, n int) Dataset {
	return &takeDataset{ds: ds, n: n}
}

// Name implements Dataset.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.n)
}

// Reset implements Dataset.
func (ds *takeDataset) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements Dataset.
func (ds *takeDataset) Yield() (Batch, error) {
	if ds.count >= ds.n {
		return nil, io.EOF
	}
	ds.count++
	return ds.ds.Yield()
}

// Constant is a Dataset that yields the same batch forever. Useful for full-batch sampling, as in
// Bayesian linear regression on a small dataset.
type Constant struct {
	name  string
	batch Batch
}

// NewConstant returns a Dataset that always yields batch.
func NewConstant(name string, batch Batch) *Constant {
	return &Constant{name: name, batch: batch}
}

// Name implements Dataset.
func (c *Constant) Name() string { return c.name }

// Reset implements Dataset.
func (c *Constant) Reset() {}

// Yield implements Dataset.
func (c *Constant) Yield() (Batch, error) { return c.batch, nil }
