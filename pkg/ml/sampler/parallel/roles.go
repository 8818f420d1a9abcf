// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"math/rand/v2"
	"strings"

	"github.com/gomlx/stein/pkg/core/distributed"
	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// particlesBlock is a flat block of particles with its layout.
type particlesBlock struct {
	flat   *mat.Dense
	layout particles.Layout
}

// role implements the coordinator or follower side of the collective protocols.
type role interface {
	// agree combines the local construction result of every worker: all workers return an
	// errs.ErrConfiguration error if any of them failed.
	agree(localErr error) error

	// merge gathers the local blocks. It returns all particles on the coordinator and nil on followers.
	merge(local *particlesBlock) (*particlesBlock, error)

	// scatter distributes a random permutation of the merged particles, and returns the worker's own block
	// of numLocal particles. If the merge failed, the coordinator propagates the failure to the followers.
	scatter(merged *particlesBlock, mergeErr error, layout particles.Layout, numLocal int) (*mat.Dense, error)
}

// coordinator is the role of rank 0.
type coordinator struct {
	world *distributed.World
	rng   *rand.Rand
}

func (c *coordinator) agree(localErr error) error {
	var failures []string
	if localErr != nil {
		failures = append(failures, localErr.Error())
	}
	for rank := 1; rank < c.world.Size(); rank++ {
		msg, err := c.world.Recv(rank)
		if err != nil {
			return err
		}
		if msg.Kind != distributed.KindValidation {
			return errors.Errorf("coordinator expected a validation message from worker %d, got %s", msg.Source, msg.Kind)
		}
		if msg.Err != "" {
			failures = append(failures, msg.Err)
		}
	}
	verdict := distributed.Message{Kind: distributed.KindValidation, Err: strings.Join(failures, "; ")}
	for rank := 1; rank < c.world.Size(); rank++ {
		if err := c.world.Send(rank, verdict); err != nil {
			return err
		}
	}
	if verdict.Err != "" {
		if errors.Is(localErr, errs.ErrConfiguration) {
			return localErr
		}
		return errs.Configurationf("distributed sampler configuration failed: %s", verdict.Err)
	}
	return nil
}

func (c *coordinator) merge(local *particlesBlock) (*particlesBlock, error) {
	numLocal, _ := local.flat.Dims()
	blocks := []mat.Matrix{local.flat}
	var firstErr error
	// Exactly one block is taken from each follower, in rank order: messages from one source are
	// delivered in order, so a fast follower's block for the next collective stays queued.
	// All followers are received, even after a failure, so no message is left behind.
	for rank := 1; rank < c.world.Size(); rank++ {
		msg, err := c.world.Recv(rank)
		if err != nil {
			return nil, err
		}
		if firstErr != nil {
			continue
		}
		switch {
		case msg.Kind != distributed.KindParticles || msg.Block == nil:
			firstErr = errors.Errorf("coordinator expected particles from worker %d, got a %s message", msg.Source, msg.Kind)
		case !msg.Layout.Equal(local.layout):
			firstErr = errs.Shapef("worker %d has particles with %s, but the coordinator has %s",
				msg.Source, msg.Layout, local.layout)
		default:
			if rows, _ := msg.Block.Dims(); rows != numLocal {
				firstErr = errs.Shapef("worker %d sent %d particles, expected %d", msg.Source, rows, numLocal)
				continue
			}
			blocks = append(blocks, msg.Block)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	flat, err := particles.StackRows(blocks...)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("parallel: coordinator merged %d blocks of %d particles", len(blocks), numLocal)
	return &particlesBlock{flat: flat, layout: local.layout}, nil
}

func (c *coordinator) scatter(merged *particlesBlock, mergeErr error, layout particles.Layout, numLocal int) (*mat.Dense, error) {
	if mergeErr != nil {
		failure := distributed.Message{Kind: distributed.KindParticles, Err: mergeErr.Error()}
		for rank := 1; rank < c.world.Size(); rank++ {
			if err := c.world.Send(rank, failure); err != nil {
				klog.Errorf("parallel: failed to notify worker %d of the failed shuffle: %+v", rank, err)
			}
		}
		return nil, mergeErr
	}
	numParticles, numParams := merged.flat.Dims()
	perm := c.rng.Perm(numParticles)
	for rank := 1; rank < c.world.Size(); rank++ {
		block := particles.SelectRows(merged.flat, numParams, perm[rank*numLocal:(rank+1)*numLocal])
		msg := distributed.Message{Kind: distributed.KindParticles, Layout: layout, Block: block}
		if err := c.world.Send(rank, msg); err != nil {
			return nil, err
		}
	}
	return particles.SelectRows(merged.flat, numParams, perm[:numLocal]), nil
}

// follower is the role of every rank other than 0.
type follower struct {
	world *distributed.World
}

func (f *follower) agree(localErr error) error {
	msg := distributed.Message{Kind: distributed.KindValidation}
	if localErr != nil {
		msg.Err = errors.WithMessagef(localErr, "worker %d", f.world.Rank()).Error()
	}
	if err := f.world.Send(distributed.CoordinatorRank, msg); err != nil {
		return err
	}
	verdict, err := f.world.Recv(distributed.CoordinatorRank)
	if err != nil {
		return err
	}
	if verdict.Kind != distributed.KindValidation {
		return errors.Errorf("worker %d expected the validation verdict, got a %s message", f.world.Rank(), verdict.Kind)
	}
	if verdict.Err != "" {
		return errs.Configurationf("distributed sampler configuration failed: %s", verdict.Err)
	}
	return nil
}

func (f *follower) merge(local *particlesBlock) (*particlesBlock, error) {
	msg := distributed.Message{Kind: distributed.KindParticles, Layout: local.layout, Block: local.flat}
	return nil, f.world.Send(distributed.CoordinatorRank, msg)
}

func (f *follower) scatter(_ *particlesBlock, mergeErr error, layout particles.Layout, numLocal int) (*mat.Dense, error) {
	if mergeErr != nil {
		return nil, mergeErr
	}
	msg, err := f.world.Recv(distributed.CoordinatorRank)
	if err != nil {
		return nil, err
	}
	if msg.Err != "" {
		return nil, errors.Errorf("worker %d: shuffle failed in the coordinator: %s", f.world.Rank(), msg.Err)
	}
	if msg.Kind != distributed.KindParticles || msg.Block == nil {
		return nil, errors.Errorf("worker %d expected its shuffled particles, got a %s message", f.world.Rank(), msg.Kind)
	}
	if !msg.Layout.Equal(layout) {
		return nil, errs.Shapef("worker %d has particles with %s, but received %s", f.world.Rank(), layout, msg.Layout)
	}
	if rows, _ := msg.Block.Dims(); rows != numLocal {
		return nil, errs.Shapef("worker %d received %d particles, expected %d", f.world.Rank(), rows, numLocal)
	}
	return msg.Block, nil
}
