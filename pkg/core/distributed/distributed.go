// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the message-passing layer used by the distributed samplers:
//
//   - Transport: blocking point-to-point Send/Recv between workers addressed by rank, plus the static
//     world size and own rank. Implementations: NewLocalCluster (in-process, one goroutine per worker)
//     and NewTCPTransport (one process per worker).
//   - World: the explicitly constructed per-worker context owning the Transport, created at startup and
//     closed at shutdown.
//   - Message: the unit of exchange, carrying flat particle blocks and their layout.
//
// There is no shared memory between workers: every Send transfers a copy of the data.
//
// Failure model: fail-stop. There are no timeouts, heartbeats or fault detection. A worker that crashes
// or never sends makes its peers block forever on Recv; callers must treat any worker failure as a
// failure of the whole system.
package distributed

import (
	"fmt"

	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// AnySource can be given to Transport.Recv to receive the next message from any worker.
const AnySource = -1

// CoordinatorRank is the rank of the coordinator worker, fixed for the lifetime of a World.
const CoordinatorRank = 0

// ErrClosed is returned by Send and Recv after the transport is closed.
var ErrClosed = errors.New("transport closed")

// Kind of message exchanged between workers.
type Kind int

const (
	// KindValidation carries the coordinator's verdict on the sampler configuration. Err is empty if valid.
	KindValidation Kind = iota

	// KindParticles carries a block of flat particles (one per row) and its Layout.
	KindParticles
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindParticles:
		return "Particles"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message exchanged between workers.
type Message struct {
	Kind Kind

	// Source is the rank of the sender. It is set by the transport on receipt.
	Source int

	// Layout of Block.
	Layout particles.Layout

	// Block of flat particles, shaped [numParticles, Layout.Width()].
	Block *mat.Dense

	// Err is the error message of a failed validation.
	Err string
}

// Transport is a blocking point-to-point message-passing layer between a fixed set of workers.
//
// Messages between a given pair of workers are received in the order they were sent.
type Transport interface {
	// Rank of this worker, from 0 to Size()-1.
	Rank() int

	// Size is the number of workers.
	Size() int

	// Send msg to the worker dest. The message is copied, the caller keeps ownership of msg.
	Send(dest int, msg Message) error

	// Recv blocks until a message from source (or from any worker if source is AnySource) arrives.
	// There is no timeout.
	Recv(source int) (Message, error)

	// Close releases the transport resources. Pending and later calls to Recv fail with ErrClosed.
	Close() error
}

// Role of a worker in the distributed protocols.
type Role int

const (
	// Coordinator gathers the particles, draws the shuffle assignment and scatters the particles back.
	Coordinator Role = iota

	// Follower sends its particles to the coordinator and passively receives its new assignment.
	Follower
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Coordinator:
		return "Coordinator"
	case Follower:
		return "Follower"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// RoleOf returns the role of the worker with the given rank.
func RoleOf(rank int) Role {
	if rank == CoordinatorRank {
		return Coordinator
	}
	return Follower
}

// copyMessage returns a deep copy of msg, so sender and receiver never share memory.
func copyMessage(msg Message) Message {
	c := msg
	if msg.Block != nil {
		c.Block = mat.DenseCopyOf(msg.Block)
	}
	if msg.Layout != nil {
		c.Layout = particles.NewLayout(msg.Layout.Slots())
	}
	return c
}

func checkRank(t Transport, rank int, allowAny bool) error {
	if allowAny && rank == AnySource {
		return nil
	}
	if rank < 0 || rank >= t.Size() {
		return errors.Errorf("invalid worker rank %d, world size is %d", rank, t.Size())
	}
	if rank == t.Rank() {
		return errors.Errorf("worker %d cannot exchange messages with itself", rank)
	}
	return nil
}
