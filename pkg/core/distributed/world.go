// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// World is the per-worker context of a distributed run: it owns the Transport and knows the worker's
// rank and role. Create one per worker at startup with NewWorld, pass it explicitly to the samplers, and
// Close it at shutdown.
type World struct {
	transport Transport
	closeOnce sync.Once
	closeErr  error
}

// NewWorld creates the World for the worker connected by transport. It takes ownership of the transport.
func NewWorld(transport Transport) (*World, error) {
	if transport == nil {
		return nil, errors.New("NewWorld requires a transport")
	}
	if transport.Size() < 1 || transport.Rank() < 0 || transport.Rank() >= transport.Size() {
		return nil, errors.Errorf("invalid transport: rank %d for world size %d", transport.Rank(), transport.Size())
	}
	klog.V(1).Infof("distributed: worker %d of %d started as %s", transport.Rank(), transport.Size(),
		RoleOf(transport.Rank()))
	return &World{transport: transport}, nil
}

// Rank of this worker.
func (w *World) Rank() int { return w.transport.Rank() }

// Size is the number of workers.
func (w *World) Size() int { return w.transport.Size() }

// Role of this worker.
func (w *World) Role() Role { return RoleOf(w.transport.Rank()) }

// IsCoordinator returns whether this worker is the coordinator.
func (w *World) IsCoordinator() bool { return w.Role() == Coordinator }

// Transport used by this worker.
func (w *World) Transport() Transport { return w.transport }

// Send is a shortcut to Transport().Send.
func (w *World) Send(dest int, msg Message) error {
	return w.transport.Send(dest, msg)
}

// Recv is a shortcut to Transport().Recv.
func (w *World) Recv(source int) (Message, error) {
	return w.transport.Recv(source)
}

// Close the World and its transport. It is safe to call more than once.
func (w *World) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.transport.Close()
		klog.V(1).Infof("distributed: worker %d closed", w.transport.Rank())
	})
	return w.closeErr
}
