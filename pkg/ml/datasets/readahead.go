// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReadAheadDataset wraps a Dataset and yields its batches from a buffer filled by a background goroutine,
// so data preparation overlaps with the training step. The order of the batches is preserved.
//
// Call Done when finished, to stop the background goroutine.
type ReadAheadDataset struct {
	ds         Dataset
	bufferSize int

	mu       sync.Mutex
	buffer   chan yieldUnit
	stop     chan struct{}
	finished chan struct{}
	err      error
	done     bool
}

type yieldUnit struct {
	batch Batch
	err   error
}

// ReadAhead starts reading ahead up to bufferSize batches of ds.
// The underlying dataset must not be used directly afterwards.
func ReadAhead(ds Dataset, bufferSize int) *ReadAheadDataset {
	if bufferSize < 1 {
		bufferSize = 1
	}
	r := &ReadAheadDataset{ds: ds, bufferSize: bufferSize}
	r.start()
	return r
}

// start the producer goroutine. It exits after the first error (including io.EOF) or when stop is closed.
func (r *ReadAheadDataset) start() {
	buffer := make(chan yieldUnit, r.bufferSize)
	stop := make(chan struct{})
	finished := make(chan struct{})
	r.buffer, r.stop, r.finished = buffer, stop, finished
	r.err = nil
	go func() {
		defer close(finished)
		defer close(buffer)
		for {
			select {
			case <-stop:
				return
			default:
			}
			var unit yieldUnit
			unit.batch, unit.err = r.ds.Yield()
			select {
			case <-stop:
				return
			case buffer <- unit:
			}
			if unit.err != nil {
				return
			}
		}
	}()
}

// stopLocked stops the producer goroutine, discards the buffered batches and waits for it to exit.
func (r *ReadAheadDataset) stopLocked() {
	close(r.stop)
	for range r.buffer {
	}
	<-r.finished
}

// Name implements Dataset.
func (r *ReadAheadDataset) Name() string { return r.ds.Name() }

// Reset implements Dataset. It discards the batches read ahead and resets the underlying dataset.
func (r *ReadAheadDataset) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		klog.Warningf("ReadAheadDataset(%q).Reset called after Done", r.ds.Name())
		return
	}
	r.stopLocked()
	r.ds.Reset()
	r.start()
}

// Yield implements Dataset.
func (r *ReadAheadDataset) Yield() (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, errors.Errorf("ReadAheadDataset(%q).Yield called after Done", r.ds.Name())
	}
	if r.err != nil {
		return nil, r.err
	}
	unit, ok := <-r.buffer
	if !ok {
		return nil, io.EOF
	}
	if unit.err != nil {
		r.err = unit.err
		if unit.err != io.EOF {
			r.err = errors.WithMessagef(unit.err, "dataset %q", r.ds.Name())
		}
		return nil, r.err
	}
	return unit.batch, nil
}

// Done stops the background goroutine. The dataset can no longer be used afterwards.
func (r *ReadAheadDataset) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.stopLocked()
}
