// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of goroutines used to evaluate independent tasks, such as
// the gradient oracle of each particle.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool of workers with a soft limit on the parallelism.
type Pool struct {
	// maxParallelism: 0 disables parallelism (tasks run inline) and -1 is unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
}

// New returns a new Pool with the default parallelism, runtime.NumCPU().
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool with the given parallelism. See SetMaxParallelism.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running concurrently.
// If 0, parallelism is disabled. If -1, parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should only be changed while no tasks are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available and runs task in a new goroutine.
//
// If parallelism is disabled, it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// ForEach calls fn(i) for i in [0, n), with at most MaxParallelism calls running at the same time,
// and waits for all of them to finish.
//
// It returns the error of the lowest index that failed, if any. Panics in fn are converted to errors.
func (w *Pool) ForEach(n int, fn func(i int) error) error {
	taskErrs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if err, ok := r.(error); ok {
						taskErrs[i] = errors.Wrapf(err, "task %d panicked", i)
					} else {
						taskErrs[i] = errors.Errorf("task %d panicked: %v", i, r)
					}
				}
			}()
			taskErrs[i] = fn(i)
		})
	}
	wg.Wait()
	for _, err := range taskErrs {
		if err != nil {
			return err
		}
	}
	return nil
}
