// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs samplers over datasets: Loop calls the sampler's training step for each batch,
// tracks metrics and calls the registered hooks, used for progress bars, diagnostics, checkpoints, etc.
package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/gomlx/stein/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// Trainer is anything that can run one training step on a batch, typically a sampler.
type Trainer interface {
	TrainOnBatch(batch datasets.Batch) error
}

// LogPosteriorReporter is implemented by trainers that report the per-particle log-posteriors evaluated
// in their last training step. The loop uses them to update its metrics.
type LogPosteriorReporter interface {
	LastLogPosteriors() []float64
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds datasets.Dataset) error

// OnStepFn is the type of OnStep hooks. metrics holds the current value of each of Loop.Metrics().
type OnStepFn func(loop *Loop, metrics []float64) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics []float64) error

// Loop will run a training loop, invoking Trainer.TrainOnBatch every step,
// and calling the appropriate hooks.
//
// It also converts errors thrown with `panic` by the trainer (e.g. by a gradient oracle) and returns them
// instead as normal errors.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer Trainer

	// LoopStep currently being executed. It starts at 0 and is never reset, so runs can be chained.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known (if
	// running till the end of the dataset). When running for multiple epochs (Loop.RunEpochs) it can
	// change during the run (after the first epoch, the value is extrapolated based on how many steps
	// have been run so far).
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	metrics []metrics.Interface

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer.
//
// If no metrics are given, it tracks the batch and the moving average mean log-posterior of the particles.
// Metrics are only updated if the trainer implements LogPosteriorReporter.
func NewLoop(trainer Trainer, trainMetrics ...metrics.Interface) *Loop {
	if len(trainMetrics) == 0 {
		trainMetrics = []metrics.Interface{
			metrics.NewBatchLogPosterior(),
			metrics.NewMovingAverageLogPosterior(0.05),
		}
	}
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		metrics:    trainMetrics,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// Metrics tracked by the loop, in the order of the values passed to the hooks.
func (loop *Loop) Metrics() []metrics.Interface {
	return loop.metrics
}

// start of loop, called by all looping methods.
//
// It calls the appropriate hooks.
func (loop *Loop) start(ds datasets.Dataset) error {
	for _, m := range loop.metrics {
		m.Reset()
	}
	loop.TrainStepDurations = nil
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) step(batch datasets.Batch) (metricValues []float64, err error) {
	startTime := time.Now()
	var trainErr error
	panicErr := exceptions.TryCatch[error](func() { trainErr = loop.Trainer.TrainOnBatch(batch) })
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if panicErr != nil {
		return nil, errors.WithMessage(panicErr, "panic during training step")
	}
	if trainErr != nil {
		return nil, trainErr
	}
	return loop.postStep()
}

// postStep updates the metrics and calls the onStep hooks.
// It also checks for NaN log-posteriors, and returns an error accordingly.
func (loop *Loop) postStep() ([]float64, error) {
	var logPosteriors []float64
	if reporter, ok := loop.Trainer.(LogPosteriorReporter); ok {
		logPosteriors = reporter.LastLogPosteriors()
	}
	metricValues := make([]float64, len(loop.metrics))
	for i, m := range loop.metrics {
		if logPosteriors == nil {
			metricValues[i] = math.NaN()
			continue
		}
		metricValues[i] = m.Update(logPosteriors)
	}

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, metricValues)
		if err != nil {
			return nil, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}

	for _, logp := range logPosteriors {
		if math.IsNaN(logp) {
			return nil, errors.Errorf("log-posterior is NaN, training interrupted")
		}
		if math.IsInf(logp, 1) {
			return nil, errors.Errorf("log-posterior is +infinity, training interrupted")
		}
	}
	return metricValues, nil
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) end(metricValues []float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metricValues); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the metrics after the last step.
func (loop *Loop) RunSteps(ds datasets.Dataset, steps int) (metricValues []float64, err error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		batch, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return nil, errors.Errorf(
					"reached Dataset end after %d steps (requested %d steps) -- did you mean to use "+
						"a different (looping) Dataset, or use Loop.RunEpochs() instead of Loop.RunSteps() ?",
					loop.LoopStep-loop.StartStep, steps)
			}
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		metricValues, err = loop.step(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainOnBatch(LoopStep=%d)",
				steps, loop.LoopStep)
		}
	}
	if err = loop.end(metricValues); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return metricValues, nil
}

// RunEpochs runs those many epochs over the dataset. StartStep is adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up
// where it left of last time.
// Loop.Epoch is set to the current running epoch. EndStep starts as -1 and will
// be adjusted to expectation after the first epoch, when one knows how many steps there are
// going to be.
// Dataset.Reset is called after each epoch (including the last).
func (loop *Loop) RunEpochs(ds datasets.Dataset, epochs int) (metricValues []float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			batch, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate new last step (loop.EndStep) and reset.
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			yieldsPerEpoch++
			metricValues, err = loop.step(batch)
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainOnBatch(LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		if yieldsPerEpoch == 0 {
			return nil, errors.Errorf("Loop.RunEpochs(%d): dataset %q yielded no batches in epoch %d",
				epochs, ds.Name(), loop.Epoch)
		}
		ds.Reset()
	}
	if err = loop.end(metricValues); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return metricValues, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainOnBatch`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainOnBatch`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
