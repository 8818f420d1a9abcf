// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"

	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/gomlx/stein/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type constantTrainer struct{}

func (constantTrainer) TrainOnBatch(datasets.Batch) error { return nil }
func (constantTrainer) LastLogPosteriors() []float64      { return []float64{-1, -2} }

func TestAttachProgressBar(t *testing.T) {
	var buf bytes.Buffer
	previous := Output
	Output = &buf
	defer func() { Output = previous }()

	loop := train.NewLoop(constantTrainer{})
	var extraCalls int
	AttachProgressBar(loop, func() (string, string) {
		extraCalls++
		return "extra", "value"
	})
	ds := datasets.NewConstant("const", datasets.Batch{"x": datasets.Column(1)})
	_, err := loop.RunSteps(ds, 10)
	require.NoError(t, err)

	// A bytes.Buffer is not a terminal: the plain progress bar is used, with the metrics in the suffix.
	out := buf.String()
	assert.Contains(t, out, "[logp=-1.500]")
	assert.Contains(t, out, "[step=9]")
	assert.Zero(t, extraCalls)
}

func TestReportPosterior(t *testing.T) {
	set, err := particles.NewSet(
		[]particles.Slot{{Name: "w", Shape: []int{2}}, {Name: "b"}},
		[]*mat.Dense{
			mat.NewDense(3, 2, []float64{1, 10, 2, 20, 3, 30}),
			mat.NewDense(3, 1, []float64{5, 5, 5}),
		})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, ReportPosterior(&buf, set))
	out := buf.String()
	assert.Contains(t, out, "Posterior over 3 particles")
	assert.Contains(t, out, "w[0]")
	assert.Contains(t, out, "w[1]")
	assert.Contains(t, out, "20.0000")
	assert.Contains(t, out, "1.0000") // StdDev of w[0].
	assert.Contains(t, out, "5.0000")
}
