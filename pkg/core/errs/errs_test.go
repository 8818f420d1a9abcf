// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errs_test

import (
	"testing"

	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKinds(t *testing.T) {
	err := errors.WithMessage(errs.Shapef("gradients shape (%d, %d)", 2, 3), "TrainOnBatch")
	assert.True(t, errors.Is(err, errs.ErrShape))
	assert.False(t, errors.Is(err, errs.ErrInput))
	assert.Contains(t, err.Error(), "gradients shape (2, 3)")
	assert.Contains(t, err.Error(), "TrainOnBatch")

	assert.ErrorIs(t, errs.Configurationf("bad"), errs.ErrConfiguration)
	assert.ErrorIs(t, errs.Inputf("NaN"), errs.ErrInput)
}
