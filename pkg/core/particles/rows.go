// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package particles

import (
	"github.com/gomlx/stein/pkg/core/errs"
	"gonum.org/v1/gonum/mat"
)

// StackRows concatenates the blocks vertically. All blocks must have the same number of columns.
func StackRows(blocks ...mat.Matrix) (*mat.Dense, error) {
	if len(blocks) == 0 {
		return nil, errs.Inputf("StackRows requires at least one block")
	}
	_, cols := blocks[0].Dims()
	totalRows := 0
	for i, block := range blocks {
		r, c := block.Dims()
		if c != cols {
			return nil, errs.Shapef("StackRows: block #%d has %d columns, block #0 has %d", i, c, cols)
		}
		totalRows += r
	}
	stacked := mat.NewDense(totalRows, cols, nil)
	row := 0
	for _, block := range blocks {
		r, _ := block.Dims()
		stacked.Slice(row, row+r, 0, cols).(*mat.Dense).Copy(block)
		row += r
	}
	return stacked, nil
}

// SelectRows returns a new matrix with the given rows of m, in the order given.
func SelectRows(m mat.RawRowViewer, cols int, rows []int) *mat.Dense {
	selected := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		selected.SetRow(i, m.RawRowView(row))
	}
	return selected
}
