// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/stein/pkg/core/errs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ReadCSV parses comma-separated numeric values into a matrix, one row per line.
//
// If hasHeader is true the first line holds column names and is skipped. Any value that is not a
// number is reported as an ErrInput.
func ReadCSV(r io.Reader, hasHeader bool) (*mat.Dense, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(hasHeader),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to parse CSV")
	}
	rows, cols := df.Nrow(), df.Ncol()
	if rows == 0 || cols == 0 {
		return nil, errs.Inputf("CSV has no data (%d rows, %d columns)", rows, cols)
	}
	m := mat.NewDense(rows, cols, nil)
	for colIdx, name := range df.Names() {
		for rowIdx, value := range df.Col(name).Float() {
			if math.IsNaN(value) {
				return nil, errs.Inputf("CSV value at row %d, column %q is not a number", rowIdx, name)
			}
			m.Set(rowIdx, colIdx, value)
		}
	}
	return m, nil
}

// LoadCSV reads the numeric CSV file at path, see ReadCSV.
func LoadCSV(path string, hasHeader bool) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	m, err := ReadCSV(f, hasHeader)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", path)
	}
	return m, nil
}
