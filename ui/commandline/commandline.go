// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for sampling from the command line: a progress bar,
// hyperparameter settings flags and a posterior report.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/stein/pkg/core/particles"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ReportPosterior writes to w a table with the posterior mean and standard deviation of every parameter
// of the particle set, one row per scalar parameter.
func ReportPosterior(w io.Writer, set *particles.Set) error {
	flat, layout, err := particles.Encode(set)
	if err != nil {
		return err
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("Parameter", "Mean", "StdDev").
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return normalStyle
			}
			return rightAlignedStyle
		})
	numParticles, _ := flat.Dims()
	column := make([]float64, numParticles)
	for _, entry := range layout {
		for i := range entry.Size {
			name := entry.Slot.Name
			if entry.Size > 1 {
				name = fmt.Sprintf("%s[%d]", name, i)
			}
			column = mat.Col(column, entry.Offset+i, flat)
			mean, std := stat.MeanStdDev(column, nil)
			if numParticles < 2 {
				std = 0
			}
			table.Row(name, fmt.Sprintf("%.4f", mean), fmt.Sprintf("%.4f", std))
		}
	}
	_, err = fmt.Fprintf(w, "Posterior over %d particles:\n%s\n", numParticles, table.String())
	return err
}
