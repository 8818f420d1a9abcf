// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/stein/pkg/ml/datasets"
	"github.com/gomlx/stein/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// Output where the progress bar is written to.
var Output io.Writer = os.Stdout

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string
	plain            bool

	// lipgloss-based rich and asynchronous display for terminals.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the default writer for the enclosed progressbar.ProgressBar,
// so the progress bar and its suffix are written in the same write operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = Output.Write(data)
	if err != nil {
		return n, err
	}
	_, err = io.WriteString(Output, pBar.suffix)
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *train.Loop, _ datasets.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	if !pBar.plain {
		pBar.startAsyncUpdates(loop)
	}
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}

	trainMetrics := loop.Metrics()
	if pBar.plain {
		// Set a suffix that will be written along with the progressbar in [progressBar.Write].
		parts := make([]string, 0, len(trainMetrics)+2)
		parts = append(parts, fmt.Sprintf(" [step=%d]", loop.LoopStep))
		for metricIdx, metricObj := range trainMetrics {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", metricObj.ShortName(), metricObj.PrettyPrint(metrics[metricIdx])))
		}
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [pBar.Write] method.

	} else {
		// Erase to the end of the line, to remove spurious characters from previous prints.
		pBar.suffix = "\033[J"

		// Enqueue an update to be asynchronously printed.
		update := progressBarUpdate{
			amount:  amount,
			metrics: make([]string, 0, len(trainMetrics)+1),
		}
		endStep := "?"
		if loop.EndStep >= 0 {
			endStep = humanize.Comma(int64(loop.EndStep))
		}
		update.metrics = append(update.metrics, fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep)), endStep))
		for metricIdx, metricObj := range trainMetrics {
			update.metrics = append(update.metrics, metricObj.PrettyPrint(metrics[metricIdx]))
		}
		pBar.updates <- update
	}
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
	}
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(Output)
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "stein.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount  int
	metrics []string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and metrics.
//
// If Output is not a terminal, a plain single line progress bar is used instead of the stats table.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{extraMetricFns: extraMetrics}
	output := termenv.NewOutput(Output)
	pBar.plain = output.Profile == termenv.Ascii
	if !pBar.plain {
		pBar.termenv = output
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop or at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// startAsyncUpdates draws the updates in a separate goroutine: this is handy if the training is faster
// than the terminal, in particular over a slow network connection.
func (pBar *progressBar) startAsyncUpdates(loop *train.Loop) {
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		defer pBar.asyncUpdatesDone.Done()
		for update := range pBar.updates {
			// Exhaust the updates in the buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			pBar.statsTable.Data(lgtable.NewStringData())
			pBar.statsTable.Row("Step", update.metrics[0])
			pBar.statsTable.Row("Median train step duration", FormatDuration(loop.MedianTrainStepDuration()))
			for metricIdx, metricObj := range loop.Metrics() {
				pBar.statsTable.Row(metricObj.Name(), update.metrics[1+metricIdx])
			}
			for _, extraMetric := range pBar.extraMetricFns {
				name, value := extraMetric()
				pBar.statsTable.Row(name, value)
			}

			// Clear the previous lines that will be overwritten.
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				numLinesToBackup := len(update.metrics) + 2 + 2 + len(pBar.extraMetricFns)
				pBar.termenv.CursorPrevLine(numLinesToBackup)
			}
			pBar.isFirstOutput = false

			_, _ = fmt.Fprintln(Output, pBar.statsStyle.Render(pBar.statsTable.String()))
			_ = pBar.bar.Add(amount) // Prints progress bar line.
			_, _ = fmt.Fprintln(Output)
			pBar.termenv.ShowCursor()
			time.Sleep(maxUpdateFrequency)
		}
	}()
}
