// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package progress displays a command-line progress bar over the training epochs, with a table of the
// latest metrics redrawn above it.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// Metric is a named value displayed along the progress bar.
type Metric struct {
	Name, Value string
}

// RefreshPeriod is the minimum time between terminal updates.
var RefreshPeriod = time.Millisecond * 200

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// Bar is a progress bar over a fixed number of epochs. It is not safe for concurrent use.
type Bar struct {
	firstEpoch, numEpochs int
	lastEpochReported     int
	startTime, lastDraw   time.Time

	bar        *progressbar.ProgressBar
	out        io.Writer
	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	isFirstOutput bool
	pendingAmount int
	linesDrawn    int
}

// New creates a progress bar for the epochs in [firstEpoch, firstEpoch+numEpochs), written to stdout.
func New(firstEpoch, numEpochs int) *Bar {
	return NewWithWriter(os.Stdout, firstEpoch, numEpochs)
}

// NewWithWriter creates a progress bar written to out.
func NewWithWriter(out io.Writer, firstEpoch, numEpochs int) *Bar {
	b := &Bar{
		firstEpoch:        firstEpoch,
		numEpochs:         numEpochs,
		lastEpochReported: firstEpoch - 1,
		startTime:         time.Now(),
		out:               out,
		termenv:           termenv.NewOutput(out),
		statsStyle:        lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput:     true,
	}
	b.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	b.bar = progressbar.NewOptions(numEpochs,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(out),
	)
	return b
}

// Update reports the given epoch as finished, with its metrics.
// The terminal is only redrawn if RefreshPeriod elapsed since the last draw, or at the last epoch.
func (b *Bar) Update(epoch int, metrics ...Metric) {
	amount := epoch - b.lastEpochReported
	if amount <= 0 {
		return
	}
	b.lastEpochReported = epoch
	b.pendingAmount += amount
	isLast := epoch >= b.firstEpoch+b.numEpochs-1
	if !isLast && time.Since(b.lastDraw) < RefreshPeriod {
		return
	}
	b.draw(epoch, metrics)
}

func (b *Bar) draw(epoch int, metrics []Metric) {
	b.statsTable.Data(lgtable.NewStringData())
	b.statsTable.Row("Epoch", fmt.Sprintf("%s of %s",
		humanize.Comma(int64(epoch)), humanize.Comma(int64(b.firstEpoch+b.numEpochs-1))))
	done := epoch - b.firstEpoch + 1
	if done > 0 {
		b.statsTable.Row("Mean epoch duration", commandline.FormatDuration(time.Since(b.startTime)/time.Duration(done)))
	}
	for _, metric := range metrics {
		b.statsTable.Row(metric.Name, metric.Value)
	}

	b.termenv.HideCursor()
	if !b.isFirstOutput {
		b.termenv.CursorPrevLine(b.linesDrawn)
	}
	b.isFirstOutput = false

	// Table rows plus borders, the bar line and the final new line.
	b.linesDrawn = 2 + len(metrics) + 2 + 1
	if done <= 0 {
		b.linesDrawn--
	}
	_, _ = fmt.Fprintln(b.out, b.statsStyle.Render(b.statsTable.String()))
	_ = b.bar.Add(b.pendingAmount)
	b.pendingAmount = 0
	_, _ = fmt.Fprintln(b.out)
	b.termenv.ShowCursor()
	b.lastDraw = time.Now()
}

// Done finishes the progress bar.
func (b *Bar) Done() {
	if b.pendingAmount > 0 {
		_ = b.bar.Add(b.pendingAmount)
		b.pendingAmount = 0
	}
	b.termenv.ShowCursor()
	_, _ = fmt.Fprintln(b.out)
}
