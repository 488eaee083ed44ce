// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots keeps the history of the losses measured during training, persists it as JSON lines
// and renders it as a table or a PNG line plot.
package plots

import (
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// HistoryFileName is the default file name, within the output directory, where the points collected during
// training are appended.
const HistoryFileName = "loss_history.jsonl"

// Point is one measurement of a metric at the end of an epoch.
type Point struct {
	// MetricName of this point, e.g. "Discriminator loss".
	MetricName string

	// MetricType is typically "loss" or "accuracy". Only metrics of the same type are plotted together.
	MetricType string

	// Epoch when the metric was measured.
	Epoch int

	// Value is the metric captured.
	Value float64
}

// LoadPoints parses all points saved in the given file.
// A missing file is not an error: it simply holds no points.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read history file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding history file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// AppendPoints appends the points to the given file, creating it if needed.
func AppendPoints(filePath string, points ...Point) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for history file %q", filePath)
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return errors.Wrapf(err, "failed to open history file %q for append", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %v", point)
		}
	}
	return errors.Wrapf(f.Close(), "failed to close history file %q", filePath)
}

// Points is a collection of Point objects organized by their epoch.
type Points map[int][]Point

// NewPoints creates a Points object from a collection of individual points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	points.Add(rawPoints...)
	return points
}

// Add the raw points to the collection. Points for a metric already present at the same epoch replace the
// previous values, so reloading a history after a resumed session doesn't duplicate entries.
func (points Points) Add(rawPoints ...Point) {
	for _, p := range rawPoints {
		epochPoints := points[p.Epoch]
		idx := slices.IndexFunc(epochPoints, func(other Point) bool { return other.MetricName == p.MetricName })
		if idx >= 0 {
			epochPoints[idx] = p
		} else {
			points[p.Epoch] = append(epochPoints, p)
		}
	}
}

// Epochs returns the sorted epochs with at least one point.
func (points Points) Epochs() []int {
	return slices.Sorted(maps.Keys(points))
}

// Last returns the value of the metric at the latest epoch where it was measured.
func (points Points) Last(metricName string) (value float64, found bool) {
	epochs := points.Epochs()
	for ii := len(epochs) - 1; ii >= 0; ii-- {
		for _, p := range points[epochs[ii]] {
			if p.MetricName == metricName {
				return p.Value, true
			}
		}
	}
	return 0, false
}

// MetricsNames returns the names of the metrics in the collection of the given type, in order of first
// appearance. If metricType is empty, all metrics are returned.
func (points Points) MetricsNames(metricType string) []string {
	var names []string
	for _, epoch := range points.Epochs() {
		for _, p := range points[epoch] {
			if (metricType == "" || p.MetricType == metricType) && !slices.Contains(names, p.MetricName) {
				names = append(names, p.MetricName)
			}
		}
	}
	return names
}

// Series returns the points of the metric ordered by epoch, as gonum plotter values.
func (points Points) Series(metricName string) plotter.XYs {
	var xys plotter.XYs
	for _, epoch := range points.Epochs() {
		for _, p := range points[epoch] {
			if p.MetricName == metricName {
				xys = append(xys, plotter.XY{X: float64(epoch), Y: p.Value})
			}
		}
	}
	return xys
}

// TableForMetrics returns a table with the first column being the epoch followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(metrics) == 0 {
		metrics = points.MetricsNames("")
	}
	headers := []string{"Epoch"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	for _, epoch := range points.Epochs() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%d", epoch)
		for _, pt := range points[epoch] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// lineColors used for the series of a plot, in order.
var lineColors = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
}

// SaveLinePlot writes a PNG with one line per metric of the given type, over the epochs.
func SaveLinePlot(points Points, metricType, title, filePath string) error {
	metrics := points.MetricsNames(metricType)
	if len(metrics) == 0 {
		return errors.Errorf("no metrics of type %q to plot in %q", metricType, filePath)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = metricType
	p.Legend.Top = true

	for ii, metric := range metrics {
		line, err := plotter.NewLine(points.Series(metric))
		if err != nil {
			return errors.Wrapf(err, "failed to create line for metric %q", metric)
		}
		line.Color = lineColors[ii%len(lineColors)]
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(metric, line)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for plot %q", filePath)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	klog.V(1).Infof("Saved plot of %v to %q", metrics, filePath)
	return nil
}
