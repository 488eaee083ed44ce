// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"
	"image"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"unicode"

	"github.com/gomlx/glyphgan/pkg/glyphs"
	"github.com/gomlx/glyphgan/ui/plots"
	"github.com/gomlx/glyphgan/ui/progress"
	"github.com/gomlx/glyphgan/ui/samples"
	"github.com/gomlx/glyphgan/ui/summary"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EpochVariableName is the name of the root scope variable holding the last epoch whose artifacts were saved.
// It is saved along the session checkpoints, and used to resume training.
const EpochVariableName = "gan_epoch"

// Names of the metrics kept in the loss history.
const (
	MetricDiscriminatorLoss     = "Discriminator loss"
	MetricDiscriminatorAccuracy = "Discriminator accuracy"
	MetricGeneratorLoss         = "Generator loss"

	MetricTypeLoss     = "loss"
	MetricTypeAccuracy = "accuracy"
)

// StepStats are the metrics of one training step.
type StepStats struct {
	DiscriminatorLoss, DiscriminatorAccuracy, GeneratorLoss float32
}

// Points returns the stats as history points for the given epoch.
func (s StepStats) Points(epoch int) []plots.Point {
	return []plots.Point{
		{MetricName: MetricDiscriminatorLoss, MetricType: MetricTypeLoss, Epoch: epoch, Value: float64(s.DiscriminatorLoss)},
		{MetricName: MetricGeneratorLoss, MetricType: MetricTypeLoss, Epoch: epoch, Value: float64(s.GeneratorLoss)},
		{MetricName: MetricDiscriminatorAccuracy, MetricType: MetricTypeAccuracy, Epoch: epoch,
			Value: float64(s.DiscriminatorAccuracy)},
	}
}

// Loop alternates the updates of the discriminator and the generator over the epochs, periodically writing sample
// grids, exporting the weights of both models and (optionally) saving a session checkpoint.
//
// Its configuration is read from the context hyperparameters (see CreateDefaultContext) when created by NewLoop.
type Loop struct {
	Trainer *Trainer
	Dataset *glyphs.Dataset

	// OutputDir where samples, weights and the loss history are written.
	OutputDir string

	// LabelNames, if set, are used to caption the sample grids instead of the class number.
	LabelNames []string

	// Checkpoint, if set, is saved at every sample epoch.
	Checkpoint *checkpoints.Handler

	// ShowProgress displays a progress bar with the latest metrics.
	ShowProgress bool

	// History of the metrics, one set of points per epoch.
	History plots.Points

	epochs, batchSize, sampleInterval int
	stepsPerEpoch, firstEpoch         int
	halfBatch                         bool
	discriminatorUpdate               string
	realLabel                         float32
	sampleRows, sampleCols            int
	sampleCaptions, sampleInvert      bool
	rng                               *rand.Rand
	epochVar                          *context.Variable
	pendingPoints                     []plots.Point
	summaryPrinted                    bool
}

// NewLoop creates a training loop for the trainer over the dataset, configured from the trainer's context.
// If the output directory holds a loss history from a previous session, it is loaded.
func NewLoop(trainer *Trainer, dataset *glyphs.Dataset, outputDir string) (*Loop, error) {
	ctx := trainer.Context()
	l := &Loop{
		Trainer:             trainer,
		Dataset:             dataset,
		OutputDir:           outputDir,
		History:             make(plots.Points),
		epochs:              context.GetParamOr(ctx, ParamEpochs, 1),
		batchSize:           context.GetParamOr(ctx, ParamBatchSize, 32),
		sampleInterval:      context.GetParamOr(ctx, ParamSampleInterval, 1),
		stepsPerEpoch:       context.GetParamOr(ctx, ParamStepsPerEpoch, 1),
		firstEpoch:          context.GetParamOr(ctx, ParamFirstEpoch, 0),
		halfBatch:           context.GetParamOr(ctx, ParamHalfBatch, false),
		discriminatorUpdate: context.GetParamOr(ctx, ParamDiscriminatorUpdate, UpdateSplit),
		realLabel:           float32(context.GetParamOr(ctx, ParamRealLabel, 1.0)),
		sampleRows:          context.GetParamOr(ctx, ParamSampleRows, 5),
		sampleCols:          context.GetParamOr(ctx, ParamSampleCols, 5),
		sampleCaptions:      context.GetParamOr(ctx, ParamSampleCaptions, false),
		sampleInvert:        context.GetParamOr(ctx, ParamSampleInvert, false),
	}
	switch {
	case l.batchSize <= 0 || (l.halfBatch && l.batchSize < 2):
		return nil, errors.Errorf("invalid %s=%d", ParamBatchSize, l.batchSize)
	case l.sampleInterval <= 0:
		return nil, errors.Errorf("invalid %s=%d, it must be > 0", ParamSampleInterval, l.sampleInterval)
	case l.stepsPerEpoch < 0:
		return nil, errors.Errorf("invalid %s=%d, it must be >= 0", ParamStepsPerEpoch, l.stepsPerEpoch)
	case l.discriminatorUpdate != UpdateSplit && l.discriminatorUpdate != UpdateJoint:
		return nil, errors.Errorf("invalid %s=%q, valid values are %q and %q", ParamDiscriminatorUpdate,
			l.discriminatorUpdate, UpdateSplit, UpdateJoint)
	case dataset.Len() == 0:
		return nil, errors.Errorf("dataset %q is empty", dataset.Name)
	case dataset.Height != trainer.Height || dataset.Width != trainer.Width:
		return nil, errors.Errorf("dataset %q has images of %dx%d, but the trainer was built for %dx%d",
			dataset.Name, dataset.Height, dataset.Width, trainer.Height, trainer.Width)
	}
	if trainer.Architecture().Conditional() && dataset.NumClasses > trainer.NumClasses {
		return nil, errors.Errorf("dataset %q has %d classes, but the trainer was built for %d",
			dataset.Name, dataset.NumClasses, trainer.NumClasses)
	}
	if l.stepsPerEpoch == 0 {
		l.stepsPerEpoch = max(dataset.Len()/l.batchSize, 1)
	}
	l.rng = newRNG(ctx)
	l.epochVar = ctx.InAbsPath(context.RootScope).VariableWithValue(EpochVariableName, int64(-1)).SetTrainable(false)

	points, err := plots.LoadPoints(l.historyPath())
	if err != nil {
		return nil, err
	}
	if len(points) > 0 {
		l.History.Add(points...)
		klog.V(1).Infof("Loaded %d loss history points from %q", len(points), l.historyPath())
	}
	return l, nil
}

// newRNG returns the host random number generator, seeded with ParamSeed if set. The seed is also used for the
// context random number generator.
func newRNG(ctx *context.Context) *rand.Rand {
	seed := context.GetParamOr(ctx, ParamSeed, int64(0))
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	ctx.RngStateFromSeed(seed)
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

func (l *Loop) historyPath() string {
	return filepath.Join(l.OutputDir, plots.HistoryFileName)
}

// StepsPerEpoch returns the number of training steps in each epoch.
func (l *Loop) StepsPerEpoch() int { return l.stepsPerEpoch }

// LastSavedEpoch returns the last epoch whose artifacts were saved, or -1 if none. After loading a session
// checkpoint, it is the epoch from which training resumes.
func (l *Loop) LastSavedEpoch() int {
	value, err := l.epochVar.Value()
	if err != nil {
		klog.Warningf("Failed to read variable %q: %+v", EpochVariableName, err)
		return -1
	}
	return int(tensors.ToScalar[int64](value))
}

// Run trains the models for the configured number of epochs.
// If a previous session saved an epoch at or after the first epoch, training resumes after it.
func (l *Loop) Run() error {
	startEpoch := l.firstEpoch
	if lastEpoch := l.LastSavedEpoch(); lastEpoch >= l.firstEpoch {
		startEpoch = lastEpoch + 1
		klog.Infof("Resuming training from epoch %d", startEpoch)
	}
	endEpoch := l.firstEpoch + l.epochs
	if startEpoch >= endEpoch {
		klog.Infof("Nothing to train: epochs %d to %d already done", l.firstEpoch, endEpoch-1)
		return nil
	}

	if startEpoch == l.firstEpoch {
		artifacts := l.Trainer.Architecture().Artifacts()
		if err := l.SaveRealSamples(outputPath(l.OutputDir, artifacts.RealSamplesFile())); err != nil {
			return err
		}
	}

	var bar *progress.Bar
	if l.ShowProgress {
		bar = progress.New(startEpoch, endEpoch-startEpoch)
	}
	for epoch := startEpoch; epoch < endEpoch; epoch++ {
		var stats StepStats
		for step := range l.stepsPerEpoch {
			var err error
			stats, err = l.Step()
			if err != nil {
				return errors.WithMessagef(err, "training epoch %d, step %d", epoch, step)
			}
			if !l.summaryPrinted && klog.V(1).Enabled() {
				fmt.Println(summary.Models(l.Trainer.Context(), context.RootScope+GeneratorScope,
					context.RootScope+DiscriminatorScope))
				l.summaryPrinted = true
			}
			klog.V(1).Infof("%d [D loss: %f, acc.: %.2f%%] [G loss: %f]",
				epoch, stats.DiscriminatorLoss, 100*stats.DiscriminatorAccuracy, stats.GeneratorLoss)
		}
		points := stats.Points(epoch)
		l.History.Add(points...)
		l.pendingPoints = append(l.pendingPoints, points...)
		if bar != nil {
			bar.Update(epoch,
				progress.Metric{Name: MetricDiscriminatorLoss, Value: fmt.Sprintf("%.4f", stats.DiscriminatorLoss)},
				progress.Metric{Name: MetricDiscriminatorAccuracy,
					Value: fmt.Sprintf("%.2f%%", 100*stats.DiscriminatorAccuracy)},
				progress.Metric{Name: MetricGeneratorLoss, Value: fmt.Sprintf("%.4f", stats.GeneratorLoss)})
		}
		if epoch == l.firstEpoch || epoch%l.sampleInterval == 0 {
			if err := l.SaveEpoch(epoch); err != nil {
				return err
			}
		}
	}
	if bar != nil {
		bar.Done()
	}
	if err := l.flushHistory(); err != nil {
		return err
	}
	l.logFinalMetrics()
	return l.SaveLossPlot(endEpoch - 1)
}

// logFinalMetrics logs the last value of each metric in the history.
func (l *Loop) logFinalMetrics() {
	for _, name := range []string{MetricDiscriminatorLoss, MetricDiscriminatorAccuracy, MetricGeneratorLoss} {
		if value, found := l.History.Last(name); found {
			klog.Infof("Final %s: %.4f", name, value)
		}
	}
}

// Step performs one discriminator update followed by one generator update.
func (l *Loop) Step() (stats StepStats, err error) {
	realSize := l.batchSize
	if l.halfBatch {
		realSize = l.batchSize / 2
	}
	realImages, realLabels := l.Dataset.Sample(l.rng, realSize)
	defer finalizeAll(realImages, realLabels)
	noise := l.Noise(realSize)
	defer noise.MustFinalizeAll()
	fakeImages, err := l.Trainer.Generate(noise, realLabels)
	if err != nil {
		return stats, errors.WithMessage(err, "generating images for the discriminator")
	}
	defer fakeImages.MustFinalizeAll()
	realTargets, fakeTargets := Targets(realSize, l.realLabel), Targets(realSize, 0)
	defer finalizeAll(realTargets, fakeTargets)

	switch l.discriminatorUpdate {
	case UpdateSplit:
		lossReal, accReal, err := l.Trainer.TrainDiscriminator(realImages, realLabels, realTargets)
		if err != nil {
			return stats, err
		}
		lossFake, accFake, err := l.Trainer.TrainDiscriminator(fakeImages, realLabels, fakeTargets)
		if err != nil {
			return stats, err
		}
		stats.DiscriminatorLoss = 0.5 * (lossReal + lossFake)
		stats.DiscriminatorAccuracy = 0.5 * (accReal + accFake)

	case UpdateJoint:
		images := concatenateBatches[float32](realImages, fakeImages)
		labels := concatenateBatches[int32](realLabels, realLabels)
		targets := concatenateBatches[float32](realTargets, fakeTargets)
		defer finalizeAll(images, labels, targets)
		stats.DiscriminatorLoss, stats.DiscriminatorAccuracy, err = l.Trainer.TrainDiscriminator(images, labels, targets)
		if err != nil {
			return stats, err
		}
	}

	genNoise, genLabels := l.Noise(l.batchSize), l.RandomLabels(l.batchSize)
	defer finalizeAll(genNoise, genLabels)
	stats.GeneratorLoss, err = l.Trainer.TrainGenerator(genNoise, genLabels)
	return stats, err
}

// finalizeAll frees the tensors of a step as soon as it is over.
func finalizeAll(ts ...*tensors.Tensor) {
	for _, t := range ts {
		t.MustFinalizeAll()
	}
}

// Noise returns n noise vectors sampled from a standard normal distribution, shaped `[n, latent_dim]`.
func (l *Loop) Noise(n int) *tensors.Tensor {
	return NormalNoise(l.rng, n, l.Trainer.LatentDim)
}

// RandomLabels returns n labels drawn uniformly from the classes, shaped `[n, 1]`.
// For unconditional architectures all labels are 0.
func (l *Loop) RandomLabels(n int) *tensors.Tensor {
	labels := make([]int32, n)
	if l.Trainer.Architecture().Conditional() {
		for ii := range labels {
			labels[ii] = int32(l.rng.IntN(l.Trainer.NumClasses))
		}
	}
	return tensors.FromFlatDataAndDimensions(labels, n, 1)
}

// NormalNoise returns n vectors of dimension dim sampled from a standard normal distribution.
func NormalNoise(rng *rand.Rand, n, dim int) *tensors.Tensor {
	noise := make([]float32, n*dim)
	for ii := range noise {
		noise[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(noise, n, dim)
}

// Targets returns n discriminator targets shaped `[n, 1]`, all set to value.
func Targets(n int, value float32) *tensors.Tensor {
	targets := make([]float32, n)
	for ii := range targets {
		targets[ii] = value
	}
	return tensors.FromFlatDataAndDimensions(targets, n, 1)
}

// concatenateBatches concatenates the tensors on their first axis, on the host.
func concatenateBatches[T float32 | int32](a, b *tensors.Tensor) *tensors.Tensor {
	flat := append(tensors.MustCopyFlatData[T](a), tensors.MustCopyFlatData[T](b)...)
	dims := slices.Clone(a.Shape().Dimensions)
	dims[0] += b.Shape().Dimensions[0]
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// SaveEpoch writes the sample grid and the weights of both models for the epoch, records the epoch in the context,
// appends the loss history and, if configured, saves a session checkpoint.
func (l *Loop) SaveEpoch(epoch int) error {
	artifacts := l.Trainer.Architecture().Artifacts()
	if err := l.SaveSamples(outputPath(l.OutputDir, artifacts.SampleFile(epoch))); err != nil {
		return err
	}
	ctx := l.Trainer.Context()
	for _, role := range Roles {
		weightsPath := outputPath(l.OutputDir, artifacts.WeightsFile(role, epoch))
		if err := SaveWeights(ctx.InAbsPath(context.RootScope+role), weightsPath); err != nil {
			return err
		}
	}
	if err := l.epochVar.SetValue(tensors.FromScalar(int64(epoch))); err != nil {
		return errors.WithMessagef(err, "setting %q", EpochVariableName)
	}
	if err := l.flushHistory(); err != nil {
		return err
	}
	if l.Checkpoint != nil {
		if err := l.Checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint at epoch %d", epoch)
		}
	}
	klog.V(1).Infof("Saved samples and weights of epoch %d", epoch)
	return nil
}

func (l *Loop) flushHistory() error {
	if len(l.pendingPoints) == 0 {
		return nil
	}
	if err := plots.AppendPoints(l.historyPath(), l.pendingPoints...); err != nil {
		return err
	}
	l.pendingPoints = l.pendingPoints[:0]
	return nil
}

// SaveSamples writes a grid of generated images. Conditional architectures generate the classes in order, one
// per tile, each captioned with its class.
func (l *Loop) SaveSamples(filePath string) error {
	n := l.sampleRows * l.sampleCols
	flatLabels := make([]int32, n)
	var captions []string
	conditional := l.Trainer.Architecture().Conditional()
	for ii := range flatLabels {
		if conditional {
			flatLabels[ii] = int32(ii % l.Trainer.NumClasses)
		}
		if l.sampleCaptions {
			captions = append(captions, Caption(int(flatLabels[ii]), l.LabelNames))
		}
	}
	images, err := l.Trainer.SampleImages(l.Noise(n), tensors.FromFlatDataAndDimensions(flatLabels, n, 1))
	if err != nil {
		return errors.WithMessagef(err, "generating samples for %q", filePath)
	}
	return samples.NewGrid(l.sampleRows, l.sampleCols).
		Captions(captions).
		Invert(l.sampleInvert).
		Save(images, filePath)
}

// SaveRealSamples writes a grid with the first examples of the dataset, in the same layout as the samples
// and captioned with their labels.
func (l *Loop) SaveRealSamples(filePath string) error {
	n := l.sampleRows * l.sampleCols
	images := make([]image.Image, n)
	var captions []string
	for ii := range images {
		idx := ii % l.Dataset.Len()
		images[ii] = l.Dataset.Glyph(idx)
		if l.sampleCaptions {
			captions = append(captions, Caption(l.Dataset.Label(idx), l.LabelNames))
		}
	}
	return samples.NewGrid(l.sampleRows, l.sampleCols).
		Captions(captions).
		Invert(l.sampleInvert).
		Save(images, filePath)
}

// Caption for a sample of the given class: the label name if one is known and can be drawn with the
// caption font (printable ASCII), or the class number otherwise.
func Caption(class int, labelNames []string) string {
	if class < len(labelNames) && isPrintableASCII(labelNames[class]) {
		return "char: " + labelNames[class]
	}
	return fmt.Sprintf("char: %d", class)
}

func isPrintableASCII(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// SaveLossPlot writes the plot of the losses in the history.
func (l *Loop) SaveLossPlot(epoch int) error {
	if len(l.History) == 0 {
		return nil
	}
	plotPath := outputPath(l.OutputDir, l.Trainer.Architecture().Artifacts().LossPlotFile(epoch))
	title := fmt.Sprintf("%s losses", l.Trainer.Architecture().Name())
	return plots.SaveLinePlot(l.History, MetricTypeLoss, title, plotPath)
}
