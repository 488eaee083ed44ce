// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// glyphgan trains a GAN (conditional "cgan" or convolutional "dcgan") on a dataset of handwritten glyphs, or
// generates images from previously exported generator weights.
//
// Training:
//
//	glyphgan -data=ETL8G_GAN.pkl -labels=ETL8G_GAN_labels.pkl -output=cgan_run
//	glyphgan -model=dcgan -data=glyphs.npz -output=dcgan_run -set="epochs=20;batch_size=128"
//
// Generation:
//
//	glyphgan -generate=10 -weights=cgan_run/saved_model/generator_100000.npz -output=gen_images
//
// Dataset conversion:
//
//	glyphgan -data=ETL8G_GAN.pkl -export_npz=ETL8G_GAN.npz
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"github.com/gomlx/glyphgan/pkg/gan"
	"github.com/gomlx/glyphgan/pkg/glyphs"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModel      = flag.String("model", gan.CGANName, "GAN architecture: \"cgan\" or \"dcgan\". It selects the default hyperparameters.")
	flagData       = flag.String("data", "", "Dataset file: a pickled list of (image, label) tuples (.pkl) or a numpy archive (.npz).")
	flagLabels     = flag.String("labels", "", "Optional pickled list of label names, used in captions and file names.")
	flagOutput     = flag.String("output", ".", "Directory where sample images, weights and generated images are written.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load session checkpoints from. If left empty, no checkpoints are created.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagGenerate    = flag.Int("generate", 0, "If > 0, instead of training, generate this number of rounds of images from -weights.")
	flagWeights     = flag.String("weights", "", "Generator weights (.npz) used with -generate.")
	flagDiscWeights = flag.String("disc_weights", "", "Optional discriminator weights (.npz) used with -generate to report the mean validity of the generated images.")

	flagExportNpz = flag.String("export_npz", "", "If set, instead of training, convert the -data dataset to a numpy archive (.npz) at this path.")

	flagHeight = flag.Int("height", 0, "Image height, required with -generate if no -data is given.")
	flagWidth  = flag.Int("width", 0, "Image width, required with -generate if no -data is given.")
)

func main() {
	settings := commandline.CreateContextSettingsFlag(gan.CreateDefaultContext(gan.CGANName), "")
	klog.InitFlags(nil)
	flag.Parse()

	ctx := gan.CreateDefaultContext(*flagModel)
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	if model := context.GetParamOr(ctx, gan.ParamModel, *flagModel); model != *flagModel {
		// The model was selected with -set: restart from its defaults.
		ctx = gan.CreateDefaultContext(model)
		paramsSet = check1(commandline.ParseContextSettings(ctx, *settings))
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	backend := backends.MustNew()
	defer backend.Finalize()
	// Graph building errors are raised as panics: TryCatch converts them back to errors.
	var runErr error
	err := exceptions.TryCatch[error](func() {
		switch {
		case *flagExportNpz != "":
			runErr = exportNpz(ctx)
		case *flagGenerate > 0:
			runErr = generate(backend, ctx)
		default:
			runErr = train(backend, ctx, paramsSet)
		}
	})
	if err == nil {
		err = runErr
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// loadData loads the dataset and the optional label names.
func loadData(ctx *context.Context) (ds *glyphs.Dataset, labelNames []string, err error) {
	if *flagData != "" {
		ds, err = glyphs.Load(fsutil.MustReplaceTildeInDir(*flagData))
		if err != nil {
			return nil, nil, err
		}
		if err = gan.ConfigureNumClasses(ctx, ds); err != nil {
			return nil, nil, err
		}
		klog.V(1).Infof("Loaded dataset %q: %d images of %dx%d, %d classes",
			ds.Name, ds.Len(), ds.Height, ds.Width, ds.NumClasses)
	}
	if *flagLabels != "" {
		labelNames, err = glyphs.LoadLabelNames(fsutil.MustReplaceTildeInDir(*flagLabels))
		if err != nil {
			return nil, nil, err
		}
	}
	return
}

func newTrainer(backend backends.Backend, ctx *context.Context, height, width int) (*gan.Trainer, error) {
	arch, err := gan.NewArchitecture(context.GetParamOr(ctx, gan.ParamModel, gan.CGANName), height, width,
		context.GetParamOr(ctx, gan.ParamNumClasses, 0))
	if err != nil {
		return nil, err
	}
	return gan.NewTrainer(backend, ctx, arch, height, width)
}

func train(backend backends.Backend, ctx *context.Context, paramsSet []string) error {
	if *flagData == "" {
		return errors.New("a dataset is required for training, please set -data")
	}
	ds, labelNames, err := loadData(ctx)
	if err != nil {
		return err
	}
	if context.GetParamOr(ctx, gan.ParamShuffle, true) {
		seed := uint64(context.GetParamOr(ctx, gan.ParamSeed, int64(0)))
		if seed == 0 {
			seed = rand.Uint64()
		}
		ds.Shuffle(rand.New(rand.NewPCG(seed, seed)))
	}

	// Checkpoints must be attached before any variable is created, so they are loaded from it.
	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint, err = checkpoints.Build(ctx).
			Dir(fsutil.MustReplaceTildeInDir(*flagCheckpoint)).
			Keep(context.GetParamOr(ctx, gan.ParamNumCheckpoints, 3)).
			ExcludeParams(paramsSet...).
			Done()
		if err != nil {
			return err
		}
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	trainer, err := newTrainer(backend, ctx, ds.Height, ds.Width)
	if err != nil {
		return err
	}
	defer trainer.Finalize()
	outputDir := fsutil.MustReplaceTildeInDir(*flagOutput)
	loop, err := gan.NewLoop(trainer, ds, outputDir)
	if err != nil {
		return err
	}
	loop.LabelNames = labelNames
	loop.Checkpoint = checkpoint
	loop.ShowProgress = *flagVerbosity >= 0

	if *flagVerbosity >= 1 {
		fmt.Printf("Training %s: %d steps per epoch, output to %q\n",
			trainer.Architecture().Name(), loop.StepsPerEpoch(), outputDir)
	}
	if err = loop.Run(); err != nil {
		return err
	}
	if *flagVerbosity >= 1 {
		fmt.Println(loop.History.TableForMetrics(gan.MetricDiscriminatorLoss, gan.MetricDiscriminatorAccuracy,
			gan.MetricGeneratorLoss))
	}
	return nil
}

// exportNpz converts the dataset to a numpy archive, which loads faster than a pickle.
func exportNpz(ctx *context.Context) error {
	ds, _, err := loadData(ctx)
	if err != nil {
		return err
	}
	if ds == nil {
		return errors.New("-export_npz requires a dataset, please set -data")
	}
	path := fsutil.MustReplaceTildeInDir(*flagExportNpz)
	if err = ds.SaveNpz(path); err != nil {
		return err
	}
	fmt.Printf("Exported %d images of %q to %q\n", ds.Len(), ds.Name, path)
	return nil
}

func generate(backend backends.Backend, ctx *context.Context) error {
	if *flagWeights == "" {
		return errors.New("-generate requires the generator weights, please set -weights")
	}
	ds, labelNames, err := loadData(ctx)
	if err != nil {
		return err
	}
	height, width := *flagHeight, *flagWidth
	if ds != nil {
		height, width = ds.Height, ds.Width
	}
	if height <= 0 || width <= 0 {
		return errors.New("-generate requires the image dimensions, please set -data or -height and -width")
	}
	if context.GetParamOr(ctx, gan.ParamNumClasses, 0) <= 0 && len(labelNames) > 0 {
		ctx.SetParam(gan.ParamNumClasses, len(labelNames))
	}

	trainer, err := newTrainer(backend, ctx, height, width)
	if err != nil {
		return err
	}
	defer trainer.Finalize()
	outputDir := fsutil.MustReplaceTildeInDir(*flagOutput)
	discWeights := *flagDiscWeights
	if discWeights != "" {
		discWeights = fsutil.MustReplaceTildeInDir(discWeights)
	}
	result, err := gan.GenerateImages(trainer, gan.GenerateConfig{
		OutputDir:            outputDir,
		GeneratorWeights:     fsutil.MustReplaceTildeInDir(*flagWeights),
		DiscriminatorWeights: discWeights,
		Rounds:               *flagGenerate,
		LabelNames:           labelNames,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Generated %d images in %q\n", result.NumImages, filepath.Clean(outputDir))
	if result.MeanValidity >= 0 {
		fmt.Printf("Mean discriminator validity: %.4f\n", result.MeanValidity)
	}
	return nil
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
