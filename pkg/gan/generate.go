// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"strconv"

	"github.com/gomlx/glyphgan/ui/samples"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GenerateConfig configures GenerateImages.
type GenerateConfig struct {
	// OutputDir where the images are written.
	OutputDir string

	// GeneratorWeights is the file, written by SaveWeights, with the generator to use.
	GeneratorWeights string

	// DiscriminatorWeights is optional. If set, the discriminator is loaded and the mean validity of the generated
	// images is reported.
	DiscriminatorWeights string

	// Rounds of generation: each round generates one grid of sample_rows x sample_cols images.
	Rounds int

	// LabelNames are used to name the isolated images of conditional architectures. If missing, the class
	// number is used.
	LabelNames []string
}

// GenerateResult summarizes the images generated by GenerateImages.
type GenerateResult struct {
	// NumImages is the total number of isolated images written.
	NumImages int

	// MeanValidity is the mean probability of the generated images being real, according to the discriminator,
	// or -1 if no discriminator was given.
	MeanValidity float64
}

// GenerateImages loads the generator weights and writes, for each round, one isolated PNG per generated image
// and a grid with all of them.
//
// Conditional architectures generate the classes in order (0, 1, ...), one per tile. Isolated images are
// inverted if ParamGeneratedInvert is set, and the grid if ParamSampleInvert is set.
func GenerateImages(trainer *Trainer, config GenerateConfig) (result GenerateResult, err error) {
	result.MeanValidity = -1
	ctx := trainer.Context()
	if config.Rounds <= 0 {
		return result, errors.Errorf("invalid number of rounds %d, it must be > 0", config.Rounds)
	}
	if config.GeneratorWeights == "" {
		return result, errors.New("generator weights file not given")
	}
	if _, err = LoadWeights(ctx, config.GeneratorWeights); err != nil {
		return result, err
	}
	if config.DiscriminatorWeights != "" {
		if _, err = LoadWeights(ctx, config.DiscriminatorWeights); err != nil {
			return result, err
		}
	}

	rows := context.GetParamOr(ctx, ParamSampleRows, 5)
	cols := context.GetParamOr(ctx, ParamSampleCols, 5)
	invertIsolated := context.GetParamOr(ctx, ParamGeneratedInvert, false)
	grid := samples.NewGrid(rows, cols).Invert(context.GetParamOr(ctx, ParamSampleInvert, false))
	artifacts := trainer.Architecture().Artifacts()
	conditional := trainer.Architecture().Conditional()
	rng := newRNG(ctx)

	n := rows * cols
	flatLabels := make([]int32, n)
	if conditional {
		for ii := range flatLabels {
			flatLabels[ii] = int32(ii % trainer.NumClasses)
		}
	}
	var sumValidity float64
	for round := range config.Rounds {
		noise := NormalNoise(rng, n, trainer.LatentDim)
		labels := tensors.FromFlatDataAndDimensions(flatLabels, n, 1)
		images, err := trainer.SampleImages(noise, labels)
		if err != nil {
			return result, errors.WithMessagef(err, "generating round %d", round)
		}
		for idx, img := range images {
			class := int(flatLabels[idx])
			labelName := strconv.Itoa(class)
			if class < len(config.LabelNames) && config.LabelNames[class] != "" {
				labelName = config.LabelNames[class]
			}
			imgPath := outputPath(config.OutputDir, artifacts.GeneratedFile(class, labelName, round, round*n+idx))
			if err = samples.SavePNG(img, imgPath, invertIsolated); err != nil {
				return result, err
			}
			result.NumImages++
		}
		if err = grid.Save(images, outputPath(config.OutputDir, artifacts.GeneratedGridFile(round))); err != nil {
			return result, err
		}

		if config.DiscriminatorWeights != "" {
			validity, err := meanValidity(trainer, noise, labels)
			if err != nil {
				return result, err
			}
			klog.V(1).Infof("Round %d: mean validity %.4f", round, validity)
			sumValidity += validity
		}
	}
	if config.DiscriminatorWeights != "" {
		result.MeanValidity = sumValidity / float64(config.Rounds)
	}
	return result, nil
}

// meanValidity generates the images for the noise and labels, and returns the mean probability of them being
// real according to the discriminator.
func meanValidity(trainer *Trainer, noise, labels *tensors.Tensor) (float64, error) {
	generated, err := trainer.Generate(noise, labels)
	if err != nil {
		return 0, err
	}
	defer generated.MustFinalizeAll()
	validity, err := trainer.Validity(generated, labels)
	if err != nil {
		return 0, errors.WithMessage(err, "evaluating generated images with the discriminator")
	}
	defer validity.MustFinalizeAll()
	var sum float64
	values := tensors.MustCopyFlatData[float32](validity)
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values)), nil
}
