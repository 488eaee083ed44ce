// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"github.com/gomlx/glyphgan/pkg/glyphs"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Hyperparameters stored in the context. See CreateDefaultContext for their default values.
const (
	// ParamModel selects the architecture: "cgan" or "dcgan".
	ParamModel = "gan_model"

	// ParamEpochs is the number of epochs to train.
	ParamEpochs = "epochs"

	// ParamBatchSize is the number of generated examples per generator step.
	ParamBatchSize = "batch_size"

	// ParamSampleInterval is the number of epochs between sample grids and weight exports.
	ParamSampleInterval = "sample_interval"

	// ParamLatentDim is the dimension of the noise vectors fed to the generator.
	ParamLatentDim = "latent_dim"

	// ParamNumClasses is the size of the label vocabulary. If 0, it is taken from the dataset.
	ParamNumClasses = "num_classes"

	// ParamHalfBatch makes the discriminator train on batch_size/2 real and batch_size/2 fake examples per step.
	ParamHalfBatch = "half_batch"

	// ParamDiscriminatorUpdate is either "split" (one step on real and one on fake examples, losses averaged) or
	// "joint" (a single step on the concatenated batch).
	ParamDiscriminatorUpdate = "discriminator_update"

	// ParamRealLabel is the target for real examples: 1.0, or less for one-sided label smoothing.
	ParamRealLabel = "real_label"

	// ParamStepsPerEpoch is the number of training steps per epoch. If 0, it is the dataset size divided by
	// the batch size.
	ParamStepsPerEpoch = "steps_per_epoch"

	// ParamFirstEpoch is the number of the first epoch: it only affects the numbering of artifacts.
	ParamFirstEpoch = "first_epoch"

	// ParamSampleRows and ParamSampleCols define the shape of the sample grids.
	ParamSampleRows = "sample_rows"
	ParamSampleCols = "sample_cols"

	// ParamSampleCaptions adds a "char: <label>" caption on top of each tile of the sample grid.
	ParamSampleCaptions = "sample_captions"

	// ParamSampleInvert inverts the grayscale of the sample grids (dark glyphs on white).
	ParamSampleInvert = "sample_invert"

	// ParamGeneratedInvert inverts the grayscale of the isolated images written by GenerateImages.
	ParamGeneratedInvert = "generated_invert"

	// ParamNumCheckpoints is the number of session checkpoints to keep, when checkpointing is enabled.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamShuffle shuffles the dataset once after loading.
	ParamShuffle = "shuffle"

	// ParamSeed, if not 0, seeds the host random number generator used to sample batches and noise, as well as
	// the context random number generator and initializers.
	ParamSeed = "seed"
)

// Discriminator update modes, see ParamDiscriminatorUpdate.
const (
	UpdateSplit = "split"
	UpdateJoint = "joint"
)

// CreateDefaultContext returns a context with the default hyperparameters for the given model ("cgan" or
// "dcgan"). The defaults reproduce the usual training recipe of each model.
func CreateDefaultContext(model string) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamModel:          model,
		ParamLatentDim:      100,
		ParamNumClasses:     0,
		ParamBatchSize:      32,
		ParamShuffle:        true,
		ParamSeed:           int64(0),
		ParamNumCheckpoints: 3,

		// Adam(lr=0.0002, beta_1=0.5), one instance per role.
		optimizers.ParamLearningRate: 2e-4,
		optimizers.ParamAdamBeta1:    0.5,
		optimizers.ParamAdamBeta2:    0.999,
		optimizers.ParamAdamEpsilon:  1e-7,
	})
	if model == DCGANName {
		ctx.SetParams(map[string]any{
			ParamEpochs:              2,
			ParamSampleInterval:      5,
			ParamHalfBatch:           false,
			ParamDiscriminatorUpdate: UpdateJoint,
			ParamRealLabel:           0.9,
			ParamStepsPerEpoch:       0,
			ParamFirstEpoch:          1,
			ParamSampleRows:          10,
			ParamSampleCols:          10,
			ParamSampleCaptions:      false,
			ParamSampleInvert:        true,
			ParamGeneratedInvert:     false,
		})
	} else {
		ctx.SetParams(map[string]any{
			ParamEpochs:              100001,
			ParamSampleInterval:      5000,
			ParamHalfBatch:           true,
			ParamDiscriminatorUpdate: UpdateSplit,
			ParamRealLabel:           1.0,
			ParamStepsPerEpoch:       1,
			ParamFirstEpoch:          0,
			ParamSampleRows:          8,
			ParamSampleCols:          6,
			ParamSampleCaptions:      true,
			ParamSampleInvert:        false,
			ParamGeneratedInvert:     true,
		})
	}
	return ctx
}

// ConfigureNumClasses reconciles ParamNumClasses with the dataset: if the parameter is 0 it is set from the
// dataset, otherwise the dataset is checked against it.
func ConfigureNumClasses(ctx *context.Context, ds *glyphs.Dataset) error {
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		ctx.SetParam(ParamNumClasses, ds.NumClasses)
		return nil
	}
	if err := ds.SetNumClasses(numClasses); err != nil {
		return errors.WithMessagef(err, "invalid %s=%d for dataset %q", ParamNumClasses, numClasses, ds.Name)
	}
	return nil
}
