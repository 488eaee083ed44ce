// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/gomlx/glyphgan/pkg/glyphs"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	testHeight, testWidth = 8, 8
	testLatentDim         = 4
	testNumClasses        = 3
)

// testContext returns a context with small hyperparameters for the given model.
func testContext(model string) *context.Context {
	ctx := CreateDefaultContext(model)
	ctx.SetParams(map[string]any{
		ParamLatentDim:     testLatentDim,
		ParamNumClasses:    testNumClasses,
		ParamBatchSize:     4,
		ParamSampleRows:    2,
		ParamSampleCols:    3,
		ParamSeed:          int64(42),
		ParamShuffle:       false,
		ParamEpochs:        3,
		ParamFirstEpoch:    0,
		ParamStepsPerEpoch: 1,
	})
	return ctx
}

func newTestTrainer(t *testing.T, backend backends.Backend, model string) *Trainer {
	ctx := testContext(model)
	arch := must.M1(NewArchitecture(model, testHeight, testWidth, testNumClasses))
	trainer, err := NewTrainer(backend, ctx, arch, testHeight, testWidth)
	require.NoError(t, err)
	t.Cleanup(trainer.Finalize)
	return trainer
}

func randomDataset(t *testing.T, n int) *glyphs.Dataset {
	rng := rand.New(rand.NewPCG(1, 2))
	pixels := make([]uint8, n*testHeight*testWidth)
	for ii := range pixels {
		pixels[ii] = uint8(rng.IntN(256))
	}
	labels := make([]int32, n)
	for ii := range labels {
		labels[ii] = int32(ii % testNumClasses)
	}
	ds, err := glyphs.New("test", testHeight, testWidth, pixels, labels, 0)
	require.NoError(t, err)
	return ds
}

func testLabels(n int) *tensors.Tensor {
	labels := make([]int32, n)
	for ii := range labels {
		labels[ii] = int32(ii % testNumClasses)
	}
	return tensors.FromFlatDataAndDimensions(labels, n, 1)
}

// snapshot returns a copy of the values of all float32 variables under the absolute scope.
func snapshot(ctx *context.Context, scope string) map[string][]float32 {
	values := make(map[string][]float32)
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		value := must.M1(v.Value())
		values[v.ScopeAndName()] = tensors.MustCopyFlatData[float32](value)
	}
	return values
}

func TestNewArchitecture(t *testing.T) {
	arch, err := NewArchitecture(CGANName, 28, 28, 48)
	require.NoError(t, err)
	assert.True(t, arch.Conditional())
	assert.Equal(t, CGANName, arch.Name())

	arch, err = NewArchitecture(DCGANName, 28, 28, 0)
	require.NoError(t, err)
	assert.False(t, arch.Conditional())

	_, err = NewArchitecture(CGANName, 28, 28, 0)
	require.Error(t, err)
	_, err = NewArchitecture(DCGANName, 30, 28, 0)
	require.Error(t, err)
	_, err = NewArchitecture("wgan", 28, 28, 10)
	require.Error(t, err)
}

func TestNewTrainer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext(CGANName)
	ctx.SetParam(ParamNumClasses, 0)
	_, err := NewTrainer(backend, ctx, &CGAN{Height: testHeight, Width: testWidth, NumClasses: 1}, testHeight, testWidth)
	require.Error(t, err, "conditional architectures require num_classes > 0")
}

func TestGenerate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, model := range []string{CGANName, DCGANName} {
		t.Run(model, func(t *testing.T) {
			trainer := newTestTrainer(t, backend, model)
			const batchSize = 5
			rng := rand.New(rand.NewPCG(3, 4))
			generated, err := trainer.Generate(NormalNoise(rng, batchSize, testLatentDim), testLabels(batchSize))
			require.NoError(t, err)
			assert.Equal(t, []int{batchSize, testHeight, testWidth, 1}, generated.Shape().Dimensions)
			for _, v := range tensors.MustCopyFlatData[float32](generated) {
				require.GreaterOrEqual(t, v, float32(-1))
				require.LessOrEqual(t, v, float32(1))
			}

			images, err := trainer.SampleImages(NormalNoise(rng, batchSize, testLatentDim), testLabels(batchSize))
			require.NoError(t, err)
			require.Len(t, images, batchSize)
			assert.Equal(t, testWidth, images[0].Bounds().Dx())
			assert.Equal(t, testHeight, images[0].Bounds().Dy())
		})
	}
}

func TestValidityRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, model := range []string{CGANName, DCGANName} {
		t.Run(model, func(t *testing.T) {
			trainer := newTestTrainer(t, backend, model)
			const batchSize = 6
			rng := rand.New(rand.NewPCG(5, 6))
			flat := make([]float32, batchSize*testHeight*testWidth)
			for ii := range flat {
				// Include values far out of the range of real images.
				flat[ii] = float32(rng.NormFloat64() * 100)
			}
			images := tensors.FromFlatDataAndDimensions(flat, batchSize, testHeight, testWidth, 1)
			validity, err := trainer.Validity(images, testLabels(batchSize))
			require.NoError(t, err)
			assert.Equal(t, []int{batchSize, 1}, validity.Shape().Dimensions)
			for _, v := range tensors.MustCopyFlatData[float32](validity) {
				require.GreaterOrEqual(t, v, float32(0))
				require.LessOrEqual(t, v, float32(1))
			}
		})
	}
}

func TestArtifactsNames(t *testing.T) {
	cgan := (&CGAN{}).Artifacts()
	assert.Equal(t, "images/5000.png", cgan.SampleFile(5000))
	assert.Equal(t, "images/real.png", cgan.RealSamplesFile())
	assert.Equal(t, "saved_model/generator_5000.npz", cgan.WeightsFile(GeneratorScope, 5000))
	assert.Equal(t, "saved_model/discriminator_0.npz", cgan.WeightsFile(DiscriminatorScope, 0))
	assert.Equal(t, "7_a_2.png", cgan.GeneratedFile(7, "a", 2, 11))
	assert.Equal(t, "grid_2.png", cgan.GeneratedGridFile(2))

	dcgan := (&DCGAN{}).Artifacts()
	assert.Equal(t, "images/dcgan_generated_image_epoch_5.png", dcgan.SampleFile(5))
	assert.Equal(t, "images/dcgan_real_image.png", dcgan.RealSamplesFile())
	assert.Equal(t, "saved_model/dcgan_generator_epoch_5.npz", dcgan.WeightsFile(GeneratorScope, 5))
	assert.Equal(t, "images/dcgan_loss_epoch_2.png", dcgan.LossPlotFile(2))
	assert.Equal(t, "isolated/dcgan_generated_image_test11.png", dcgan.GeneratedFile(7, "a", 2, 11))
	assert.Equal(t, "dcgan_generated_image_test.png", dcgan.GeneratedGridFile(0))

	// Names follow the epoch: distinct epochs never collide.
	for _, artifacts := range []Artifacts{cgan, dcgan} {
		seen := make(map[string]bool)
		for epoch := range 100 {
			for _, name := range []string{artifacts.SampleFile(epoch), artifacts.WeightsFile(GeneratorScope, epoch),
				artifacts.WeightsFile(DiscriminatorScope, epoch)} {
				require.False(t, seen[name], "artifact %q repeated at epoch %d", name, epoch)
				seen[name] = true
			}
		}
	}
}

func TestLossAndAccuracy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := []float32{2, -1, 3, -0.5}
	// Smoothed real target predicted real, fake predicted fake, fake predicted real, real predicted fake.
	targets := []float32{0.9, 0, 0, 1}
	exec := must.M1(context.NewExec(backend, context.New(),
		func(_ *context.Context, logits, targets *graph.Node) (*graph.Node, *graph.Node) {
			return lossAndAccuracy(logits, targets)
		}))
	defer exec.Finalize()
	lossT, accuracyT := must.M2(exec.Exec2(
		tensors.FromFlatDataAndDimensions(logits, 4, 1), tensors.FromFlatDataAndDimensions(targets, 4, 1)))

	var wantLoss float64
	for ii, logit := range logits {
		x, y := float64(logit), float64(targets[ii])
		wantLoss += max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	wantLoss /= float64(len(logits))
	assert.InDelta(t, wantLoss, tensors.ToScalar[float32](lossT), 1e-4)
	assert.InDelta(t, 0.5, tensors.ToScalar[float32](accuracyT), 1e-6)
}

func TestFreeze(t *testing.T) {
	ctx := context.New()
	weights := ctx.In("model").VariableWithValue("weights", []float32{1, 2})
	stats := ctx.In("model").VariableWithValue("mean", []float32{0}).SetTrainable(false)
	other := ctx.In("other").VariableWithValue("weights", []float32{3})

	frozen := Freeze(ctx.In("model"))
	assert.Equal(t, 1, frozen.Len())
	assert.False(t, weights.Trainable)
	assert.False(t, stats.Trainable)
	assert.True(t, other.Trainable)

	frozen.Thaw()
	assert.True(t, weights.Trainable)
	assert.False(t, stats.Trainable, "variables non-trainable before Freeze must stay so")
	assert.True(t, other.Trainable)
}

func TestTrainingUpdatesOnlyOneRole(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, model := range []string{CGANName, DCGANName} {
		t.Run(model, func(t *testing.T) {
			trainer := newTestTrainer(t, backend, model)
			ctx := trainer.Context()
			const batchSize = 4
			rng := rand.New(rand.NewPCG(7, 8))
			ds := randomDataset(t, 10)
			realImages, realLabels := ds.Sample(rng, batchSize)

			// First steps create the variables of both models.
			_, _, err := trainer.TrainDiscriminator(realImages, realLabels, Targets(batchSize, 1))
			require.NoError(t, err)
			_, err = trainer.TrainGenerator(NormalNoise(rng, batchSize, testLatentDim), testLabels(batchSize))
			require.NoError(t, err)

			// Generator step: the discriminator is frozen.
			genBefore := snapshot(ctx, "/"+GeneratorScope)
			discBefore := snapshot(ctx, "/"+DiscriminatorScope)
			require.NotEmpty(t, genBefore)
			require.NotEmpty(t, discBefore)
			_, err = trainer.TrainGenerator(NormalNoise(rng, batchSize, testLatentDim), testLabels(batchSize))
			require.NoError(t, err)
			assert.Equal(t, discBefore, snapshot(ctx, "/"+DiscriminatorScope))
			assert.NotEqual(t, genBefore, snapshot(ctx, "/"+GeneratorScope))

			// Discriminator step: the generator doesn't change.
			genBefore = snapshot(ctx, "/"+GeneratorScope)
			discBefore = snapshot(ctx, "/"+DiscriminatorScope)
			loss, accuracy, err := trainer.TrainDiscriminator(realImages, realLabels, Targets(batchSize, 0.9))
			require.NoError(t, err)
			assert.Greater(t, loss, float32(0))
			assert.GreaterOrEqual(t, accuracy, float32(0))
			assert.LessOrEqual(t, accuracy, float32(1))
			assert.Equal(t, genBefore, snapshot(ctx, "/"+GeneratorScope))
			assert.NotEqual(t, discBefore, snapshot(ctx, "/"+DiscriminatorScope))

			// Variables are trainable again after the graphs were built.
			for v := range ctx.InAbsPath("/" + DiscriminatorScope).IterVariablesInScope() {
				if v.Name() == "weights" {
					assert.True(t, v.Trainable, "variable %q", v.ScopeAndName())
				}
			}
		})
	}
}

func TestSaveLoadWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, model := range []string{CGANName, DCGANName} {
		t.Run(model, func(t *testing.T) {
			trainer := newTestTrainer(t, backend, model)
			rng := rand.New(rand.NewPCG(9, 10))
			_, err := trainer.TrainGenerator(NormalNoise(rng, 4, testLatentDim), testLabels(4))
			require.NoError(t, err)

			weightsPath := filepath.Join(t.TempDir(), "saved_model", "generator.npz")
			require.NoError(t, SaveWeights(trainer.Context().InAbsPath("/"+GeneratorScope), weightsPath))

			noise, labels := NormalNoise(rng, 3, testLatentDim), testLabels(3)
			want := tensors.MustCopyFlatData[float32](must.M1(trainer.Generate(noise, labels)))

			loaded := newTestTrainer(t, backend, model)
			numVars, err := LoadWeights(loaded.Context(), weightsPath)
			require.NoError(t, err)
			assert.Equal(t, len(snapshot(trainer.Context(), "/"+GeneratorScope)), numVars)
			got := tensors.MustCopyFlatData[float32](must.M1(loaded.Generate(noise, labels)))
			assert.InDeltaSlice(t, want, got, 1e-5)

			_, err = LoadWeights(loaded.Context(), filepath.Join(t.TempDir(), "missing.npz"))
			require.Error(t, err)
		})
	}
}

func TestLoop(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	t.Run(CGANName, func(t *testing.T) {
		trainer := newTestTrainer(t, backend, CGANName)
		trainer.Context().SetParam(ParamSampleInterval, 2)
		outputDir := t.TempDir()
		loop, err := NewLoop(trainer, randomDataset(t, 12), outputDir)
		require.NoError(t, err)
		assert.Equal(t, -1, loop.LastSavedEpoch())
		require.NoError(t, loop.Run())

		for _, name := range []string{"images/real.png", "images/0.png", "images/2.png", "saved_model/generator_0.npz",
			"saved_model/discriminator_2.npz", "images/loss_2.png", "loss_history.jsonl"} {
			assert.FileExists(t, filepath.Join(outputDir, name))
		}
		assert.NoFileExists(t, filepath.Join(outputDir, "images/1.png"))
		assert.Equal(t, 2, loop.LastSavedEpoch())
		assert.Len(t, loop.History.Epochs(), 3)

		// A new loop over the same context resumes after the last saved epoch: nothing left to do.
		resumed, err := NewLoop(trainer, randomDataset(t, 12), outputDir)
		require.NoError(t, err)
		assert.Len(t, resumed.History.Epochs(), 3)
		require.NoError(t, resumed.Run())

		// Generation from the saved weights.
		generateDir := t.TempDir()
		result, err := GenerateImages(trainer, GenerateConfig{
			OutputDir:            generateDir,
			GeneratorWeights:     filepath.Join(outputDir, "saved_model/generator_2.npz"),
			DiscriminatorWeights: filepath.Join(outputDir, "saved_model/discriminator_2.npz"),
			Rounds:               2,
			LabelNames:           []string{"a", "b"},
		})
		require.NoError(t, err)
		assert.Equal(t, 12, result.NumImages)
		assert.GreaterOrEqual(t, result.MeanValidity, 0.0)
		assert.LessOrEqual(t, result.MeanValidity, 1.0)
		for _, name := range []string{"0_a_0.png", "1_b_1.png", "2_2_0.png", "grid_0.png", "grid_1.png"} {
			assert.FileExists(t, filepath.Join(generateDir, name))
		}
	})

	t.Run(DCGANName, func(t *testing.T) {
		trainer := newTestTrainer(t, backend, DCGANName)
		trainer.Context().SetParams(map[string]any{
			ParamFirstEpoch:     1,
			ParamEpochs:         2,
			ParamSampleInterval: 5,
			ParamStepsPerEpoch:  0,
		})
		outputDir := t.TempDir()
		loop, err := NewLoop(trainer, randomDataset(t, 9), outputDir)
		require.NoError(t, err)
		assert.Equal(t, 2, loop.StepsPerEpoch())
		require.NoError(t, loop.Run())
		for _, name := range []string{"images/dcgan_real_image.png", "images/dcgan_generated_image_epoch_1.png",
			"saved_model/dcgan_generator_epoch_1.npz", "saved_model/dcgan_discriminator_epoch_1.npz",
			"images/dcgan_loss_epoch_2.png"} {
			assert.FileExists(t, filepath.Join(outputDir, name))
		}
		assert.NoFileExists(t, filepath.Join(outputDir, "images/dcgan_generated_image_epoch_2.png"))
		assert.Equal(t, 1, loop.LastSavedEpoch())

		generateDir := t.TempDir()
		result, err := GenerateImages(trainer, GenerateConfig{
			OutputDir:        generateDir,
			GeneratorWeights: filepath.Join(outputDir, "saved_model/dcgan_generator_epoch_1.npz"),
			Rounds:           1,
		})
		require.NoError(t, err)
		assert.Equal(t, 6, result.NumImages)
		assert.Equal(t, -1.0, result.MeanValidity)
		assert.FileExists(t, filepath.Join(generateDir, "isolated", "dcgan_generated_image_test5.png"))
		assert.FileExists(t, filepath.Join(generateDir, "dcgan_generated_image_test.png"))
	})
}

func TestResumeFromCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	checkpointDir := filepath.Join(t.TempDir(), "checkpoint")

	// newSession creates a fresh context attached to the checkpoint, and a loop over it.
	newSession := func(epochs int, outputDir string) *Loop {
		ctx := testContext(CGANName)
		ctx.SetParams(map[string]any{
			ParamEpochs:         epochs,
			ParamSampleInterval: 2,
		})
		checkpoint, err := checkpoints.Build(ctx).Dir(checkpointDir).Keep(2).ExcludeParams(ParamEpochs).Done()
		require.NoError(t, err)
		arch := must.M1(NewArchitecture(CGANName, testHeight, testWidth, testNumClasses))
		trainer, err := NewTrainer(backend, ctx, arch, testHeight, testWidth)
		require.NoError(t, err)
		t.Cleanup(trainer.Finalize)
		loop, err := NewLoop(trainer, randomDataset(t, 12), outputDir)
		require.NoError(t, err)
		loop.Checkpoint = checkpoint
		return loop
	}

	first := newSession(3, t.TempDir())
	assert.Equal(t, -1, first.LastSavedEpoch())
	require.NoError(t, first.Run())
	assert.Equal(t, 2, first.LastSavedEpoch())

	// The second session loads the last saved epoch and the weights from the checkpoint.
	secondDir := t.TempDir()
	second := newSession(5, secondDir)
	assert.Equal(t, 2, second.LastSavedEpoch())
	secondCtx := second.Trainer.Context()
	numVars := 0
	for v := range first.Trainer.Context().InAbsPath("/" + GeneratorScope).IterVariablesInScope() {
		loaded := secondCtx.GetVariableByScopeAndName(v.Scope(), v.Name())
		require.NotNil(t, loaded, "variable %q not loaded from checkpoint", v.ScopeAndName())
		assert.Equal(t, tensors.MustCopyFlatData[float32](must.M1(v.Value())),
			tensors.MustCopyFlatData[float32](must.M1(loaded.Value())), "variable %q", v.ScopeAndName())
		numVars++
	}
	require.Greater(t, numVars, 0)

	// Training restarts after the last saved epoch.
	require.NoError(t, second.Run())
	assert.Equal(t, 4, second.LastSavedEpoch())
	assert.Equal(t, []int{3, 4}, second.History.Epochs())
	assert.NoFileExists(t, filepath.Join(secondDir, "images/real.png"))
	assert.NoFileExists(t, filepath.Join(secondDir, "images/3.png"))
	assert.FileExists(t, filepath.Join(secondDir, "images/4.png"))
	assert.FileExists(t, filepath.Join(secondDir, "saved_model/generator_4.npz"))
}

func TestStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, update := range []string{UpdateSplit, UpdateJoint} {
		t.Run(update, func(t *testing.T) {
			trainer := newTestTrainer(t, backend, CGANName)
			trainer.Context().SetParam(ParamDiscriminatorUpdate, update)
			loop, err := NewLoop(trainer, randomDataset(t, 8), t.TempDir())
			require.NoError(t, err)
			// Each step frees its own tensors, and nothing is reused across steps.
			for range 3 {
				stats, err := loop.Step()
				require.NoError(t, err)
				assert.Greater(t, stats.DiscriminatorLoss, float32(0))
				assert.Greater(t, stats.GeneratorLoss, float32(0))
				assert.GreaterOrEqual(t, stats.DiscriminatorAccuracy, float32(0))
				assert.LessOrEqual(t, stats.DiscriminatorAccuracy, float32(1))
			}
		})
	}

	noise, labels := NormalNoise(rand.New(rand.NewPCG(11, 12)), 2, testLatentDim), testLabels(2)
	finalizeAll(noise, labels)
	assert.False(t, noise.Ok())
	assert.False(t, labels.Ok())
}

func TestNewLoopErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainer := newTestTrainer(t, backend, CGANName)
	_, err := NewLoop(trainer, randomDataset(t, 4), t.TempDir())
	require.NoError(t, err)

	trainer.Context().SetParam(ParamDiscriminatorUpdate, "alternate")
	_, err = NewLoop(trainer, randomDataset(t, 4), t.TempDir())
	require.Error(t, err)
	trainer.Context().SetParam(ParamDiscriminatorUpdate, UpdateSplit)

	wrongSize, err := glyphs.New("wrong", 4, 4, make([]uint8, 16), []int32{0}, 1)
	require.NoError(t, err)
	_, err = NewLoop(trainer, wrongSize, t.TempDir())
	require.Error(t, err)
}

func TestConfigureNumClasses(t *testing.T) {
	ds := randomDataset(t, 6)
	ctx := testContext(CGANName)
	ctx.SetParam(ParamNumClasses, 0)
	require.NoError(t, ConfigureNumClasses(ctx, ds))
	assert.Equal(t, testNumClasses, context.GetParamOr(ctx, ParamNumClasses, 0))

	ctx.SetParam(ParamNumClasses, 10)
	require.NoError(t, ConfigureNumClasses(ctx, ds))
	assert.Equal(t, 10, ds.NumClasses)

	ctx.SetParam(ParamNumClasses, 2)
	require.Error(t, ConfigureNumClasses(ctx, ds))
}

func TestCaption(t *testing.T) {
	assert.Equal(t, "char: 3", Caption(3, nil))
	assert.Equal(t, "char: b", Caption(1, []string{"a", "b"}))
	assert.Equal(t, "char: 2", Caption(2, []string{"a", "b"}))

	// Non-ASCII names can't be drawn with the caption font.
	names := []string{"あ", "ka", "漢", "tab\t"}
	assert.Equal(t, "char: 0", Caption(0, names))
	assert.Equal(t, "char: ka", Caption(1, names))
	assert.Equal(t, "char: 2", Caption(2, names))
	assert.Equal(t, "char: 3", Caption(3, names))
}
