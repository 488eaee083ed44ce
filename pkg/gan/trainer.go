// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"image"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer holds the compiled graphs used to train and evaluate a GAN.
//
// The discriminator is trained on its own, while the generator is trained through the "combined" model
// (generator followed by the discriminator), with the discriminator variables frozen.
// Each role has its own Adam optimizer, whose state lives under OptimizersScope.
type Trainer struct {
	backend backends.Backend
	ctx     *context.Context
	arch    Architecture

	Height, Width, LatentDim, NumClasses int

	genOptimizer, discOptimizer optimizers.Interface

	generateExec, sampleExec, validityExec     *context.Exec
	trainDiscriminatorExec, trainGeneratorExec *context.Exec
}

// NewTrainer creates a Trainer for the given architecture, for images of height x width.
//
// The latent dimension and number of classes are read from the context parameters (ParamLatentDim and
// ParamNumClasses), as are the hyperparameters of the Adam optimizers.
func NewTrainer(backend backends.Backend, ctx *context.Context, arch Architecture, height, width int) (*Trainer, error) {
	t := &Trainer{
		backend:    backend,
		ctx:        ctx.Checked(false),
		arch:       arch,
		Height:     height,
		Width:      width,
		LatentDim:  context.GetParamOr(ctx, ParamLatentDim, 100),
		NumClasses: context.GetParamOr(ctx, ParamNumClasses, 0),
	}
	if t.LatentDim <= 0 {
		return nil, errors.Errorf("invalid %s=%d, it must be > 0", ParamLatentDim, t.LatentDim)
	}
	if arch.Conditional() && t.NumClasses <= 0 {
		return nil, errors.Errorf("architecture %q requires %s > 0, got %d", arch.Name(), ParamNumClasses, t.NumClasses)
	}
	t.genOptimizer = optimizers.Adam().FromContext(t.ctx).Done()
	t.discOptimizer = optimizers.Adam().FromContext(t.ctx).Done()

	var err error
	if t.generateExec, err = context.NewExec(backend, t.ctx, t.generateGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create generator executor")
	}
	if t.sampleExec, err = context.NewExec(backend, t.ctx, t.sampleGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create sample executor")
	}
	if t.validityExec, err = context.NewExec(backend, t.ctx, t.validityGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create discriminator executor")
	}
	if t.trainDiscriminatorExec, err = context.NewExec(backend, t.ctx, t.trainDiscriminatorGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create discriminator training executor")
	}
	if t.trainGeneratorExec, err = context.NewExec(backend, t.ctx, t.trainGeneratorGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create combined model training executor")
	}
	return t, nil
}

// Context used by the trainer. It is not checked: variables are created on first use and reused afterwards.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Architecture being trained.
func (t *Trainer) Architecture() Architecture { return t.arch }

// Backend used to execute the graphs.
func (t *Trainer) Backend() backends.Backend { return t.backend }

// optimizerCtx returns the context where the optimizer of the given role keeps its state.
func (t *Trainer) optimizerCtx(ctx *context.Context, role string) *context.Context {
	return ctx.InAbsPath(context.RootScope + OptimizersScope).In(role)
}

func (t *Trainer) generateGraph(ctx *context.Context, noise, labels *Node) *Node {
	return t.arch.Generator(ctx.In(GeneratorScope), noise, labels)
}

// sampleGraph generates images and converts them to RGB with values in [0, 1], suitable for images.ToImage.
func (t *Trainer) sampleGraph(ctx *context.Context, noise, labels *Node) *Node {
	generated := t.generateGraph(ctx, noise, labels)
	generated = ClipScalar(AddScalar(MulScalar(generated, 0.5), 0.5), 0, 1)
	dims := generated.Shape().Dimensions
	return BroadcastToDims(generated, dims[0], dims[1], dims[2], 3)
}

// validityGraph returns the probability, according to the discriminator, of the images being real.
func (t *Trainer) validityGraph(ctx *context.Context, images, labels *Node) *Node {
	return Sigmoid(t.arch.Discriminator(ctx.In(DiscriminatorScope), images, labels))
}

// lossAndAccuracy returns the mean binary cross-entropy of the logits and the binary accuracy, where
// targets above 0.5 count as real, so smoothed targets are still accounted for.
func lossAndAccuracy(logits, targets *Node) (loss, accuracy *Node) {
	loss = ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{targets}, []*Node{logits}))
	accuracy = metrics.BinaryLogitsAccuracyGraph(nil, []*Node{targets}, []*Node{logits})
	return
}

// trainDiscriminatorGraph performs one update of the discriminator on the given images and targets.
func (t *Trainer) trainDiscriminatorGraph(ctx *context.Context, images, labels, targets *Node) (loss, accuracy *Node) {
	g := images.Graph()
	ctx.SetTraining(g, true)
	logits := t.arch.Discriminator(ctx.In(DiscriminatorScope), images, labels)
	targets = Reshape(ConvertDType(targets, logits.DType()), logits.Shape().Dimensions...)
	loss, accuracy = lossAndAccuracy(logits, targets)

	frozen := Freeze(ctx.InAbsPath(context.RootScope + GeneratorScope))
	klog.V(2).Infof("Discriminator training graph: %d generator variables frozen", frozen.Len())
	t.discOptimizer.UpdateGraph(t.optimizerCtx(ctx, DiscriminatorScope), g, loss)
	frozen.Thaw()
	return
}

// trainGeneratorGraph performs one update of the generator through the combined model: the discriminator is
// frozen and the generated images are labeled as real.
func (t *Trainer) trainGeneratorGraph(ctx *context.Context, noise, labels *Node) *Node {
	g := noise.Graph()
	ctx.SetTraining(g, true)
	generated := t.arch.Generator(ctx.In(GeneratorScope), noise, labels)
	logits := t.arch.Discriminator(ctx.In(DiscriminatorScope), generated, labels)
	loss, _ := lossAndAccuracy(logits, OnesLike(logits))

	frozen := Freeze(ctx.InAbsPath(context.RootScope + DiscriminatorScope))
	klog.V(2).Infof("Combined model training graph: %d discriminator variables frozen", frozen.Len())
	t.genOptimizer.UpdateGraph(t.optimizerCtx(ctx, GeneratorScope), g, loss)
	frozen.Thaw()
	return loss
}

// Generate returns images shaped `[batch, height, width, 1]` with values in [-1, 1], for the given noise
// (float32 `[batch, latent_dim]`) and labels (int32 `[batch, 1]`).
func (t *Trainer) Generate(noise, labels *tensors.Tensor) (*tensors.Tensor, error) {
	return t.generateExec.Exec1(noise, labels)
}

// SampleImages generates one image per noise vector, as RGB images with the glyph in white over black.
func (t *Trainer) SampleImages(noise, labels *tensors.Tensor) ([]image.Image, error) {
	generated, err := t.sampleExec.Exec1(noise, labels)
	if err != nil {
		return nil, err
	}
	defer generated.MustFinalizeAll()
	return images.ToImage().MaxValue(1.0).Batch(generated), nil
}

// Validity returns the probabilities, shaped `[batch, 1]`, of the images being real according to the
// discriminator.
func (t *Trainer) Validity(images, labels *tensors.Tensor) (*tensors.Tensor, error) {
	return t.validityExec.Exec1(images, labels)
}

// TrainDiscriminator performs one optimizer step of the discriminator on the images with the given targets
// (float32 `[batch, 1]`, 1 for real and 0 for fake), and returns the loss and accuracy of the batch, as measured
// before the update.
func (t *Trainer) TrainDiscriminator(images, labels, targets *tensors.Tensor) (loss, accuracy float32, err error) {
	lossT, accT, err := t.trainDiscriminatorExec.Exec2(images, labels, targets)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "discriminator training step")
	}
	loss, accuracy = tensors.ToScalar[float32](lossT), tensors.ToScalar[float32](accT)
	lossT.MustFinalizeAll()
	accT.MustFinalizeAll()
	return
}

// TrainGenerator performs one optimizer step of the generator through the combined model, and returns the loss
// of the batch, as measured before the update.
func (t *Trainer) TrainGenerator(noise, labels *tensors.Tensor) (float32, error) {
	lossT, err := t.trainGeneratorExec.Exec1(noise, labels)
	if err != nil {
		return 0, errors.WithMessage(err, "generator training step")
	}
	loss := tensors.ToScalar[float32](lossT)
	lossT.MustFinalizeAll()
	return loss, nil
}

// Finalize frees the compiled graphs.
func (t *Trainer) Finalize() {
	for _, e := range []*context.Exec{t.generateExec, t.sampleExec, t.validityExec, t.trainDiscriminatorExec,
		t.trainGeneratorExec} {
		if e != nil {
			e.Finalize()
		}
	}
}
