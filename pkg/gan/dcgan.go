// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// DCGAN is an unconditional convolutional GAN: the generator up-samples a dense projection of the noise
// with 5x5 convolutions, and the discriminator down-samples the image with strided 5x5 convolutions.
type DCGAN struct {
	Height, Width int
}

var _ Architecture = (*DCGAN)(nil)

// Name implements Architecture.
func (m *DCGAN) Name() string { return DCGANName }

// Conditional implements Architecture.
func (m *DCGAN) Conditional() bool { return false }

// Artifacts implements Architecture.
func (m *DCGAN) Artifacts() Artifacts { return dcganArtifacts{} }

const (
	dcganInitStddev   = 0.02
	dcganDropoutRate  = 0.3
	dcganKernelSize   = 5
	dcganBaseChannels = 64
)

// Generator implements Architecture. The labels are ignored.
func (m *DCGAN) Generator(ctx *context.Context, noise, _ *Node) *Node {
	batchSize := noise.Shape().Dimensions[0]
	height, width := m.Height/4, m.Width/4
	channels := 2 * dcganBaseChannels

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	denseCtx := nextCtx("dense")
	denseCtx = denseCtx.WithInitializer(initializers.RandomNormalFn(denseCtx, dcganInitStddev))
	x := layers.Dense(denseCtx, noise, true, channels*height*width)
	x = activations.LeakyReluWithAlpha(x, leakyReluAlpha)
	x = Reshape(x, batchSize, height, width, channels)

	x = upSample2x(x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(dcganBaseChannels).KernelSize(dcganKernelSize).PadSame().Done()
	x = activations.LeakyReluWithAlpha(x, leakyReluAlpha)
	x.AssertDims(batchSize, 2*height, 2*width, dcganBaseChannels)

	x = upSample2x(x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(1).KernelSize(dcganKernelSize).PadSame().Done()
	x = Tanh(x)
	x.AssertDims(batchSize, m.Height, m.Width, 1)
	return x
}

// Discriminator implements Architecture. The labels are ignored.
func (m *DCGAN) Discriminator(ctx *context.Context, images, _ *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	images.AssertDims(batchSize, m.Height, m.Width, 1)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	convCtx := nextCtx("conv")
	convCtx = convCtx.WithInitializer(initializers.RandomNormalFn(convCtx, dcganInitStddev))
	x := layers.Convolution(convCtx, images).
		Channels(dcganBaseChannels).KernelSize(dcganKernelSize).Strides(2).PadSame().Done()
	x = activations.LeakyReluWithAlpha(x, leakyReluAlpha)
	x = layers.DropoutStatic(ctx, x, dcganDropoutRate)
	x.AssertDims(batchSize, m.Height/2, m.Width/2, dcganBaseChannels)

	x = layers.Convolution(nextCtx("conv"), x).
		Channels(2 * dcganBaseChannels).KernelSize(dcganKernelSize).Strides(2).PadSame().Done()
	x = activations.LeakyReluWithAlpha(x, leakyReluAlpha)
	x = layers.DropoutStatic(ctx, x, dcganDropoutRate)
	x.AssertDims(batchSize, m.Height/4, m.Width/4, 2*dcganBaseChannels)

	x = Reshape(x, batchSize, -1)
	logits := layers.Dense(nextCtx("readout"), x, true, 1)
	return logits
}

type dcganArtifacts struct{}

func (dcganArtifacts) SampleFile(epoch int) string {
	return fmt.Sprintf("images/dcgan_generated_image_epoch_%d.png", epoch)
}

func (dcganArtifacts) RealSamplesFile() string {
	return "images/dcgan_real_image.png"
}

func (dcganArtifacts) WeightsFile(role string, epoch int) string {
	return fmt.Sprintf("saved_model/dcgan_%s_epoch_%d.npz", role, epoch)
}

func (dcganArtifacts) LossPlotFile(epoch int) string {
	return fmt.Sprintf("images/dcgan_loss_epoch_%d.png", epoch)
}

func (dcganArtifacts) GeneratedFile(_ int, _ string, _, index int) string {
	return fmt.Sprintf("isolated/dcgan_generated_image_test%d.png", index)
}

func (dcganArtifacts) GeneratedGridFile(round int) string {
	if round == 0 {
		return "dcgan_generated_image_test.png"
	}
	return fmt.Sprintf("dcgan_generated_image_test_%d.png", round)
}
