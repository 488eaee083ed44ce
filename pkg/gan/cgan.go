// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// CGAN is a conditional GAN of fully connected models: the class label is embedded and multiplied
// into the input of both the generator (the noise) and the discriminator (the flattened image).
type CGAN struct {
	Height, Width, NumClasses int
}

var _ Architecture = (*CGAN)(nil)

// Name implements Architecture.
func (m *CGAN) Name() string { return CGANName }

// Conditional implements Architecture.
func (m *CGAN) Conditional() bool { return true }

// Artifacts implements Architecture.
func (m *CGAN) Artifacts() Artifacts { return cganArtifacts{} }

var (
	cganGeneratorDims     = []int{256, 512, 1024}
	cganDiscriminatorDims = []int{512, 512, 512}
)

const (
	leakyReluAlpha        = 0.2
	cganBatchNormMomentum = 0.8
	cganDropoutRate       = 0.4
)

// Generator implements Architecture.
func (m *CGAN) Generator(ctx *context.Context, noise, labels *Node) *Node {
	batchSize, latentDim := noise.Shape().Dimensions[0], noise.Shape().Dimensions[1]
	labelEmbedding := layers.Embedding(ctx.In("label_embedding"), labels, noise.DType(), m.NumClasses, latentDim)
	labelEmbedding = Reshape(labelEmbedding, batchSize, latentDim)
	x := Mul(noise, labelEmbedding)

	for layerIdx, dim := range cganGeneratorDims {
		layerCtx := ctx.Inf("%03d_dense", layerIdx)
		x = layers.Dense(layerCtx, x, true, dim)
		x = activations.LeakyReluWithAlpha(x, leakyReluAlpha)
		x = batchnorm.New(layerCtx, x, -1).Momentum(cganBatchNormMomentum).Done()
	}
	x = layers.Dense(ctx.In("readout"), x, true, m.Height*m.Width)
	x = Tanh(x)
	x = Reshape(x, batchSize, m.Height, m.Width, 1)
	return x
}

// Discriminator implements Architecture.
func (m *CGAN) Discriminator(ctx *context.Context, images, labels *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	imageSize := m.Height * m.Width
	images.AssertDims(batchSize, m.Height, m.Width, 1)
	flat := Reshape(images, batchSize, imageSize)
	labelEmbedding := layers.Embedding(ctx.In("label_embedding"), labels, images.DType(), m.NumClasses, imageSize)
	labelEmbedding = Reshape(labelEmbedding, batchSize, imageSize)
	x := Mul(flat, labelEmbedding)

	for layerIdx, dim := range cganDiscriminatorDims {
		layerCtx := ctx.Inf("%03d_dense", layerIdx)
		x = layers.Dense(layerCtx, x, true, dim)
		x = activations.LeakyReluWithAlpha(x, leakyReluAlpha)
		if layerIdx > 0 {
			x = layers.DropoutStatic(layerCtx, x, cganDropoutRate)
		}
	}
	logits := layers.Dense(ctx.In("readout"), x, true, 1)
	logits.AssertDims(batchSize, 1)
	return logits
}

type cganArtifacts struct{}

func (cganArtifacts) SampleFile(epoch int) string {
	return fmt.Sprintf("images/%d.png", epoch)
}

func (cganArtifacts) RealSamplesFile() string {
	return "images/real.png"
}

func (cganArtifacts) WeightsFile(role string, epoch int) string {
	return fmt.Sprintf("saved_model/%s_%d.npz", role, epoch)
}

func (cganArtifacts) LossPlotFile(epoch int) string {
	return fmt.Sprintf("images/loss_%d.png", epoch)
}

func (cganArtifacts) GeneratedFile(class int, labelName string, round, _ int) string {
	return fmt.Sprintf("%d_%s_%d.png", class, labelName, round)
}

func (cganArtifacts) GeneratedGridFile(round int) string {
	return fmt.Sprintf("grid_%d.png", round)
}
