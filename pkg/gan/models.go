// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gan implements two generative adversarial networks for handwritten glyphs: a conditional GAN (CGAN),
// where both models receive the class label, and an unconditional convolutional DCGAN.
//
// The generator and the discriminator live in separate scopes of the same context (see GeneratorScope and
// DiscriminatorScope). Trainer compiles the graphs to train each of them, and Loop alternates the updates,
// periodically writing sample grids and exporting the weights of both models.
package gan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// GeneratorScope is the context scope holding the generator variables.
	GeneratorScope = "generator"

	// DiscriminatorScope is the context scope holding the discriminator variables.
	DiscriminatorScope = "discriminator"

	// OptimizersScope holds one sub-scope per role with the state of its optimizer.
	OptimizersScope = "optimizers"
)

// Roles are the two adversarial models, named after their scopes.
var Roles = []string{GeneratorScope, DiscriminatorScope}

// Architecture defines the generator and discriminator models of a GAN.
type Architecture interface {
	// Name of the architecture, as accepted by NewArchitecture.
	Name() string

	// Conditional returns whether the models use the labels.
	Conditional() bool

	// Generator maps noise shaped `[batch, latent_dim]` and labels shaped `[batch, 1]` (int32) to images shaped
	// `[batch, height, width, 1]` with values in [-1, 1].
	// Unconditional architectures ignore the labels.
	Generator(ctx *context.Context, noise, labels *Node) *Node

	// Discriminator maps images shaped `[batch, height, width, 1]` and labels shaped `[batch, 1]` to the
	// logits of the probability of the images being real, shaped `[batch, 1]`.
	// Unconditional architectures ignore the labels.
	Discriminator(ctx *context.Context, images, labels *Node) *Node

	// Artifacts returns the naming of the files written during training and generation.
	Artifacts() Artifacts
}

// Architecture names accepted by NewArchitecture.
const (
	CGANName  = "cgan"
	DCGANName = "dcgan"
)

// NewArchitecture returns the architecture with the given name, for images of the given dimensions.
// numClasses is only used by conditional architectures.
func NewArchitecture(name string, height, width, numClasses int) (Architecture, error) {
	switch name {
	case CGANName:
		if numClasses <= 0 {
			return nil, errors.Errorf("architecture %q requires num_classes > 0, got %d", name, numClasses)
		}
		return &CGAN{Height: height, Width: width, NumClasses: numClasses}, nil
	case DCGANName:
		if height%4 != 0 || width%4 != 0 {
			return nil, errors.Errorf("architecture %q requires image dimensions divisible by 4, got %dx%d",
				name, height, width)
		}
		return &DCGAN{Height: height, Width: width}, nil
	default:
		return nil, errors.Errorf("unknown GAN architecture %q, valid values are %q and %q", name, CGANName, DCGANName)
	}
}

// upSample2x doubles the spatial dimensions of x, shaped `[batch, height, width, channels]`, repeating each
// pixel in a 2x2 block (nearest neighbour).
func upSample2x(x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batchSize, height, 1, width, 1, channels)
	x = BroadcastToDims(x, batchSize, height, 2, width, 2, channels)
	return Reshape(x, batchSize, 2*height, 2*width, channels)
}
