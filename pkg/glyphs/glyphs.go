// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package glyphs loads labeled datasets of handwritten character glyphs and samples
// mini-batches from them as tensors ready to be fed to a GAN.
//
// A Dataset holds N grayscale rasters, all with the same height and width, stored as uint8
// values, and one integer class label per raster. Datasets can be read from pickled Python
// lists of `(image, label)` tuples (see LoadPickle) or from numpy `.npz` archives (see LoadNpz).
package glyphs

import (
	"image"
	"image/color"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Dataset of glyph images and their labels.
//
// Images are kept in a single flat slice shaped `[N, Height, Width]`.
type Dataset struct {
	// Name of the dataset, usually the base name of the file it was loaded from.
	Name string

	Height, Width int

	// NumClasses is the size of the label vocabulary: all labels are in [0, NumClasses).
	NumClasses int

	pixels []uint8
	labels []int32
}

// Glyph is a single grayscale raster of the dataset. It implements image.Image.
type Glyph struct {
	Width, Height int
	Pix           []uint8
}

var _ image.Image = (*Glyph)(nil)

// ColorModel implements the image.Image interface.
func (g *Glyph) ColorModel() color.Model {
	return color.GrayModel
}

// Bounds implements the image.Image interface.
func (g *Glyph) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.Width, g.Height)
}

// At implements the image.Image interface.
func (g *Glyph) At(x, y int) color.Color {
	return color.Gray{Y: g.Pix[y*g.Width+x]}
}

// New creates a Dataset from the flat pixels (shaped `[N, height, width]`) and labels.
//
// If numClasses is 0, it is set to the largest label + 1.
// It returns an error if the pixels don't match the number of labels and the given spatial dimensions,
// or if any label is out of the range [0, numClasses).
func New(name string, height, width int, pixels []uint8, labels []int32, numClasses int) (*Dataset, error) {
	ds := &Dataset{
		Name:       name,
		Height:     height,
		Width:      width,
		NumClasses: numClasses,
		pixels:     pixels,
		labels:     labels,
	}
	if ds.NumClasses == 0 {
		for _, label := range labels {
			ds.NumClasses = max(ds.NumClasses, int(label)+1)
		}
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Validate checks the dataset invariants: all images share the same spatial dimensions, and labels
// lie in [0, NumClasses).
func (ds *Dataset) Validate() error {
	if ds.Height <= 0 || ds.Width <= 0 {
		return errors.Errorf("dataset %q has invalid image dimensions %dx%d", ds.Name, ds.Height, ds.Width)
	}
	if len(ds.labels) == 0 {
		return errors.Errorf("dataset %q is empty", ds.Name)
	}
	imageSize := ds.Height * ds.Width
	if len(ds.pixels) != len(ds.labels)*imageSize {
		return errors.Errorf("dataset %q has %d labels, but %d pixels don't match %d images of %dx%d",
			ds.Name, len(ds.labels), len(ds.pixels), len(ds.labels), ds.Height, ds.Width)
	}
	for ii, label := range ds.labels {
		if label < 0 || int(label) >= ds.NumClasses {
			return errors.Errorf("dataset %q example #%d has label %d, out of range [0, %d)",
				ds.Name, ii, label, ds.NumClasses)
		}
	}
	return nil
}

// SetNumClasses overrides the size of the label vocabulary. It fails if some label is out of range for the
// new value.
func (ds *Dataset) SetNumClasses(numClasses int) error {
	previous := ds.NumClasses
	ds.NumClasses = numClasses
	if err := ds.Validate(); err != nil {
		ds.NumClasses = previous
		return err
	}
	return nil
}

// Len returns the number of examples in the dataset.
func (ds *Dataset) Len() int {
	return len(ds.labels)
}

// Label of the example at index.
func (ds *Dataset) Label(index int) int {
	return int(ds.labels[index])
}

// Glyph returns the image of the example at index. The returned glyph shares the pixels with the dataset.
func (ds *Dataset) Glyph(index int) *Glyph {
	imageSize := ds.Height * ds.Width
	return &Glyph{
		Width:  ds.Width,
		Height: ds.Height,
		Pix:    ds.pixels[index*imageSize : (index+1)*imageSize],
	}
}

// Shuffle permutes the examples of the dataset in place.
func (ds *Dataset) Shuffle(rng *rand.Rand) {
	imageSize := ds.Height * ds.Width
	tmp := make([]uint8, imageSize)
	rng.Shuffle(len(ds.labels), func(i, j int) {
		ds.labels[i], ds.labels[j] = ds.labels[j], ds.labels[i]
		imgI := ds.pixels[i*imageSize : (i+1)*imageSize]
		imgJ := ds.pixels[j*imageSize : (j+1)*imageSize]
		copy(tmp, imgI)
		copy(imgI, imgJ)
		copy(imgJ, tmp)
	})
}

// Sample draws n examples uniformly at random, with replacement.
//
// It returns the images as a float32 tensor shaped `[n, Height, Width, 1]` with values rescaled from [0, 255]
// to [-1, 1], and the labels as an int32 tensor shaped `[n, 1]`.
func (ds *Dataset) Sample(rng *rand.Rand, n int) (images, labels *tensors.Tensor) {
	imageSize := ds.Height * ds.Width
	flatImages := make([]float32, n*imageSize)
	flatLabels := make([]int32, n)
	for ii := range n {
		idx := rng.IntN(len(ds.labels))
		flatLabels[ii] = ds.labels[idx]
		src := ds.pixels[idx*imageSize : (idx+1)*imageSize]
		dst := flatImages[ii*imageSize : (ii+1)*imageSize]
		for jj, v := range src {
			dst[jj] = (float32(v) - 127.5) / 127.5
		}
	}
	images = tensors.FromFlatDataAndDimensions(flatImages, n, ds.Height, ds.Width, 1)
	labels = tensors.FromFlatDataAndDimensions(flatLabels, n, 1)
	return
}

// Load a dataset from the given path, choosing the format by the file extension:
// ".pkl" or ".pickle" for pickled Python lists of `(image, label)` tuples, and ".npz" for numpy archives.
func Load(path string) (*Dataset, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pkl", ".pickle":
		return LoadPickle(path)
	case ".npz":
		return LoadNpz(path)
	default:
		return nil, errors.Errorf("unknown dataset format %q for file %q, expected .pkl, .pickle or .npz", ext, path)
	}
}

// datasetName derives a dataset name from its file path.
func datasetName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
