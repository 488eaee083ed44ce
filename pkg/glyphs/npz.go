// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package glyphs

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
)

const (
	// NpzImagesKey is the name of the uint8 array shaped `[N, H, W]` (or `[N, H, W, 1]`) holding the images
	// in a `.npz` dataset.
	NpzImagesKey = "images"

	// NpzLabelsKey is the name of the integer array shaped `[N]` (or `[N, 1]`) holding the labels in a `.npz` dataset.
	NpzLabelsKey = "labels"
)

// LoadNpz loads a dataset from a numpy `.npz` archive with the arrays NpzImagesKey and NpzLabelsKey.
func LoadNpz(path string) (*Dataset, error) {
	arrays, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, err
	}
	imagesT, found := arrays[NpzImagesKey]
	if !found {
		return nil, errors.Errorf("npz dataset %q has no %q array", path, NpzImagesKey)
	}
	labelsT, found := arrays[NpzLabelsKey]
	if !found {
		return nil, errors.Errorf("npz dataset %q has no %q array", path, NpzLabelsKey)
	}

	dims := imagesT.Shape().Dimensions
	if len(dims) != 3 && !(len(dims) == 4 && dims[3] == 1) {
		return nil, errors.Errorf("npz dataset %q images shaped %s, expected [N, height, width] or [N, height, width, 1]",
			path, imagesT.Shape())
	}
	if imagesT.DType() != dtypes.Uint8 {
		return nil, errors.Errorf("npz dataset %q images have dtype %s, expected uint8", path, imagesT.DType())
	}
	if labelsT.Size() != dims[0] {
		return nil, errors.Errorf("npz dataset %q has %d images but %d labels", path, dims[0], labelsT.Size())
	}
	pixels := tensors.MustCopyFlatData[uint8](imagesT)
	labels, err := labelsToInt32(labelsT)
	if err != nil {
		return nil, errors.WithMessagef(err, "npz dataset %q", path)
	}
	return New(datasetName(path), dims[1], dims[2], pixels, labels, 0)
}

// SaveNpz writes the dataset to a numpy `.npz` archive that can be read back with LoadNpz.
func (ds *Dataset) SaveNpz(path string) error {
	pixels := make([]uint8, len(ds.pixels))
	copy(pixels, ds.pixels)
	labels := make([]int32, len(ds.labels))
	copy(labels, ds.labels)
	arrays := map[string]*tensors.Tensor{
		NpzImagesKey: tensors.FromFlatDataAndDimensions(pixels, len(labels), ds.Height, ds.Width),
		NpzLabelsKey: tensors.FromFlatDataAndDimensions(labels, len(labels)),
	}
	if err := numpy.ToNpzFile(arrays, path); err != nil {
		return errors.WithMessagef(err, "saving dataset %q", ds.Name)
	}
	return nil
}

// labelsToInt32 converts a tensor of labels of any integer dtype to int32.
func labelsToInt32(t *tensors.Tensor) ([]int32, error) {
	labels := make([]int32, t.Size())
	var err error
	convert := func(ii int, v int64) {
		if v < 0 || v > math.MaxInt32 {
			err = errors.Errorf("label #%d has invalid value %d", ii, v)
			return
		}
		labels[ii] = int32(v)
	}
	accessErr := t.ConstFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []uint8:
			for ii, v := range flat {
				convert(ii, int64(v))
			}
		case []uint16:
			for ii, v := range flat {
				convert(ii, int64(v))
			}
		case []int8:
			for ii, v := range flat {
				convert(ii, int64(v))
			}
		case []int16:
			for ii, v := range flat {
				convert(ii, int64(v))
			}
		case []int32:
			for ii, v := range flat {
				convert(ii, int64(v))
			}
		case []int64:
			for ii, v := range flat {
				convert(ii, v)
			}
		default:
			err = errors.Errorf("labels have dtype %s, expected an integer type", t.DType())
		}
	})
	if accessErr != nil {
		return nil, accessErr
	}
	return labels, err
}
