// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samples

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whiteSquares(n, size int) []image.Image {
	images := make([]image.Image, n)
	for ii := range images {
		images[ii] = imaging.New(size, size, color.White)
	}
	return images
}

func TestGridCompose(t *testing.T) {
	images := whiteSquares(6, 4)
	canvas, err := NewGrid(2, 3).Scale(2).Spacing(1).Compose(images)
	require.NoError(t, err)
	// 3 columns of 8 pixels plus 4 spacings; 2 rows of 8 pixels plus 3 spacings.
	assert.Equal(t, 3*8+4, canvas.Bounds().Dx())
	assert.Equal(t, 2*8+3, canvas.Bounds().Dy())

	// Spacing keeps the background, tiles hold the (white) image.
	assert.Equal(t, color.NRGBA{A: 255}, canvas.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, canvas.NRGBAAt(1, 1))

	inverted, err := NewGrid(2, 3).Scale(2).Spacing(1).Invert(true).Compose(images)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, inverted.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{A: 255}, inverted.NRGBAAt(1, 1))

	_, err = NewGrid(3, 3).Compose(images)
	require.Error(t, err, "not enough images for the grid")
	_, err = NewGrid(0, 3).Compose(images)
	require.Error(t, err)
}

func TestGridCaptions(t *testing.T) {
	images := whiteSquares(2, 4)
	plain, err := NewGrid(1, 2).Compose(images)
	require.NoError(t, err)
	captioned, err := NewGrid(1, 2).Captions([]string{"char: 0", "char: 1"}).Compose(images)
	require.NoError(t, err)
	assert.Greater(t, captioned.Bounds().Dy(), plain.Bounds().Dy())
	// Tiles are widened to fit the captions.
	assert.Greater(t, captioned.Bounds().Dx(), plain.Bounds().Dx())

	empty, err := NewGrid(1, 2).Captions([]string{"", ""}).Compose(images)
	require.NoError(t, err)
	assert.Equal(t, plain.Bounds(), empty.Bounds())
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	images := whiteSquares(4, 3)
	gridPath := filepath.Join(dir, "images", "0.png")
	require.NoError(t, NewGrid(2, 2).Save(images, gridPath))
	img, err := imaging.Open(gridPath)
	require.NoError(t, err)
	assert.Equal(t, 2*6+3*2, img.Bounds().Dx())

	isolatedPath := filepath.Join(dir, "isolated", "test0.png")
	require.NoError(t, SavePNG(images[0], isolatedPath, true))
	img, err = imaging.Open(isolatedPath)
	require.NoError(t, err)
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, []uint32{0, 0, 0}, []uint32{r, g, b}, "inverted white must be black")
}
