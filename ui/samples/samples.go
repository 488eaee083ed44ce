// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package samples composes generated glyphs into grids of tiles, optionally captioned, and writes
// them as PNG files.
package samples

import (
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Grid configures the composition of images into a grid. Create it with NewGrid.
type Grid struct {
	rows, cols int
	scale      int
	spacing    int
	invert     bool
	captions   []string
	background color.Color
	foreground color.Color
}

// NewGrid creates a grid of rows x cols tiles.
// By default, tiles are scaled 2x (nearest neighbour), separated by 2 pixels, and have no captions.
func NewGrid(rows, cols int) *Grid {
	return &Grid{
		rows:       rows,
		cols:       cols,
		scale:      2,
		spacing:    2,
		background: color.Black,
		foreground: color.White,
	}
}

// Scale sets the integer factor by which each image is enlarged.
func (g *Grid) Scale(scale int) *Grid {
	g.scale = max(scale, 1)
	return g
}

// Spacing sets the number of pixels between tiles.
func (g *Grid) Spacing(spacing int) *Grid {
	g.spacing = max(spacing, 0)
	return g
}

// Invert the grayscale of the images and of the grid, so glyphs are drawn dark over a white background.
func (g *Grid) Invert(invert bool) *Grid {
	g.invert = invert
	return g
}

// Captions sets one caption per tile, drawn over the tile. Missing or empty captions are skipped.
func (g *Grid) Captions(captions []string) *Grid {
	g.captions = captions
	return g
}

// Compose the images into the grid, in row-major order.
// It returns an error if there are fewer images than tiles.
func (g *Grid) Compose(images []image.Image) (*image.NRGBA, error) {
	numTiles := g.rows * g.cols
	if numTiles <= 0 {
		return nil, errors.Errorf("invalid grid of %dx%d tiles", g.rows, g.cols)
	}
	if len(images) < numTiles {
		return nil, errors.Errorf("grid of %dx%d tiles requires %d images, got %d", g.rows, g.cols, numTiles, len(images))
	}
	bounds := images[0].Bounds()
	imgWidth, imgHeight := bounds.Dx()*g.scale, bounds.Dy()*g.scale

	face := basicfont.Face7x13
	captionHeight := 0
	tileWidth := imgWidth
	if g.hasCaptions() {
		captionHeight = face.Metrics().Height.Ceil() + 2
		drawer := &font.Drawer{Face: face}
		for _, caption := range g.captions {
			tileWidth = max(tileWidth, drawer.MeasureString(caption).Ceil()+2)
		}
	}
	tileHeight := captionHeight + imgHeight

	background, foreground := g.background, g.foreground
	if g.invert {
		background, foreground = foreground, background
	}
	width := g.cols*tileWidth + (g.cols+1)*g.spacing
	height := g.rows*tileHeight + (g.rows+1)*g.spacing
	canvas := imaging.New(width, height, background)

	drawer := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(foreground),
		Face: face,
	}
	for idx := range numTiles {
		row, col := idx/g.cols, idx%g.cols
		x0 := g.spacing + col*(tileWidth+g.spacing)
		y0 := g.spacing + row*(tileHeight+g.spacing)

		var tile image.Image = imaging.Resize(images[idx], imgWidth, imgHeight, imaging.NearestNeighbor)
		if g.invert {
			tile = imaging.Invert(tile)
		}
		canvas = imaging.Paste(canvas, tile, image.Pt(x0+(tileWidth-imgWidth)/2, y0+captionHeight))
		drawer.Dst = canvas

		if idx < len(g.captions) && g.captions[idx] != "" {
			caption := g.captions[idx]
			textWidth := drawer.MeasureString(caption).Ceil()
			drawer.Dot = fixed.P(x0+(tileWidth-textWidth)/2, y0+face.Metrics().Ascent.Ceil())
			drawer.DrawString(caption)
		}
	}
	return canvas, nil
}

func (g *Grid) hasCaptions() bool {
	for _, caption := range g.captions {
		if caption != "" {
			return true
		}
	}
	return false
}

// Save composes the images and writes the grid as a PNG file, creating the directory if needed.
func (g *Grid) Save(images []image.Image, filePath string) error {
	canvas, err := g.Compose(images)
	if err != nil {
		return errors.WithMessagef(err, "composing grid for %q", filePath)
	}
	return SavePNG(canvas, filePath, false)
}

// SavePNG writes the image as a PNG file, creating the directory if needed. If invert is set, the
// grayscale of the image is inverted first (255 - v).
func SavePNG(img image.Image, filePath string, invert bool) error {
	if invert {
		img = imaging.Invert(img)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	if err := imaging.Save(img, filePath); err != nil {
		return errors.Wrapf(err, "saving image to %q", filePath)
	}
	return nil
}
