// Package tile splits packed pixel buffers into padded tiles and puts
// blurred tiles back together.
//
// A tile padded by effects.Padding(plan) pixels on every side (clamped to
// the image) carries every sample the plan's blurs read for the tile's own
// pixels. Blurring the padded tile and cropping it therefore reproduces the
// whole-image result exactly.
package tile

import (
	"fmt"

	"go-stackblur/pkg/common"
	"go-stackblur/pkg/effects"
)

// Rect is a rectangle in image pixel coordinates.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Grid lists the tiles covering a width x height image in row-major order.
// Tiles on the right and bottom edges are cut to the image.
func Grid(width, height, size int) []Rect {
	if size <= 0 {
		size = common.DefaultTileSize
	}

	var rects []Rect
	for y := 0; y < height; y += size {
		for x := 0; x < width; x += size {
			rects = append(rects, Rect{
				X:      x,
				Y:      y,
				Width:  min(size, width-x),
				Height: min(size, height-y),
			})
		}
	}
	return rects
}

// Count returns len(Grid(width, height, size)) without building the grid.
func Count(width, height, size int) int {
	if size <= 0 {
		size = common.DefaultTileSize
	}
	return ((width + size - 1) / size) * ((height + size - 1) / size)
}

// Extract copies r grown by padding on every side, clamped to the image.
func Extract(pixels []uint32, width, height int, r Rect, padding int) (data []uint32, pad Rect) {
	startX := max(0, r.X-padding)
	startY := max(0, r.Y-padding)
	endX := min(width, r.X+r.Width+padding)
	endY := min(height, r.Y+r.Height+padding)

	pad = Rect{X: startX, Y: startY, Width: endX - startX, Height: endY - startY}
	data = make([]uint32, pad.Width*pad.Height)
	for y := 0; y < pad.Height; y++ {
		src := (startY+y)*width + startX
		copy(data[y*pad.Width:(y+1)*pad.Width], pixels[src:src+pad.Width])
	}
	return data, pad
}

// Crop returns the pixels of r from data, which covers pad.
func Crop(data []uint32, pad, r Rect) []uint32 {
	out := make([]uint32, r.Width*r.Height)
	offX := r.X - pad.X
	offY := r.Y - pad.Y
	for y := 0; y < r.Height; y++ {
		src := (offY+y)*pad.Width + offX
		copy(out[y*r.Width:(y+1)*r.Width], data[src:src+r.Width])
	}
	return out
}

// Paste writes data, covering r, into the width-wide buffer dst.
func Paste(dst []uint32, width int, r Rect, data []uint32) {
	for y := 0; y < r.Height; y++ {
		off := (r.Y+y)*width + r.X
		copy(dst[off:off+r.Width], data[y*r.Width:(y+1)*r.Width])
	}
}

// Split builds one padded tile job per grid cell of the image.
func Split(imageID int, pixels []uint32, width, height, size int, radii []int) ([]*common.ImageTile, error) {
	if width <= 0 || height <= 0 || len(pixels) != width*height {
		return nil, fmt.Errorf("split image %d: buffer of %d pixels for %dx%d image", imageID, len(pixels), width, height)
	}

	padding := effects.Padding(radii)
	grid := Grid(width, height, size)
	tiles := make([]*common.ImageTile, 0, len(grid))

	for id, r := range grid {
		data, pad := Extract(pixels, width, height, r, padding)
		tiles = append(tiles, &common.ImageTile{
			ImageID:   imageID,
			TileID:    id,
			X:         r.X,
			Y:         r.Y,
			Width:     r.Width,
			Height:    r.Height,
			PadX:      pad.X,
			PadY:      pad.Y,
			PadWidth:  pad.Width,
			PadHeight: pad.Height,
			Data:      data,
			Radii:     radii,
		})
	}
	return tiles, nil
}

// Process blurs a padded tile with its radius plan and crops the padding.
func Process(t *common.ImageTile) (*common.ProcessedImageTile, error) {
	blurred, err := effects.ApplyPlan(t.Data, t.PadWidth, t.PadHeight, t.Radii)
	if err != nil {
		return nil, fmt.Errorf("tile %d of image %d: %w", t.TileID, t.ImageID, err)
	}

	r := Rect{X: t.X, Y: t.Y, Width: t.Width, Height: t.Height}
	pad := Rect{X: t.PadX, Y: t.PadY, Width: t.PadWidth, Height: t.PadHeight}

	return &common.ProcessedImageTile{
		ImageID: t.ImageID,
		TileID:  t.TileID,
		X:       t.X,
		Y:       t.Y,
		Width:   t.Width,
		Height:  t.Height,
		Data:    Crop(blurred, pad, r),
	}, nil
}

// PasteProcessed writes a processed tile into dst, a width-wide buffer.
// It rejects tiles that fall outside the buffer or carry the wrong number
// of pixels.
func PasteProcessed(dst []uint32, width, height int, t *common.ProcessedImageTile) error {
	if t.X < 0 || t.Y < 0 || t.X+t.Width > width || t.Y+t.Height > height {
		return fmt.Errorf("tile %d at (%d,%d) %dx%d outside %dx%d image", t.TileID, t.X, t.Y, t.Width, t.Height, width, height)
	}
	if len(t.Data) != t.Width*t.Height {
		return fmt.Errorf("tile %d carries %d pixels, want %d", t.TileID, len(t.Data), t.Width*t.Height)
	}
	Paste(dst, width, Rect{X: t.X, Y: t.Y, Width: t.Width, Height: t.Height}, t.Data)
	return nil
}
