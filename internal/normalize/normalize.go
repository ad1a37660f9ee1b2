// Package normalize turns face crops into fixed-size grayscale tiles.
package normalize

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
)

// TileSize is the side length of every tile, in pixels.
const TileSize = 128

// Normalize converts img to a TileSize x TileSize single-channel tile using a
// Lanczos resampling filter. It returns nil for a nil or empty input.
// The same input always yields the same pixels.
func Normalize(img image.Image) *image.Gray {
	if img == nil || img.Bounds().Empty() {
		return nil
	}

	gray := imaging.Grayscale(img)
	resized := imaging.Resize(gray, TileSize, TileSize, imaging.Lanczos)

	// imaging works in NRGBA; copy into a Gray so the tile really has one channel.
	tile := image.NewGray(image.Rect(0, 0, TileSize, TileSize))
	draw.Draw(tile, tile.Bounds(), resized, resized.Bounds().Min, draw.Src)
	return tile
}
