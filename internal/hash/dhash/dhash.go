// Package dhash implements the perceptual difference hash used to fingerprint
// static images.
package dhash

import (
	"encoding/hex"
	"fmt"
	"image"
	"io"

	// Decoders registered for image.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	gridWidth  = 9
	gridHeight = 8
)

// Hash returns the 64-bit difference hash of img as 16 lowercase hex chars.
//
// The image is converted to greyscale, scaled to a 9x8 grid, and each pixel
// is compared with its right neighbour. Bit i of the result lives in byte
// i/8 at position i%8.
func Hash(img image.Image) string {
	bounds := img.Bounds()
	grey := image.NewGray(bounds)
	draw.Draw(grey, bounds, img, bounds.Min, draw.Src)

	grid := image.NewGray(image.Rect(0, 0, gridWidth, gridHeight))
	draw.CatmullRom.Scale(grid, grid.Bounds(), grey, bounds, draw.Src, nil)

	var packed [gridHeight]byte
	index := 0
	for y := 0; y < gridHeight; y++ {
		for x := 0; x < gridWidth-1; x++ {
			left := grid.GrayAt(x, y).Y
			right := grid.GrayAt(x+1, y).Y
			if left > right {
				packed[index/8] |= 1 << (index % 8)
			}
			index++
		}
	}
	return hex.EncodeToString(packed[:])
}

// FromReader decodes an image from r and hashes it.
func FromReader(r io.Reader) (string, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return Hash(img), nil
}
