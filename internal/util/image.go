package util

import (
	"image"
	"image/color"
	"image/draw"
)

// ConvertToRGB flattens an image onto a white background and returns it as
// an RGBA image with full opacity, matching what processors that reject
// alpha channels expect.
func ConvertToRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, bounds, img, bounds.Min, draw.Over)
	return out
}
