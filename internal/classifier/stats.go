package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// DefaultMaxImagePixels caps width*height of an image before it is decoded.
const DefaultMaxImagePixels = 40_000_000

var ErrImageTooLarge = errors.New("image exceeds pixel limit")

// decode checks the header dimensions against maxPixels before decoding any
// pixel data. A non-positive maxPixels means DefaultMaxImagePixels.
func decode(data []byte, maxPixels int) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxImagePixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d > %d", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

type imageStats struct {
	Brightness float64
	Variance   float64
}

// computeStats returns mean and population variance over every channel
// intensity (0-255). Gray images contribute one channel, everything else
// contributes R, G and B; alpha is ignored and paletted images contribute
// their palette colours, not indices.
func computeStats(img image.Image) imageStats {
	var sum, sumSq, n float64
	add := func(v float64) {
		sum += v
		sumSq += v * v
		n++
	}

	b := img.Bounds()
	switch g := img.(type) {
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				add(float64(g.GrayAt(x, y).Y))
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				add(float64(c.R))
				add(float64(c.G))
				add(float64(c.B))
			}
		}
	}

	if n == 0 {
		return imageStats{}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return imageStats{Brightness: mean, Variance: variance}
}

// luma converts img to a row-major grayscale plane using ITU-R 601 weights.
func luma(img image.Image) (plane []float64, w, h int) {
	b := img.Bounds()
	w, h = b.Dx(), b.Dy()
	plane = make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			plane[y*w+x] = 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
		}
	}
	return plane, w, h
}
