package imaging

import (
	"image"
	"math"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"
)

// DefaultBlurFactor is the number of halvings used by BlurMultiPass.
const DefaultBlurFactor = 3

// smoothingRadius is the Gaussian radius applied after every pass.
const smoothingRadius = 1.0

// BlurMultiPass approximates a strong blur with a cascade of cheap passes.
//
// The image is first shrunk to 1/2^factor of its size, then grown back one
// power of two at a time with a small Gaussian smoothing after each step.
// A final resize restores the original dimensions and is smoothed once more.
// The result always has the same bounds size as img.
//
// A factor below 1 returns an unblurred copy.
func BlurMultiPass(img image.Image, factor int) *image.NRGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if factor < 1 || width == 0 || height == 0 {
		return imaging.Clone(img)
	}

	scale := math.Pow(0.5, float64(factor))
	smallestW := int(math.Ceil(float64(width) * scale))
	smallestH := int(math.Ceil(float64(height) * scale))

	prev := img
	for i := 0; i < factor; i++ {
		next := imaging.Resize(prev, smallestW<<i, smallestH<<i, imaging.Linear)
		prev = blur.Gaussian(next, smoothingRadius)
	}

	restored := imaging.Resize(prev, width, height, imaging.Linear)
	return imaging.Clone(blur.Gaussian(restored, smoothingRadius))
}
