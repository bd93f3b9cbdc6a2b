package proxy

import (
	"image"
	"strconv"
)

func itoa(n int) string { return strconv.Itoa(n) }

// edgeEnergy is the mean absolute blue-channel difference between
// horizontal neighbours.
func edgeEnergy(img image.Image) float64 {
	b := img.Bounds()
	var sum float64
	var n int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X + 1; x < b.Max.X; x++ {
			_, _, b1, _ := img.At(x-1, y).RGBA()
			_, _, b2, _ := img.At(x, y).RGBA()
			d := float64(b1>>8) - float64(b2>>8)
			if d < 0 {
				d = -d
			}
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
