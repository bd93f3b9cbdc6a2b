package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // Register BMP format decoder
	_ "golang.org/x/image/webp" // Register WebP format decoder
)

// ErrUnsupportedFormat is returned when an output format has no encoder.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// LosslessThreshold is the quality below which encoders that have a
// lossless mode switch to it.
const LosslessThreshold = 90

// NormalizeFormat maps an extension or format name to the canonical encoder
// name: "jpeg", "png", "gif" or "webp". A leading dot is ignored.
func NormalizeFormat(name string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "jpg", "jpeg":
		return "jpeg", nil
	case "png":
		return "png", nil
	case "gif":
		return "gif", nil
	case "webp":
		return "webp", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Open decodes the image at path. The decoder is chosen from the file
// signature; the extension is ignored. EXIF orientation is applied.
//
// # Errors
//
//   - wraps ErrNotFound if the file does not exist
//   - wraps ErrUnsupportedInput if the contents are not a decodable image
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedInput, path, err)
	}
	return img, nil
}

// Probe reads the dimensions and format of the image at path from its
// header without decoding the pixels. Errors wrap ErrNotFound or
// ErrUnsupportedInput like Open.
func Probe(path string) (image.Config, string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return image.Config{}, "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return image.Config{}, "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, "", fmt.Errorf("%w: %s: %v", ErrUnsupportedInput, path, err)
	}
	return cfg, format, nil
}

// EncodeOptions controls Encode.
type EncodeOptions struct {
	// Quality is 1-100. JPEG uses it directly; PNG switches to best
	// compression below LosslessThreshold. WebP output is always lossless.
	Quality int

	// Background fills transparent pixels when encoding to a format without
	// an alpha channel. Nil means white.
	Background color.Color
}

// Encode writes img to w in the given format (see NormalizeFormat).
func Encode(w io.Writer, img image.Image, format string, opts EncodeOptions) error {
	f, err := NormalizeFormat(format)
	if err != nil {
		return err
	}

	switch f {
	case "jpeg":
		bg := opts.Background
		if bg == nil {
			bg = color.White
		}
		return imaging.Encode(w, Flatten(img, bg), imaging.JPEG, imaging.JPEGQuality(clampQuality(opts.Quality)))
	case "png":
		level := png.DefaultCompression
		if opts.Quality < LosslessThreshold {
			level = png.BestCompression
		}
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(level))
	case "gif":
		return imaging.Encode(w, img, imaging.GIF, imaging.GIFNumColors(256))
	default:
		return nativewebp.Encode(w, img, nil)
	}
}

// Save encodes img into the file at path, creating or truncating it.
func Save(path string, img image.Image, format string, opts EncodeOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := Encode(f, img, format, opts); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}
