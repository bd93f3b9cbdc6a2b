// Package engine implements the transform backends of the image proxy.
//
// Every backend satisfies the same Engine contract: open a source, resize
// proportionally or cover-crop to an exact size, blur, and save to a
// destination whose extension selects the output format. Three variants
// exist:
//
//   - Raster works on decoded pixel buffers in pure Go.
//   - Vips delegates to libvips through govips (build tag "vips").
//   - External drives the imageflow command-line tool.
//
// The backend is chosen once with New. Callers never branch on the
// concrete type afterwards.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"strings"
	"time"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

var (
	// ErrBackendFailure wraps resize, crop, blur and save failures.
	ErrBackendFailure = errors.New("backend failure")

	// ErrExternalProcess is returned when the external tool exits with an
	// error, times out, or does not produce the destination file.
	ErrExternalProcess = errors.New("external process failure")

	// ErrBackendUnavailable is returned by New for a backend that was not
	// compiled into the binary.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUnknownBackend is returned by New for an unrecognised backend name.
	ErrUnknownBackend = errors.New("unknown backend")
)

// Backend names.
const (
	BackendRaster   = "raster"
	BackendVips     = "vips"
	BackendExternal = "external"
)

// Handle is an opened source image owned by the engine that opened it.
//
// Width and Height report the dimensions the image will have when saved.
// Release frees backend resources and is safe to call more than once.
type Handle interface {
	Path() string
	Width() int
	Height() int
	Release()
}

// Engine is the transform capability contract shared by all backends.
//
// Handles must only be passed back to the engine that created them.
// Open fails with an error wrapping imaging.ErrNotFound or
// imaging.ErrUnsupportedInput. Save picks the output format from the
// extension of dest and fails with imaging.ErrUnsupportedFormat for
// extensions it cannot write.
type Engine interface {
	Name() string
	Open(ctx context.Context, path string) (Handle, error)
	ResizeToWidth(h Handle, width int) error
	ResizeToHeight(h Handle, height int) error
	Crop(h Handle, width, height int, anchor imaging.Anchor) error
	Blur(h Handle, radius, sigma float64) error
	Save(ctx context.Context, h Handle, dest string, quality int) error
}

// Options configures New.
type Options struct {
	// Backend is one of "raster", "vips", "external" or the aliases
	// "gd", "imagick" and "imageflow".
	Backend string

	// BlurFactor is the number of halvings of the raster blur.
	BlurFactor int

	// Background fills transparency when writing JPEG. Nil means white.
	Background color.Color

	// ExternalTool is the imageflow_tool binary.
	ExternalTool string

	// ExternalTimeout bounds one tool invocation.
	ExternalTimeout time.Duration

	// Runner executes the external tool. Nil uses ExecRunner.
	Runner Runner

	// VipsConcurrency is the libvips worker thread count (0 = auto).
	VipsConcurrency int

	Logger *slog.Logger
}

// CanonicalName maps a backend name or alias to its canonical name.
func CanonicalName(backend string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendRaster, "gd":
		return BackendRaster, nil
	case BackendVips, "imagick":
		return BackendVips, nil
	case BackendExternal, "imageflow":
		return BackendExternal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// New builds the engine selected by opts.Backend.
func New(opts Options) (Engine, error) {
	name, err := CanonicalName(opts.Backend)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	switch name {
	case BackendVips:
		return newVips(opts)
	case BackendExternal:
		return NewExternal(opts), nil
	default:
		return NewRaster(opts.BlurFactor, opts.Background), nil
	}
}

func backendError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrBackendFailure, op, err)
}

// MaxOutputPixels bounds the area of every image an engine produces,
// including the cover size of a crop.
const MaxOutputPixels = 100_000_000

func checkArea(op string, width, height int) error {
	if float64(width)*float64(height) > MaxOutputPixels {
		return backendError(op, fmt.Errorf("%dx%d exceeds %d pixels", width, height, MaxOutputPixels))
	}
	return nil
}
