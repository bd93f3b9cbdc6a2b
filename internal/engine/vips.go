//go:build vips

package engine

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

var vipsStartup sync.Once

// Vips transforms images with libvips.
//
// Resizes use the Lanczos3 kernel. Crop resizes to cover the target and
// extracts the anchored area. Blur is a true Gaussian.
type Vips struct {
	background vips.Color
}

type vipsHandle struct {
	path string
	ref  *vips.ImageRef
}

func (h *vipsHandle) Path() string { return h.path }

func (h *vipsHandle) Width() int {
	if h.ref == nil {
		return 0
	}
	return h.ref.Width()
}

func (h *vipsHandle) Height() int {
	if h.ref == nil {
		return 0
	}
	return h.ref.Height()
}

func (h *vipsHandle) Release() {
	if h.ref != nil {
		h.ref.Close()
		h.ref = nil
	}
}

func newVips(opts Options) (Engine, error) {
	vipsStartup.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: opts.VipsConcurrency,
			MaxCacheSize:     100,
			MaxCacheMem:      50 * 1024 * 1024,
		})
		opts.Logger.Info("libvips started", "version", vips.Version)
	})

	bg := opts.Background
	if bg == nil {
		bg = color.White
	}
	r, g, b, _ := bg.RGBA()
	return &Vips{background: vips.Color{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8)}}, nil
}

func (v *Vips) Name() string { return BackendVips }

// Close shuts libvips down. The engine must not be used afterwards.
func (v *Vips) Close() error {
	vips.Shutdown()
	return nil
}

func (v *Vips) Open(ctx context.Context, path string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", imaging.ErrNotFound, path)
	}
	ref, err := vips.NewImageFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", imaging.ErrUnsupportedInput, path, err)
	}
	if err := ref.AutoRotate(); err != nil {
		ref.Close()
		return nil, backendError("autorotate", err)
	}
	return &vipsHandle{path: path, ref: ref}, nil
}

func (v *Vips) ResizeToWidth(h Handle, width int) error {
	vh, err := v.handle(h)
	if err != nil {
		return err
	}
	if width <= 0 {
		return backendError("resize", fmt.Errorf("invalid width %d", width))
	}
	height := imaging.ProportionalHeight(vh.Width(), vh.Height(), width)
	return v.resize(vh, width, height)
}

func (v *Vips) ResizeToHeight(h Handle, height int) error {
	vh, err := v.handle(h)
	if err != nil {
		return err
	}
	if height <= 0 {
		return backendError("resize", fmt.Errorf("invalid height %d", height))
	}
	width := imaging.ProportionalWidth(vh.Width(), vh.Height(), height)
	return v.resize(vh, width, height)
}

func (v *Vips) Crop(h Handle, width, height int, anchor imaging.Anchor) error {
	vh, err := v.handle(h)
	if err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return backendError("crop", fmt.Errorf("invalid size %dx%d", width, height))
	}
	coverW, coverH := imaging.CoverSize(vh.Width(), vh.Height(), width, height)
	if err := checkArea("crop", coverW, coverH); err != nil {
		return err
	}
	if err := v.resize(vh, coverW, coverH); err != nil {
		return err
	}
	// libvips rounds the scaled size and may come up a pixel short.
	if vh.Width() < width || vh.Height() < height {
		if err := v.resize(vh, max(vh.Width(), width), max(vh.Height(), height)); err != nil {
			return err
		}
	}
	off := anchor.Offset(vh.Width(), vh.Height(), width, height)
	if err := vh.ref.ExtractArea(off.X, off.Y, width, height); err != nil {
		return backendError("crop", err)
	}
	return nil
}

// Blur applies a Gaussian of the given sigma. The mask is cut where the
// curve falls below its value at radius.
func (v *Vips) Blur(h Handle, radius, sigma float64) error {
	vh, err := v.handle(h)
	if err != nil {
		return err
	}
	if sigma <= 0 {
		return backendError("blur", fmt.Errorf("invalid sigma %g", sigma))
	}
	minAmpl := 0.2
	if radius > 0 {
		minAmpl = math.Exp(-(radius * radius) / (2 * sigma * sigma))
	}
	if err := vh.ref.GaussianBlur(sigma, minAmpl); err != nil {
		return backendError("blur", err)
	}
	return nil
}

func (v *Vips) Save(ctx context.Context, h Handle, dest string, quality int) error {
	vh, err := v.handle(h)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	format, err := imaging.NormalizeFormat(filepath.Ext(dest))
	if err != nil {
		return err
	}

	var buf []byte
	switch format {
	case "jpeg":
		if vh.ref.HasAlpha() {
			if err := vh.ref.Flatten(&v.background); err != nil {
				return backendError("flatten", err)
			}
		}
		p := vips.NewJpegExportParams()
		p.Quality = quality
		p.Interlace = true
		buf, _, err = vh.ref.ExportJpeg(p)
	case "png":
		p := vips.NewPngExportParams()
		p.Compression = 6
		if quality < imaging.LosslessThreshold {
			p.Compression = 9
		}
		buf, _, err = vh.ref.ExportPng(p)
	case "gif":
		buf, _, err = vh.ref.ExportGIF(vips.NewGifExportParams())
	default:
		p := vips.NewWebpExportParams()
		p.Quality = quality
		p.Lossless = quality < imaging.LosslessThreshold
		buf, _, err = vh.ref.ExportWebp(p)
	}
	if err != nil {
		return backendError("export "+format, err)
	}

	if err := os.WriteFile(dest, buf, 0o644); err != nil {
		return backendError("save", err)
	}
	return nil
}

func (v *Vips) resize(vh *vipsHandle, width, height int) error {
	if err := checkArea("resize", width, height); err != nil {
		return err
	}
	hScale := float64(width) / float64(vh.Width())
	vScale := float64(height) / float64(vh.Height())
	if err := vh.ref.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
		return backendError("resize", err)
	}
	return nil
}

func (v *Vips) handle(h Handle) (*vipsHandle, error) {
	vh, ok := h.(*vipsHandle)
	if !ok || vh == nil {
		return nil, backendError("use handle", fmt.Errorf("handle %T was not opened by the vips engine", h))
	}
	if vh.ref == nil {
		return nil, backendError("use handle", fmt.Errorf("handle for %s was released", vh.path))
	}
	return vh, nil
}
