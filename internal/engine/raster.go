package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"

	imgproc "github.com/disintegration/imaging"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

// Raster transforms decoded pixel buffers in process.
//
// Decoding is dispatched by file signature. Resampling uses Lanczos. Blur
// is the multi-pass approximation of imaging.BlurMultiPass; its strength
// comes from the blur factor, not from the radius and sigma arguments.
type Raster struct {
	blurFactor int
	background color.Color
}

type rasterHandle struct {
	path string
	img  image.Image
}

func (h *rasterHandle) Path() string { return h.path }

func (h *rasterHandle) Width() int {
	if h.img == nil {
		return 0
	}
	return h.img.Bounds().Dx()
}

func (h *rasterHandle) Height() int {
	if h.img == nil {
		return 0
	}
	return h.img.Bounds().Dy()
}

func (h *rasterHandle) Release() { h.img = nil }

// NewRaster returns a raster engine. A blurFactor below 1 selects
// imaging.DefaultBlurFactor; a nil background means white.
func NewRaster(blurFactor int, background color.Color) *Raster {
	if blurFactor < 1 {
		blurFactor = imaging.DefaultBlurFactor
	}
	if background == nil {
		background = color.White
	}
	return &Raster{blurFactor: blurFactor, background: background}
}

func (r *Raster) Name() string { return BackendRaster }

func (r *Raster) Open(ctx context.Context, path string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, err
	}
	return &rasterHandle{path: path, img: img}, nil
}

func (r *Raster) ResizeToWidth(h Handle, width int) error {
	rh, err := r.handle(h)
	if err != nil {
		return err
	}
	if width <= 0 {
		return backendError("resize", fmt.Errorf("invalid width %d", width))
	}
	height := imaging.ProportionalHeight(rh.Width(), rh.Height(), width)
	if err := checkArea("resize", width, height); err != nil {
		return err
	}
	rh.img = imgproc.Resize(rh.img, width, height, imgproc.Lanczos)
	return nil
}

func (r *Raster) ResizeToHeight(h Handle, height int) error {
	rh, err := r.handle(h)
	if err != nil {
		return err
	}
	if height <= 0 {
		return backendError("resize", fmt.Errorf("invalid height %d", height))
	}
	width := imaging.ProportionalWidth(rh.Width(), rh.Height(), height)
	if err := checkArea("resize", width, height); err != nil {
		return err
	}
	rh.img = imgproc.Resize(rh.img, width, height, imgproc.Lanczos)
	return nil
}

func (r *Raster) Crop(h Handle, width, height int, anchor imaging.Anchor) error {
	rh, err := r.handle(h)
	if err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return backendError("crop", fmt.Errorf("invalid size %dx%d", width, height))
	}
	coverW, coverH := imaging.CoverSize(rh.Width(), rh.Height(), width, height)
	if err := checkArea("crop", coverW, coverH); err != nil {
		return err
	}
	rh.img = imgproc.Fill(rh.img, width, height, anchor.Filter(), imgproc.Lanczos)
	return nil
}

func (r *Raster) Blur(h Handle, radius, sigma float64) error {
	rh, err := r.handle(h)
	if err != nil {
		return err
	}
	rh.img = imaging.BlurMultiPass(rh.img, r.blurFactor)
	return nil
}

func (r *Raster) Save(ctx context.Context, h Handle, dest string, quality int) error {
	rh, err := r.handle(h)
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
	opts := imaging.EncodeOptions{Quality: quality, Background: r.background}
	if err := imaging.Save(dest, rh.img, format, opts); err != nil {
		return backendError("save", err)
	}
	return nil
}

func (r *Raster) handle(h Handle) (*rasterHandle, error) {
	rh, ok := h.(*rasterHandle)
	if !ok || rh == nil {
		return nil, backendError("use handle", fmt.Errorf("handle %T was not opened by the raster engine", h))
	}
	if rh.img == nil {
		return nil, backendError("use handle", fmt.Errorf("handle for %s was released", rh.path))
	}
	return rh, nil
}
