package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

// DefaultExternalTool is the imageflow command-line binary.
const DefaultExternalTool = "imageflow_tool"

// DefaultExternalTimeout bounds one tool invocation.
const DefaultExternalTimeout = 30 * time.Second

// Runner executes a command and returns what it wrote to stderr.
type Runner interface {
	Run(ctx context.Context, name string, args []string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. No shell is involved.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run executes name with args and waits for it to exit.
func (r ExecRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("executing command", "cmd", name, "args", args)

	c := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	c.Stderr = &stderr

	err := c.Run()
	return stderr.Bytes(), err
}

// External delegates transforms to imageflow_tool.
//
// Operations on a handle only record querystring instructions; Save runs
// the tool once with the accumulated list. Blur is not an imageflow
// instruction and is a no-op here.
type External struct {
	tool    string
	timeout time.Duration
	runner  Runner
}

type externalHandle struct {
	path         string
	width        int
	height       int
	instructions []string
}

func (h *externalHandle) Path() string { return h.path }
func (h *externalHandle) Width() int { return h.width }
func (h *externalHandle) Height() int { return h.height }
func (h *externalHandle) Release() { h.instructions = nil }

// NewExternal returns an external engine configured from opts.
func NewExternal(opts Options) *External {
	e := &External{
		tool:    opts.ExternalTool,
		timeout: opts.ExternalTimeout,
		runner:  opts.Runner,
	}
	if e.tool == "" {
		e.tool = DefaultExternalTool
	}
	if e.timeout <= 0 {
		e.timeout = DefaultExternalTimeout
	}
	if e.runner == nil {
		e.runner = ExecRunner{Logger: opts.Logger}
	}
	return e
}

func (e *External) Name() string { return BackendExternal }

// Open probes the source header for its dimensions. The pixels are never
// decoded in process.
func (e *External) Open(ctx context.Context, path string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, _, err := imaging.Probe(path)
	if err != nil {
		return nil, err
	}
	return &externalHandle{path: path, width: cfg.Width, height: cfg.Height}, nil
}

func (e *External) ResizeToWidth(h Handle, width int) error {
	eh, err := e.handle(h)
	if err != nil {
		return err
	}
	if width <= 0 {
		return backendError("resize", fmt.Errorf("invalid width %d", width))
	}
	height := imaging.ProportionalHeight(eh.width, eh.height, width)
	if err := checkArea("resize", width, height); err != nil {
		return err
	}
	eh.resize(width, height, "max")
	return nil
}

func (e *External) ResizeToHeight(h Handle, height int) error {
	eh, err := e.handle(h)
	if err != nil {
		return err
	}
	if height <= 0 {
		return backendError("resize", fmt.Errorf("invalid height %d", height))
	}
	width := imaging.ProportionalWidth(eh.width, eh.height, height)
	if err := checkArea("resize", width, height); err != nil {
		return err
	}
	eh.resize(width, height, "max")
	return nil
}

func (e *External) Crop(h Handle, width, height int, anchor imaging.Anchor) error {
	eh, err := e.handle(h)
	if err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return backendError("crop", fmt.Errorf("invalid size %dx%d", width, height))
	}
	coverW, coverH := imaging.CoverSize(eh.width, eh.height, width, height)
	if err := checkArea("crop", coverW, coverH); err != nil {
		return err
	}
	eh.resize(width, height, "crop")
	eh.instructions = append(eh.instructions, "anchor="+anchor.ImageflowName())
	return nil
}

func (e *External) Blur(h Handle, radius, sigma float64) error {
	_, err := e.handle(h)
	return err
}

// Save runs the tool and verifies that it exited cleanly and wrote a
// non-empty destination file.
func (e *External) Save(ctx context.Context, h Handle, dest string, quality int) error {
	eh, err := e.handle(h)
	if err != nil {
		return err
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(dest), "."))
	if _, err := imaging.NormalizeFormat(ext); err != nil {
		return err
	}

	args := []string{
		"v1/querystring", "--quiet",
		"--in", eh.path,
		"--out", dest,
		"--command", strings.Join(eh.saveInstructions(ext, quality), "&"),
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stderr, err := e.runner.Run(ctx, e.tool, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s timed out after %s", ErrExternalProcess, e.tool, e.timeout)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrExternalProcess, e.tool, err, strings.TrimSpace(string(stderr)))
	}

	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("%w: %s produced no output at %s", ErrExternalProcess, e.tool, dest)
	}
	return nil
}

func (e *External) handle(h Handle) (*externalHandle, error) {
	eh, ok := h.(*externalHandle)
	if !ok || eh == nil {
		return nil, backendError("use handle", fmt.Errorf("handle %T was not opened by the external engine", h))
	}
	return eh, nil
}

func (h *externalHandle) resize(width, height int, mode string) {
	h.instructions = append(h.instructions,
		"width="+strconv.Itoa(width),
		"height="+strconv.Itoa(height),
		"mode="+mode,
		"scale=both",
	)
	h.width, h.height = width, height
}

// saveInstructions appends the output instructions for ext to the
// recorded geometry.
func (h *externalHandle) saveInstructions(ext string, quality int) []string {
	q := strconv.Itoa(quality)
	out := append([]string(nil), h.instructions...)
	out = append(out, "format="+ext, "ignore_icc_errors=true")

	switch ext {
	case "jpg", "jpeg":
		out = append(out, "jpeg.quality="+q, "jpeg.turbo=false")
	case "png":
		out = append(out, "png.quality="+q)
		if quality < imaging.LosslessThreshold {
			out = append(out, "png.lossless=true")
		}
	case "webp":
		out = append(out, "webp.quality="+q)
		if quality < imaging.LosslessThreshold {
			out = append(out, "webp.lossless=true")
		}
	}
	return out
}
