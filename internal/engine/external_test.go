package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

// fakeRunner records invocations and optionally writes the --out file.
type fakeRunner struct {
	calls  [][]string
	write  []byte
	stderr string
	err    error
	block  bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.write != nil {
		for i, a := range args {
			if a == "--out" && i+1 < len(args) {
				if err := os.WriteFile(args[i+1], f.write, 0o644); err != nil {
					return nil, err
				}
			}
		}
	}
	return []byte(f.stderr), f.err
}

func (f *fakeRunner) command(t *testing.T) string {
	t.Helper()
	if len(f.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(f.calls))
	}
	args := f.calls[0]
	for i, a := range args {
		if a == "--command" && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatal("no --command argument")
	return ""
}

func newTestExternal(r Runner) *External {
	return NewExternal(Options{ExternalTool: "imageflow_tool", ExternalTimeout: time.Second, Runner: r})
}

func TestExternal_ResizeToWidth(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "src.png", 800, 600)
	runner := &fakeRunner{write: []byte("png-bytes")}
	e := newTestExternal(runner)
	ctx := context.Background()

	h, err := e.Open(ctx, src)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Release()
	if err := e.ResizeToWidth(h, 400); err != nil {
		t.Fatal(err)
	}
	if h.Width() != 400 || h.Height() != 300 {
		t.Errorf("handle size: got %dx%d, want 400x300", h.Width(), h.Height())
	}

	dest := filepath.Join(dir, "out.png")
	if err := e.Save(ctx, h, dest, 100); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	args := runner.calls[0]
	wantPrefix := []string{"imageflow_tool", "v1/querystring", "--quiet", "--in", src, "--out", dest, "--command"}
	for i, want := range wantPrefix {
		if args[i] != want {
			t.Errorf("arg %d: got %q, want %q", i, args[i], want)
		}
	}

	want := "width=400&height=300&mode=max&scale=both&format=png&ignore_icc_errors=true&png.quality=100"
	if got := runner.command(t); got != want {
		t.Errorf("command:\n got %s\nwant %s", got, want)
	}
}

func TestExternal_CropInstructions(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "src.png", 200, 100)
	runner := &fakeRunner{write: []byte("jpeg-bytes")}
	e := newTestExternal(runner)
	ctx := context.Background()

	h, err := e.Open(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Crop(h, 50, 50, imaging.TopRight); err != nil {
		t.Fatal(err)
	}
	if err := e.Save(ctx, h, filepath.Join(dir, "out.jpeg"), 100); err != nil {
		t.Fatal(err)
	}

	want := "width=50&height=50&mode=crop&scale=both&anchor=topright&format=jpeg&ignore_icc_errors=true&jpeg.quality=100&jpeg.turbo=false"
	if got := runner.command(t); got != want {
		t.Errorf("command:\n got %s\nwant %s", got, want)
	}
}

func TestExternal_LosslessBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "src.png", 10, 10)
	runner := &fakeRunner{write: []byte("webp-bytes")}
	e := newTestExternal(runner)
	ctx := context.Background()

	h, err := e.Open(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Save(ctx, h, filepath.Join(dir, "out.webp"), 80); err != nil {
		t.Fatal(err)
	}
	cmd := runner.command(t)
	if !strings.HasSuffix(cmd, "webp.quality=80&webp.lossless=true") {
		t.Errorf("command should enable lossless below 90: %s", cmd)
	}
}

func TestExternal_BlurIsNoop(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{write: []byte("x")}
	e := newTestExternal(runner)
	ctx := context.Background()

	h, err := e.Open(ctx, writePNG(t, dir, "src.png", 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Blur(h, 8, 5); err != nil {
		t.Fatalf("Blur failed: %v", err)
	}
	if err := e.Save(ctx, h, filepath.Join(dir, "out.jpg"), 100); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(runner.command(t), "blur") {
		t.Error("blur should not reach the tool")
	}
}

func TestExternal_Failures(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "src.png", 10, 10)
	ctx := context.Background()

	tests := []struct {
		name   string
		runner *fakeRunner
		want   string
	}{
		{"non-zero exit", &fakeRunner{write: []byte("x"), err: errors.New("exit status 1"), stderr: "bad instruction"}, "bad instruction"},
		{"no output", &fakeRunner{}, "produced no output"},
		{"empty output", &fakeRunner{write: []byte{}}, "produced no output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExternal(tt.runner)
			h, err := e.Open(ctx, src)
			if err != nil {
				t.Fatal(err)
			}
			err = e.Save(ctx, h, filepath.Join(dir, tt.name+".png"), 100)
			if !errors.Is(err, ErrExternalProcess) {
				t.Fatalf("got %v, want ErrExternalProcess", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestExternal_Timeout(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{block: true}
	e := NewExternal(Options{ExternalTimeout: 20 * time.Millisecond, Runner: runner})
	ctx := context.Background()

	h, err := e.Open(ctx, writePNG(t, dir, "src.png", 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	err = e.Save(ctx, h, filepath.Join(dir, "out.png"), 100)
	if !errors.Is(err, ErrExternalProcess) || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("got %v, want a timeout ErrExternalProcess", err)
	}
}

func TestExternal_OpenErrors(t *testing.T) {
	dir := t.TempDir()
	e := newTestExternal(&fakeRunner{})
	ctx := context.Background()

	if _, err := e.Open(ctx, filepath.Join(dir, "missing.png")); !errors.Is(err, imaging.ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
	bad := filepath.Join(dir, "bad.jpg")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Open(ctx, bad); !errors.Is(err, imaging.ErrUnsupportedInput) {
		t.Errorf("undecodable: got %v, want ErrUnsupportedInput", err)
	}
}

func TestExecRunner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	r := ExecRunner{}
	stderr, err := r.Run(context.Background(), "/bin/sh", []string{"-c", "echo oops >&2; exit 3"})
	if err == nil {
		t.Fatal("expected a non-zero exit error")
	}
	if strings.TrimSpace(string(stderr)) != "oops" {
		t.Errorf("stderr: got %q, want oops", stderr)
	}
}

func TestExternal_RejectsHugeOutput(t *testing.T) {
	src := writePNG(t, t.TempDir(), "src.png", 8, 6)
	runner := &fakeRunner{}
	e := newTestExternal(runner)

	h, err := e.Open(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ResizeToWidth(h, 2147483647); !errors.Is(err, ErrBackendFailure) {
		t.Errorf("huge width: got %v, want ErrBackendFailure", err)
	}
	if err := e.Crop(h, 50000, 50000, imaging.Center); !errors.Is(err, ErrBackendFailure) {
		t.Errorf("huge crop: got %v, want ErrBackendFailure", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("tool should not run, got %d calls", len(runner.calls))
	}
}
