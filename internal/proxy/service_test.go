package proxy

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/image-proxy/internal/cache"
	"github.com/ironsheep/image-proxy/internal/engine"
	"github.com/ironsheep/image-proxy/internal/imaging"
)

type fixture struct {
	images string
	store  *cache.Store
	svc    *Service
	engine *countingEngine
}

// countingEngine counts Save calls on the wrapped engine.
type countingEngine struct {
	engine.Engine
	saves atomic.Int32
}

func (c *countingEngine) Save(ctx context.Context, h engine.Handle, dest string, quality int) error {
	c.saves.Add(1)
	return c.Engine.Save(ctx, h, dest, quality)
}

func newFixture(t *testing.T, eng engine.Engine, mutate ...func(*Options)) *fixture {
	t.Helper()
	images := t.TempDir()
	resolver, err := imaging.NewResolver(images, 0)
	require.NoError(t, err)
	store, err := cache.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	if eng == nil {
		eng = engine.NewRaster(0, nil)
	}
	counting := &countingEngine{Engine: eng}

	opts := Options{
		Resolver: resolver,
		Store:    store,
		Engine:   counting,
		Workers:  2,
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := New(opts)
	require.NoError(t, err)

	return &fixture{images: resolver.Root(), store: store, svc: svc, engine: counting}
}

// writeImage writes a gradient so that blurring and resizing have visible
// effects.
func (f *fixture) writeImage(t *testing.T, name string, width, height int, format string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{uint8(x * 255 / width), uint8(y * 255 / height), 0, 255}
			if (x/10+y/10)%2 == 0 {
				c.B = 255
			}
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	default:
		require.NoError(t, png.Encode(&buf, img))
	}
	path := filepath.Join(f.images, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func decodeConfig(t *testing.T, path string) (image.Config, string) {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	cfg, format, err := image.DecodeConfig(file)
	require.NoError(t, err)
	return cfg, format
}

func query(t *testing.T, raw string) url.Values {
	t.Helper()
	q, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return q
}

func TestServe_Passthrough(t *testing.T) {
	f := newFixture(t, nil)
	src := f.writeImage(t, "photo.png", 80, 60, "png")

	res, err := f.svc.Serve(context.Background(), "/photo.png", url.Values{})
	require.NoError(t, err)

	assert.Equal(t, Passthrough, res.Outcome)
	assert.Equal(t, src, res.Path)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Empty(t, res.Key)
	assert.Zero(t, f.engine.saves.Load())

	stats, err := f.store.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Entries, "passthrough must not touch the cache")
}

func TestServe_PassthroughIgnoresInvalidParams(t *testing.T) {
	f := newFixture(t, nil)
	f.writeImage(t, "photo.png", 20, 20, "png")

	res, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "convert=tiff&width=abc&blurred=yes"))
	require.NoError(t, err)
	assert.Equal(t, Passthrough, res.Outcome)
}

func TestServe_ResizeWidth(t *testing.T) {
	f := newFixture(t, nil)
	f.writeImage(t, "photo.png", 800, 600, "png")

	res, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "width=400"))
	require.NoError(t, err)

	assert.Equal(t, Transformed, res.Outcome)
	assert.Equal(t, filepath.Join(f.store.Root(), "png", res.Key+".png"), res.Path)
	cfg, format := decodeConfig(t, res.Path)
	assert.Equal(t, "png", format)
	assert.Equal(t, 400, cfg.Width)
	assert.Equal(t, 300, cfg.Height)
}

func TestServe_ConvertWebP(t *testing.T) {
	f := newFixture(t, nil)
	f.writeImage(t, "photo.jpg", 800, 600, "jpeg")

	res, err := f.svc.Serve(context.Background(), "/photo.jpg", query(t, "convert=webp"))
	require.NoError(t, err)

	assert.Equal(t, Transformed, res.Outcome)
	assert.Equal(t, filepath.Join(f.store.Root(), "webp", res.Key+".webp"), res.Path)
	assert.Equal(t, "image/webp", res.ContentType)
	cfg, format := decodeConfig(t, res.Path)
	assert.Equal(t, "webp", format)
	assert.Equal(t, 800, cfg.Width)
	assert.Equal(t, 600, cfg.Height)
}

func TestServe_Blurred(t *testing.T) {
	f := newFixture(t, nil)
	src := f.writeImage(t, "photo.png", 200, 100, "png")

	res, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "blurred=true&convert=png"))
	require.NoError(t, err)

	assert.Equal(t, Transformed, res.Outcome)
	assert.Equal(t, "image/jpeg", res.ContentType)
	assert.Equal(t, filepath.Join(f.store.Root(), "jpeg", res.Key+".jpeg"), res.Path)

	blurred, err := imaging.Open(res.Path)
	require.NoError(t, err)
	original, err := imaging.Open(src)
	require.NoError(t, err)
	assert.Equal(t, original.Bounds().Size(), blurred.Bounds().Size())
	assert.Less(t, edgeEnergy(blurred), edgeEnergy(original)/2, "output should be visibly blurred")
}

func TestServe_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	for _, p := range []string{"/missing.png", "/", "/../etc/passwd"} {
		_, err := f.svc.Serve(context.Background(), p, query(t, "width=10"))
		assert.ErrorIs(t, err, imaging.ErrNotFound, p)
	}
}

func TestServe_ConcurrentMissesShareTransform(t *testing.T) {
	f := newFixture(t, nil)
	f.writeImage(t, "photo.png", 640, 480, "png")

	const n = 8
	q := query(t, "width=320&convert=webp")
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Serve(context.Background(), "/photo.png", q)
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = os.ReadFile(res.Path)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, results[i])
		assert.Equal(t, results[0], results[i], "response %d differs", i)
	}
}

func TestServe_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.writeImage(t, "photo.png", 300, 200, "png")
	q := query(t, "width=150&height=150")

	first, err := f.svc.Serve(context.Background(), "/photo.png", q)
	require.NoError(t, err)
	firstBytes, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	second, err := f.svc.Serve(context.Background(), "/photo.png", q)
	require.NoError(t, err)
	secondBytes, err := os.ReadFile(second.Path)
	require.NoError(t, err)

	assert.Equal(t, Transformed, first.Outcome)
	assert.Equal(t, CacheHit, second.Outcome)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, firstBytes, secondBytes)
	assert.EqualValues(t, 1, f.engine.saves.Load(), "second request must not transform")

	cfg, _ := decodeConfig(t, second.Path)
	assert.Equal(t, 150, cfg.Width)
	assert.Equal(t, 150, cfg.Height)
}

func TestServe_AspectRatioLaw(t *testing.T) {
	f := newFixture(t, nil)
	f.writeImage(t, "odd.png", 733, 421, "png")

	for _, h := range []int{1, 50, 421, 900} {
		res, err := f.svc.Serve(context.Background(), "/odd.png", url.Values{"height": {itoa(h)}})
		require.NoError(t, err)
		cfg, _ := decodeConfig(t, res.Path)
		want := 733.0 * float64(h) / 421.0
		assert.Equal(t, h, cfg.Height)
		assert.InDelta(t, want, float64(cfg.Width), 1.0)
	}
}

func TestServe_StaleSourceKeepsKeyByDefault(t *testing.T) {
	f := newFixture(t, nil)
	f.writeImage(t, "photo.png", 100, 100, "png")

	first, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "width=50"))
	require.NoError(t, err)

	f.writeImage(t, "photo.png", 200, 50, "png")
	second, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "width=50"))
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, CacheHit, second.Outcome)
}

func TestServe_KeyIncludesSourceStat(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) { o.KeyIncludesSourceStat = true })
	f.writeImage(t, "photo.png", 100, 100, "png")

	first, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "width=50"))
	require.NoError(t, err)

	path := f.writeImage(t, "photo.png", 200, 50, "png")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	second, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "width=50"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Key, second.Key)
	assert.Equal(t, Transformed, second.Outcome)
	cfg, _ := decodeConfig(t, second.Path)
	assert.Equal(t, 13, cfg.Height)
}

func TestServe_ExternalFailureFallsBack(t *testing.T) {
	f := newFixture(t, &failingEngine{err: engine.ErrExternalProcess})
	src := f.writeImage(t, "photo.png", 40, 40, "png")

	res, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "convert=webp"))
	require.NoError(t, err)

	assert.Equal(t, Fallback, res.Outcome)
	assert.Equal(t, src, res.Path)
	assert.Equal(t, "image/png", res.ContentType)

	stats, err := f.store.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)

	entries, err := os.ReadDir(filepath.Join(f.store.Root(), "webp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files must be discarded")
}

func TestServe_BackendFailureIsError(t *testing.T) {
	f := newFixture(t, &failingEngine{err: engine.ErrBackendFailure})
	f.writeImage(t, "photo.png", 40, 40, "png")

	_, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "width=10"))
	assert.ErrorIs(t, err, engine.ErrBackendFailure)
}

func TestServe_HugeDimensionIsError(t *testing.T) {
	f := newFixture(t, nil)
	f.writeImage(t, "a.png", 8, 6, "png")

	for _, raw := range []string{
		"width=3000000000000000000",
		"height=2147483647",
		"width=50000&height=50000",
	} {
		_, err := f.svc.Serve(context.Background(), "/a.png", query(t, raw))
		assert.ErrorIs(t, err, engine.ErrBackendFailure, raw)
	}

	stats, err := f.store.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)

	res, err := f.svc.Serve(context.Background(), "/a.png", query(t, "width=4"))
	require.NoError(t, err)
	assert.Equal(t, Transformed, res.Outcome)
}

func TestServe_BackendPanicIsError(t *testing.T) {
	f := newFixture(t, &panickingEngine{})
	f.writeImage(t, "photo.png", 40, 40, "png")

	_, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "width=10"))
	require.ErrorIs(t, err, engine.ErrBackendFailure)
	assert.Contains(t, err.Error(), "panic")

	entries, err := os.ReadDir(filepath.Join(f.store.Root(), "png"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files must be discarded")
}

func TestServe_BlurredWithExternalEngine(t *testing.T) {
	runner := &copyRunner{}
	f := newFixture(t, engine.NewExternal(engine.Options{Runner: runner, ExternalTimeout: time.Second}))
	src := f.writeImage(t, "photo.png", 200, 100, "png")

	res, err := f.svc.Serve(context.Background(), "/photo.png", query(t, "blurred=true"))
	require.NoError(t, err)

	assert.Equal(t, Transformed, res.Outcome)
	assert.Equal(t, "image/jpeg", res.ContentType)
	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], "format=jpeg")

	cfg, format := decodeConfig(t, res.Path)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 100, cfg.Height)

	blurred, err := imaging.Open(res.Path)
	require.NoError(t, err)
	original, err := imaging.Open(src)
	require.NoError(t, err)
	assert.Less(t, edgeEnergy(blurred), edgeEnergy(original)/2, "output should be visibly blurred")
}

func TestServe_UndecodableSource(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.images, "notes.png"), []byte("text"), 0o644))

	res, err := f.svc.Serve(context.Background(), "/notes.png", url.Values{})
	require.NoError(t, err)
	assert.Equal(t, Passthrough, res.Outcome)

	_, err = f.svc.Serve(context.Background(), "/notes.png", query(t, "width=10"))
	assert.ErrorIs(t, err, imaging.ErrUnsupportedInput)
}

func TestServe_CanceledRequest(t *testing.T) {
	f := newFixture(t, &blockingEngine{release: make(chan struct{})})
	f.writeImage(t, "photo.png", 40, 40, "png")
	eng := f.engine.Engine.(*blockingEngine)
	defer close(eng.release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Serve(ctx, "/photo.png", query(t, "width=10"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNew_Workers(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) { o.Workers = 0 })
	assert.Equal(t, runtime.NumCPU(), f.svc.Workers())

	f = newFixture(t, nil, func(o *Options) { o.Workers = 3 })
	assert.Equal(t, 3, f.svc.Workers())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "PASS", Passthrough.String())
	assert.Equal(t, "HIT", CacheHit.String())
	assert.Equal(t, "MISS", Transformed.String())
	assert.Equal(t, "FALLBACK", Fallback.String())
}

func TestDetectContentType(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o644))
	ct, err := DetectContentType(txt)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", ct)

	_, err = DetectContentType(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

// failingEngine opens any file and fails on Save with err.
type failingEngine struct {
	err error
}

type stubHandle struct{ path string }

func (h *stubHandle) Path() string { return h.path }
func (h *stubHandle) Width() int { return 1 }
func (h *stubHandle) Height() int { return 1 }
func (h *stubHandle) Release() {}

func (e *failingEngine) Name() string { return "failing" }
func (e *failingEngine) Open(ctx context.Context, path string) (engine.Handle, error) {
	return &stubHandle{path: path}, nil
}
func (e *failingEngine) ResizeToWidth(engine.Handle, int) error { return nil }
func (e *failingEngine) ResizeToHeight(engine.Handle, int) error { return nil }
func (e *failingEngine) Crop(engine.Handle, int, int, imaging.Anchor) error {
	return nil
}
func (e *failingEngine) Blur(engine.Handle, float64, float64) error { return nil }
func (e *failingEngine) Save(context.Context, engine.Handle, string, int) error {
	return errors.Join(e.err, errors.New("simulated"))
}

// blockingEngine blocks in Open until release is closed.
type blockingEngine struct {
	failingEngine
	release chan struct{}
}

func (e *blockingEngine) Open(ctx context.Context, path string) (engine.Handle, error) {
	<-e.release
	return nil, errors.New("released")
}

// panickingEngine panics while resizing.
type panickingEngine struct {
	failingEngine
}

func (e *panickingEngine) ResizeToWidth(engine.Handle, int) error {
	panic("resize exploded")
}

// copyRunner stands in for the external tool: it copies --in to --out
// unchanged and records the instruction list.
type copyRunner struct {
	mu       sync.Mutex
	commands []string
}

func (r *copyRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	var in, out string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "--in":
			in = args[i+1]
		case "--out":
			out = args[i+1]
		case "--command":
			r.mu.Lock()
			r.commands = append(r.commands, args[i+1])
			r.mu.Unlock()
		}
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return nil, err
	}
	return nil, os.WriteFile(out, data, 0o644)
}

var _ engine.Engine = (*failingEngine)(nil)
var _ engine.Engine = (*panickingEngine)(nil)
var _ engine.Engine = (*blockingEngine)(nil)
