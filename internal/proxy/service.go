package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ironsheep/image-proxy/internal/cache"
	"github.com/ironsheep/image-proxy/internal/engine"
	"github.com/ironsheep/image-proxy/internal/imaging"
	"github.com/ironsheep/image-proxy/internal/metrics"
	"github.com/ironsheep/image-proxy/internal/transform"
)

// DefaultTimeout bounds one transform when Options.Timeout is zero.
const DefaultTimeout = time.Minute

// Default blur parameters passed to Engine.Blur.
const (
	DefaultBlurRadius = 8.0
	DefaultBlurSigma  = 5.0
)

// Outcome says where the bytes of a Result come from.
type Outcome int

const (
	// Passthrough is the unmodified source; no transform was requested.
	Passthrough Outcome = iota
	// CacheHit is an existing cache entry.
	CacheHit
	// Transformed is a cache entry produced by this request.
	Transformed
	// Fallback is the unmodified source served after a failed transform.
	Fallback
)

// String returns the X-Cache header value of the outcome.
func (o Outcome) String() string {
	switch o {
	case Passthrough:
		return "PASS"
	case CacheHit:
		return "HIT"
	case Transformed:
		return "MISS"
	case Fallback:
		return "FALLBACK"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the file to send back for a request.
type Result struct {
	// Path is the file to serve: the source or a cache entry.
	Path string

	// ContentType is sniffed from the first bytes of Path.
	ContentType string

	Outcome Outcome

	// Key is the cache key; empty for Passthrough.
	Key string

	Spec   transform.Spec
	Source imaging.Source
}

// Options configures a Service.
type Options struct {
	Resolver *imaging.Resolver
	Parser   transform.Parser
	Store    *cache.Store

	// Engine is the primary backend.
	Engine engine.Engine

	// Blur runs the blur post-pass. Nil uses a default raster engine.
	Blur *engine.Raster

	// BlurRadius and BlurSigma are passed to Blur.Blur.
	BlurRadius float64
	BlurSigma  float64

	// Workers is the number of concurrent transforms. Zero means NumCPU.
	Workers int

	// Timeout bounds one transform. Zero means DefaultTimeout.
	Timeout time.Duration

	// KeyIncludesSourceStat adds the source modification time and size to
	// cache keys.
	KeyIncludesSourceStat bool

	Logger *slog.Logger
}

// Service is the request pipeline. It is safe for concurrent use.
type Service struct {
	resolver   *imaging.Resolver
	parser     transform.Parser
	store      *cache.Store
	engine     engine.Engine
	blur       *engine.Raster
	blurRadius float64
	blurSigma  float64
	timeout    time.Duration
	keyStat    bool
	logger     *slog.Logger

	group       singleflight.Group
	workers     *semaphore.Weighted
	workerCount int
}

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}

	s := &Service{
		resolver:   opts.Resolver,
		parser:     opts.Parser,
		store:      opts.Store,
		engine:     opts.Engine,
		blur:       opts.Blur,
		blurRadius: opts.BlurRadius,
		blurSigma:  opts.BlurSigma,
		timeout:    opts.Timeout,
		keyStat:    opts.KeyIncludesSourceStat,
		logger:     opts.Logger,
	}
	if s.blur == nil {
		s.blur = engine.NewRaster(0, nil)
	}
	if s.blurRadius <= 0 {
		s.blurRadius = DefaultBlurRadius
	}
	if s.blurSigma <= 0 {
		s.blurSigma = DefaultBlurSigma
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s.workers = semaphore.NewWeighted(int64(workers))
	s.workerCount = workers
	return s, nil
}

// Workers returns the number of transforms that may run at once.
func (s *Service) Workers() int {
	return s.workerCount
}

// Serve runs the pipeline for one request.
//
// Errors wrap imaging.ErrNotFound when the path does not resolve. Other
// errors mean the transform failed in a way that falling back to the
// source cannot hide (undecodable source, unsupported output format,
// backend failure) or that ctx ended while waiting.
func (s *Service) Serve(ctx context.Context, urlPath string, query url.Values) (*Result, error) {
	src, err := s.resolver.Resolve(urlPath)
	if err != nil {
		return nil, err
	}

	spec := s.parser.Parse(query, src.Ext())
	if !spec.NeedsTransform() {
		return s.result(src.Path, Passthrough, "", spec, src)
	}

	key := transform.Key(transform.SourceIdentity(src, s.keyStat), spec)
	if f, ok := s.store.Lookup(key, spec.Format); ok {
		path := f.Name()
		f.Close()
		return s.result(path, CacheHit, key, spec, src)
	}

	final, err := s.store.ReservePath(key, spec.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve cache entry: %w", err)
	}

	ch := s.group.DoChan(final, func() (any, error) {
		return nil, s.transform(src, spec, key, final)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Shared {
		metrics.RecordShared()
	}

	if res.Err != nil {
		if !errors.Is(res.Err, engine.ErrExternalProcess) {
			return nil, res.Err
		}
		s.logger.Warn("external transform failed, serving source",
			"path", urlPath, "key", key, "error", res.Err)
		return s.result(src.Path, Fallback, key, spec, src)
	}

	if !s.store.ExistsAndReadable(final) {
		s.logger.Warn("cache entry missing after transform, serving source",
			"path", urlPath, "key", key)
		return s.result(src.Path, Fallback, key, spec, src)
	}
	return s.result(final, Transformed, key, spec, src)
}

// transform writes the output of spec applied to src to final. It runs
// detached from any request and holds a worker slot while it works.
func (s *Service) transform(src imaging.Source, spec transform.Spec, key, final string) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.workers.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for a worker: %w", engine.ErrBackendFailure, err)
	}
	defer s.workers.Release(1)
	metrics.InflightTransforms.Inc()
	defer metrics.InflightTransforms.Dec()

	start := time.Now()
	defer func() {
		if err != nil {
			metrics.RecordTransformError(s.engine.Name(), errorType(err))
			return
		}
		metrics.RecordTransform(s.engine.Name(), spec.Format, time.Since(start).Seconds())
		s.logger.Info("transformed image",
			"source", src.Path,
			"key", key,
			"backend", s.engine.Name(),
			"format", spec.Format,
			"mode", spec.Mode().String(),
			"blurred", spec.Blurred,
			"duration", time.Since(start),
		)
	}()
	// A backend panic must not escape through singleflight.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", engine.ErrBackendFailure, r)
		}
	}()

	tmp, err := s.store.TempPath(final)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			s.store.Discard(tmp)
		}
	}()

	if err := s.render(ctx, src, spec, tmp); err != nil {
		return err
	}
	if spec.Blurred {
		if err := s.blurPass(ctx, tmp, spec.Quality); err != nil {
			return err
		}
	}

	if err := s.store.Commit(tmp, final); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrBackendFailure, err)
	}
	committed = true
	return nil
}

// render opens the source with the primary engine, applies the geometry
// of spec and saves to dest. The handle is released on every path.
func (s *Service) render(ctx context.Context, src imaging.Source, spec transform.Spec, dest string) error {
	h, err := s.engine.Open(ctx, src.Path)
	if err != nil {
		return err
	}
	defer h.Release()

	switch spec.Mode() {
	case transform.ModeWidth:
		err = s.engine.ResizeToWidth(h, spec.Width)
	case transform.ModeHeight:
		err = s.engine.ResizeToHeight(h, spec.Height)
	case transform.ModeCrop:
		err = s.engine.Crop(h, spec.Width, spec.Height, spec.Anchor)
	}
	if err != nil {
		return err
	}
	return s.engine.Save(ctx, h, dest, spec.Quality)
}

// blurPass re-opens the saved file with the raster engine, blurs it and
// overwrites it in place.
func (s *Service) blurPass(ctx context.Context, path string, quality int) error {
	h, err := s.blur.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: failed to reopen for blur: %w", engine.ErrBackendFailure, err)
	}
	defer h.Release()

	if err := s.blur.Blur(h, s.blurRadius, s.blurSigma); err != nil {
		return err
	}
	return s.blur.Save(ctx, h, path, quality)
}

func (s *Service) result(path string, outcome Outcome, key string, spec transform.Spec, src imaging.Source) (*Result, error) {
	ct, err := DetectContentType(path)
	if err != nil {
		return nil, err
	}
	metrics.RecordRequest(outcome.String())
	return &Result{
		Path:        path,
		ContentType: ct,
		Outcome:     outcome,
		Key:         key,
		Spec:        spec,
		Source:      src,
	}, nil
}

// DetectContentType sniffs the media type of the file at path. When the
// contents are not recognised the extension decides.
func DetectContentType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	ct := http.DetectContentType(buf[:n])
	if ct == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
			return byExt, nil
		}
	}
	return ct, nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, imaging.ErrNotFound):
		return "not_found"
	case errors.Is(err, imaging.ErrUnsupportedInput):
		return "unsupported_input"
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, engine.ErrExternalProcess):
		return "external_process"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "backend"
	}
}
