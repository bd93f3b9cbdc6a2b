package imaging

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrNotFound is returned when a request path does not resolve to a
	// readable regular file below the images root.
	ErrNotFound = errors.New("file not found")

	// ErrUnsupportedInput is returned when a source file cannot be decoded
	// as an image.
	ErrUnsupportedInput = errors.New("unsupported input image")
)

// DefaultProbeCacheSize is the number of probed sources kept in memory.
const DefaultProbeCacheSize = 4096

// Source describes a resolved source image.
//
// A Source is created once per request by Resolver.Resolve and never
// modified afterwards.
type Source struct {
	// Path is the absolute path of the source file.
	Path string

	// Width and Height are the natural dimensions in pixels. Both are 0 when
	// the file is not a decodable image.
	Width  int
	Height int

	// Format is the detected image format ("jpeg", "png", "gif", "webp",
	// "bmp"). Detection is based on file contents; when the file cannot be
	// probed the lower-cased extension is used instead.
	Format string

	// Decodable reports whether the signature probe recognised the file.
	Decodable bool

	// ModTime and Size come from the stat taken at resolution time.
	ModTime time.Time
	Size    int64
}

// Ext returns the lower-cased file extension of the source without the dot.
func (s Source) Ext() string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(s.Path), "."))
}

type probeKey struct {
	path    string
	modTime int64
	size    int64
}

type probeResult struct {
	width  int
	height int
	format string
	ok     bool
}

// Resolver maps request paths to source images below a root directory.
//
// Probe results are cached in a bounded LRU. The cache key includes the
// modification time and size, so an edited file is probed again.
type Resolver struct {
	root   string
	probes *lru.Cache[probeKey, probeResult]
}

// NewResolver creates a resolver rooted at root.
//
// Parameters:
//   - root: The images directory. It must exist; symlinks are resolved once.
//   - probeCacheSize: Maximum number of cached probes. Values <= 0 select
//     DefaultProbeCacheSize.
func NewResolver(root string, probeCacheSize int) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve images root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve images root: %w", err)
	}
	if probeCacheSize <= 0 {
		probeCacheSize = DefaultProbeCacheSize
	}
	probes, err := lru.New[probeKey, probeResult](probeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe cache: %w", err)
	}
	return &Resolver{root: real, probes: probes}, nil
}

// Root returns the resolved images root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps a URL-decoded request path to a Source.
//
// The root path "/" never resolves. Any path that leaves the images root,
// names a directory, or cannot be opened for reading returns an error
// wrapping ErrNotFound.
func (r *Resolver) Resolve(urlPath string) (Source, error) {
	clean := path.Clean("/" + urlPath)
	if clean == "/" {
		return Source{}, fmt.Errorf("%w: empty path", ErrNotFound)
	}

	full := filepath.Join(r.root, filepath.FromSlash(clean))
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	if !within(r.root, real) {
		return Source{}, fmt.Errorf("%w: %s escapes images root", ErrNotFound, clean)
	}

	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}

	probe, err := r.probe(real, info)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %s is not readable", ErrNotFound, clean)
	}

	src := Source{
		Path:      real,
		Width:     probe.width,
		Height:    probe.height,
		Format:    probe.format,
		Decodable: probe.ok,
		ModTime:   info.ModTime(),
		Size:      info.Size(),
	}
	if !probe.ok {
		src.Format = src.Ext()
	}
	return src, nil
}

// probe reads the image header. An open failure is returned as an error;
// an undecodable header is a successful probe with ok == false.
func (r *Resolver) probe(path string, info os.FileInfo) (probeResult, error) {
	key := probeKey{path: path, modTime: info.ModTime().UnixNano(), size: info.Size()}
	if cached, ok := r.probes.Get(key); ok {
		return cached, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return probeResult{}, err
	}
	defer f.Close()

	var result probeResult
	cfg, format, err := image.DecodeConfig(f)
	if err == nil {
		result = probeResult{width: cfg.Width, height: cfg.Height, format: format, ok: true}
	}

	r.probes.Add(key, result)
	return result, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
